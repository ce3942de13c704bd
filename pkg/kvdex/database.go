// Package kvdex maps typed documents onto a transactional, versioned
// key-value store. Collections keep primary and secondary index entries
// consistent with their documents, support cursor based enumeration and
// compose into atomic multi-collection commits.
package kvdex

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// deleteAllBatchSize bounds the number of keys removed per commit by
// DeleteAll.
const deleteAllBatchSize = 128

// Database owns a store and the registry of collections built on it.
type Database struct {
	store  store.Store
	logger *slog.Logger

	mu          sync.Mutex
	roots       [][]byte
	collections []registered
	queue       queueScope
}

// registered is the type-erased view of a collection the Database needs.
type registered interface {
	rootKey() keys.Key
	countAll(ctx context.Context) (int, error)
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger used by the database and its collections.
func WithLogger(logger *slog.Logger) Option {
	return func(db *Database) {
		db.logger = logger
	}
}

// New creates a Database over s.
func New(s store.Store, options ...Option) *Database {
	db := &Database{
		store:  s,
		logger: slog.Default(),
	}
	for _, option := range options {
		option(db)
	}
	db.queue = queueScope{db: db}
	return db
}

// Store returns the underlying store.
func (db *Database) Store() store.Store {
	return db.store
}

// register reserves root for a collection. Roots must not be equal to, or a
// prefix of, another registered root since scans of the shorter root would
// otherwise cover the other collection's keys.
func (db *Database) register(root keys.Key, encoded []byte, c registered) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, other := range db.roots {
		if bytes.HasPrefix(other, encoded) || bytes.HasPrefix(encoded, other) {
			return configError(root, ErrDuplicateRoot, "root overlaps a registered collection")
		}
	}
	db.roots = append(db.roots, encoded)
	db.collections = append(db.collections, c)
	db.logger.Debug("registered collection", "root", fmt.Sprint(root))
	return nil
}

// Atomic starts a new atomic operation.
func (db *Database) Atomic() *AtomicOperation {
	return newAtomicOperation(db)
}

// CountAll counts the documents of every registered collection.
func (db *Database) CountAll(ctx context.Context) (int, error) {
	db.mu.Lock()
	collections := append([]registered(nil), db.collections...)
	db.mu.Unlock()

	total := 0
	for _, c := range collections {
		n, err := c.countAll(ctx)
		if err != nil {
			return 0, fmt.Errorf("counting %v: %w", c.rootKey(), err)
		}
		total += n
	}
	return total, nil
}

// DeleteAll removes every key below the root of every registered collection:
// documents, index entries, segments and undelivered messages.
func (db *Database) DeleteAll(ctx context.Context) error {
	db.mu.Lock()
	roots := append([][]byte(nil), db.roots...)
	db.mu.Unlock()

	for _, root := range roots {
		if err := db.deletePrefix(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) deletePrefix(ctx context.Context, prefix []byte) error {
	for {
		it, err := db.store.Scan(ctx, store.Range{Prefix: prefix, Limit: deleteAllBatchSize})
		if err != nil {
			return fmt.Errorf("scanning for delete: %w", err)
		}
		b := new(store.Batch)
		for it.Next() {
			b.Delete(it.Entry().Key)
		}
		err = it.Err()
		_ = it.Close()
		if err != nil {
			return fmt.Errorf("scanning for delete: %w", err)
		}
		if b.Empty() {
			return nil
		}
		if _, err := db.store.Commit(ctx, b); err != nil {
			return fmt.Errorf("deleting keys: %w", err)
		}
		if len(b.Mutations) < deleteAllBatchSize {
			return nil
		}
	}
}

// Enqueue sends data to database level listeners.
func (db *Database) Enqueue(ctx context.Context, data any, opts EnqueueOptions) error {
	return db.queue.enqueue(ctx, data, opts)
}

// ListenQueue registers handler for database level messages of opts.Topic.
func (db *Database) ListenQueue(ctx context.Context, handler QueueHandler, opts ListenOptions) error {
	return db.queue.listen(ctx, handler, opts)
}

// FindUndelivered returns a database level message that could not be
// delivered, or nil.
func (db *Database) FindUndelivered(ctx context.Context, id keys.Part) (*UndeliveredMessage, error) {
	return db.queue.findUndelivered(ctx, id)
}

// DeleteUndelivered removes a database level undelivered message.
func (db *Database) DeleteUndelivered(ctx context.Context, id keys.Part) error {
	return db.queue.deleteUndelivered(ctx, id)
}
