// Package bolt implements store.Store on top of a bbolt database file.
//
// All keys live in a single bucket ordered by their encoded bytes. Each value
// is prefixed with the 8 byte sequence number of the commit that wrote it;
// the sequence doubles as the versionstamp. Queue delivery is in-process and
// not durable across restarts, only undelivered payloads are persisted.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/queue"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

var bucketData = []byte("kvdex")

// errCheckFailed aborts an Update transaction whose checks did not hold.
var errCheckFailed = errors.New("check failed")

const defaultPageSize = 256

// Store is a store.Store backed by bbolt.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
	queue  *queue.Dispatcher

	noSync       bool
	timeout      time.Duration
	pageSize     int
	queueOptions []queue.Option

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store and its queue.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing or benchmarking.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// WithOpenTimeout bounds how long Open waits for the file lock.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		s.timeout = timeout
	}
}

// WithPageSize sets how many entries a scan reads per read transaction.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithQueueOptions passes options to the queue dispatcher.
func WithQueueOptions(options ...queue.Option) Option {
	return func(s *Store) {
		s.queueOptions = append(s.queueOptions, options...)
	}
}

// Open opens or creates the database at path.
func Open(path string, options ...Option) (*Store, error) {
	s := &Store{
		logger:   slog.Default(),
		timeout:  time.Second,
		pageSize: defaultPageSize,
	}
	for _, option := range options {
		option(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: s.timeout,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketData)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	queueOptions := append([]queue.Option{
		queue.WithLogger(s.logger),
		queue.WithUndelivered(s.persistUndelivered),
	}, s.queueOptions...)
	s.queue = queue.NewDispatcher(queueOptions...)

	s.logger.Debug("opened bolt store", "path", path, "noSync", s.noSync)
	return s, nil
}

var _ store.Store = (*Store)(nil)

func formatVersionstamp(seq uint64) store.Versionstamp {
	return store.Versionstamp(fmt.Sprintf("%016x0000", seq))
}

func encodeValue(seq uint64, value []byte) []byte {
	buf := make([]byte, 8, 8+len(value))
	binary.BigEndian.PutUint64(buf, seq)
	return append(buf, value...)
}

func decodeValue(raw []byte) (store.Versionstamp, []byte, error) {
	if len(raw) < 8 {
		return "", nil, fmt.Errorf("corrupt value: %d bytes", len(raw))
	}
	value := make([]byte, len(raw)-8)
	copy(value, raw[8:])
	return formatVersionstamp(binary.BigEndian.Uint64(raw[:8])), value, nil
}

func (s *Store) guard(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, store.ErrClosed
	}
	return s.mu.RUnlock, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key []byte, _ ...store.ReadOption) (*store.Entry, error) {
	release, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var entry *store.Entry
	err = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketData).Get(key)
		if raw == nil {
			return nil
		}
		vs, value, err := decodeValue(raw)
		if err != nil {
			return err
		}
		entry = &store.Entry{Key: append([]byte(nil), key...), Value: value, Versionstamp: vs}
		return nil
	})
	return entry, err
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, key, value []byte) (store.Versionstamp, error) {
	res, err := s.Commit(ctx, new(store.Batch).Set(key, value))
	if err != nil {
		return "", err
	}
	return res.Versionstamp, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	_, err := s.Commit(ctx, new(store.Batch).Delete(key))
	return err
}

// Commit implements store.Store. The batch runs in one bbolt Update
// transaction, so a failed check or mutation rolls everything back.
func (s *Store) Commit(ctx context.Context, b *store.Batch) (store.CommitResult, error) {
	release, err := s.guard(ctx)
	if err != nil {
		return store.CommitResult{}, err
	}
	defer release()

	var vs store.Versionstamp
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketData)

		for _, c := range b.Checks {
			var current store.Versionstamp
			if raw := bucket.Get(c.Key); raw != nil {
				stamp, _, err := decodeValue(raw)
				if err != nil {
					return err
				}
				current = stamp
			}
			if current != c.Versionstamp {
				return errCheckFailed
			}
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating versionstamp: %w", err)
		}
		vs = formatVersionstamp(seq)

		for _, m := range b.Mutations {
			switch m.Kind {
			case store.MutationSet:
				if err := bucket.Put(m.Key, encodeValue(seq, m.Value)); err != nil {
					return fmt.Errorf("putting key: %w", err)
				}
			case store.MutationDelete:
				if err := bucket.Delete(m.Key); err != nil {
					return fmt.Errorf("deleting key: %w", err)
				}
			case store.MutationSum:
				var current []byte
				if raw := bucket.Get(m.Key); raw != nil {
					if _, current, err = decodeValue(raw); err != nil {
						return err
					}
				}
				next, err := store.ApplySum(current, m.Delta)
				if err != nil {
					return err
				}
				if err := bucket.Put(m.Key, encodeValue(seq, next)); err != nil {
					return fmt.Errorf("putting sum: %w", err)
				}
			default:
				return fmt.Errorf("unknown mutation kind %v", m.Kind)
			}
		}
		return nil
	})
	if errors.Is(err, errCheckFailed) {
		return store.CommitResult{OK: false}, nil
	}
	if err != nil {
		return store.CommitResult{}, err
	}
	return store.CommitResult{OK: true, Versionstamp: vs}, nil
}

// Scan implements store.Store. Entries are read in pages, each page in its
// own read transaction, so callers may write while iterating.
func (s *Store) Scan(ctx context.Context, r store.Range) (store.Iterator, error) {
	release, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	release()

	start, end := r.Bounds()
	return &iterator{
		s:       s,
		ctx:     ctx,
		start:   start,
		end:     end,
		reverse: r.Reverse,
		limit:   r.Limit,
		pos:     -1,
	}, nil
}

// Enqueue implements store.Store.
func (s *Store) Enqueue(ctx context.Context, payload []byte, opts store.EnqueueOptions) error {
	return s.queue.Enqueue(ctx, payload, opts)
}

// Listen implements store.Store.
func (s *Store) Listen(ctx context.Context, handler store.QueueHandler) error {
	return s.queue.Listen(ctx, handler)
}

func (s *Store) persistUndelivered(ctx context.Context, keys [][]byte, payload []byte) error {
	b := new(store.Batch)
	for _, k := range keys {
		b.Set(k, payload)
	}
	_, err := s.Commit(ctx, b)
	return err
}

// Close implements store.Store.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.queue.Close()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.logger.Debug("closing bolt store")
		err = s.db.Close()
	})
	return err
}

type iterator struct {
	s       *Store
	ctx     context.Context
	start   []byte
	end     []byte
	reverse bool
	limit   int

	page    []store.Entry
	pos     int
	yielded int
	done    bool
	err     error
}

func (it *iterator) Next() bool {
	if it.err != nil || (it.limit > 0 && it.yielded >= it.limit) {
		return false
	}
	it.pos++
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		if err := it.load(); err != nil {
			it.err = err
			return false
		}
		it.pos = 0
		if len(it.page) == 0 {
			return false
		}
	}
	it.yielded++
	return true
}

func (it *iterator) load() error {
	release, err := it.s.guard(it.ctx)
	if err != nil {
		return err
	}
	defer release()

	size := it.s.pageSize
	if it.limit > 0 && it.limit-it.yielded < size {
		size = it.limit - it.yielded
	}

	page := make([]store.Entry, 0, size)
	err = it.s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketData).Cursor()

		var k, v []byte
		if it.reverse {
			if it.end == nil {
				k, v = c.Last()
			} else if k, v = c.Seek(it.end); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else if it.start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(it.start)
		}

		for k != nil && len(page) < size {
			if it.reverse && it.start != nil && bytes.Compare(k, it.start) < 0 {
				break
			}
			if !it.reverse && it.end != nil && bytes.Compare(k, it.end) >= 0 {
				break
			}
			vs, value, err := decodeValue(v)
			if err != nil {
				return err
			}
			page = append(page, store.Entry{Key: append([]byte(nil), k...), Value: value, Versionstamp: vs})
			if it.reverse {
				k, v = c.Prev()
			} else {
				k, v = c.Next()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	it.page = page
	if len(page) < size {
		it.done = true
	}
	if n := len(page); n > 0 {
		last := page[n-1].Key
		if it.reverse {
			it.end = last
		} else {
			it.start = keys.Successor(last)
		}
	}
	return nil
}

func (it *iterator) Entry() store.Entry {
	if it.pos < 0 || it.pos >= len(it.page) {
		return store.Entry{}
	}
	return it.page[it.pos]
}

func (it *iterator) Err() error {
	return it.err
}

func (it *iterator) Close() error {
	it.page = nil
	it.done = true
	return nil
}
