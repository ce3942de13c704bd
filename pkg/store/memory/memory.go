// Package memory is an in-process implementation of store.Store. It keeps
// the keyspace in a sorted slice and stamps every commit with a new
// monotonically increasing versionstamp.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/adfharrison1/go-kvdex/pkg/queue"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

type item struct {
	key          []byte
	value        []byte
	versionstamp store.Versionstamp
}

// Store is a thread-safe in-memory store.
type Store struct {
	mu      sync.RWMutex
	items   []item
	version uint64
	closed  bool

	queue  *queue.Dispatcher
	logger *slog.Logger

	queueOptions []queue.Option
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store and its queue.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithQueueOptions passes options to the queue dispatcher.
func WithQueueOptions(options ...queue.Option) Option {
	return func(s *Store) {
		s.queueOptions = append(s.queueOptions, options...)
	}
}

// New creates an empty store.
func New(options ...Option) *Store {
	s := &Store{logger: slog.Default()}
	for _, option := range options {
		option(s)
	}

	queueOptions := append([]queue.Option{
		queue.WithLogger(s.logger),
		queue.WithUndelivered(s.persistUndelivered),
	}, s.queueOptions...)
	s.queue = queue.NewDispatcher(queueOptions...)
	return s
}

var _ store.Store = (*Store)(nil)

// search returns the index of the first item with key >= key.
func (s *Store) search(key []byte) int {
	return sort.Search(len(s.items), func(i int) bool {
		return bytes.Compare(s.items[i].key, key) >= 0
	})
}

func (s *Store) lookup(key []byte) (int, bool) {
	i := s.search(key)
	return i, i < len(s.items) && bytes.Equal(s.items[i].key, key)
}

func (s *Store) nextVersionstamp() store.Versionstamp {
	s.version++
	return store.Versionstamp(fmt.Sprintf("%016x0000", s.version))
}

func (s *Store) put(key, value []byte, vs store.Versionstamp) {
	it := item{
		key:          append([]byte(nil), key...),
		value:        append([]byte(nil), value...),
		versionstamp: vs,
	}
	i, found := s.lookup(key)
	if found {
		s.items[i] = it
		return
	}
	s.items = append(s.items, item{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
}

func (s *Store) remove(key []byte) {
	if i, found := s.lookup(key); found {
		s.items = append(s.items[:i], s.items[i+1:]...)
	}
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key []byte, _ ...store.ReadOption) (*store.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	i, found := s.lookup(key)
	if !found {
		return nil, nil
	}
	it := s.items[i]
	return &store.Entry{
		Key:          append([]byte(nil), it.key...),
		Value:        append([]byte(nil), it.value...),
		Versionstamp: it.versionstamp,
	}, nil
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

// Scan implements store.Store. The returned iterator works on a snapshot
// taken at call time.
func (s *Store) Scan(ctx context.Context, r store.Range) (store.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	start, end := r.Bounds()
	lo := s.search(start)
	hi := len(s.items)
	if end != nil {
		hi = s.search(end)
	}
	if lo > hi {
		lo = hi
	}

	entries := make([]store.Entry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		it := s.items[i]
		entries = append(entries, store.Entry{
			Key:          append([]byte(nil), it.key...),
			Value:        append([]byte(nil), it.value...),
			Versionstamp: it.versionstamp,
		})
	}
	if r.Reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	if r.Limit > 0 && len(entries) > r.Limit {
		entries = entries[:r.Limit]
	}
	return store.NewSliceIterator(entries), nil
}

// Commit implements store.Store.
func (s *Store) Commit(ctx context.Context, b *store.Batch) (store.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return store.CommitResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.CommitResult{}, store.ErrClosed
	}

	for _, c := range b.Checks {
		var current store.Versionstamp
		if i, found := s.lookup(c.Key); found {
			current = s.items[i].versionstamp
		}
		if current != c.Versionstamp {
			return store.CommitResult{OK: false}, nil
		}
	}

	// Sums are validated before anything is written so that a bad sum
	// leaves the keyspace untouched.
	sums := make(map[string][]byte)
	for _, m := range b.Mutations {
		switch m.Kind {
		case store.MutationSet:
			sums[string(m.Key)] = m.Value
		case store.MutationDelete:
			sums[string(m.Key)] = nil
		case store.MutationSum:
			current, ok := sums[string(m.Key)]
			if !ok {
				if i, found := s.lookup(m.Key); found {
					current = s.items[i].value
				}
			}
			next, err := store.ApplySum(current, m.Delta)
			if err != nil {
				return store.CommitResult{}, err
			}
			sums[string(m.Key)] = next
		default:
			return store.CommitResult{}, fmt.Errorf("unknown mutation kind %v", m.Kind)
		}
	}

	vs := s.nextVersionstamp()
	for _, m := range b.Mutations {
		switch m.Kind {
		case store.MutationSet, store.MutationSum:
			s.put(m.Key, sums[string(m.Key)], vs)
		case store.MutationDelete:
			s.remove(m.Key)
		}
	}
	return store.CommitResult{OK: true, Versionstamp: vs}, nil
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

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.queue.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = nil
	return nil
}
