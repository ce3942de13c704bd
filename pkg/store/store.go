// Package store defines the narrow contract the collection engine needs from
// a transactional, versioned key-value store.
//
// Keys are order-preserving byte encodings produced by package keys; values
// are opaque bytes. Every successful write is stamped with a Versionstamp
// which optimistic checks compare against.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
)

var (
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidSum is returned when a sum mutation targets a value that is
	// not an encoded u64.
	ErrInvalidSum = errors.New("sum target is not a u64 value")
)

// Versionstamp identifies the commit that last wrote a key. An empty
// versionstamp in a Check means the key must not exist.
type Versionstamp string

// Consistency selects the read guarantee of Get and Scan.
type Consistency int

const (
	Strong Consistency = iota
	Eventual
)

// ReadOptions apply to point reads and scans.
type ReadOptions struct {
	Consistency Consistency
}

// ReadOption configures ReadOptions.
type ReadOption func(*ReadOptions)

// WithConsistency sets the read consistency.
func WithConsistency(c Consistency) ReadOption {
	return func(o *ReadOptions) {
		o.Consistency = c
	}
}

// ApplyReadOptions folds options over the defaults.
func ApplyReadOptions(opts ...ReadOption) ReadOptions {
	var ro ReadOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return ro
}

// Entry is a stored key with its value and versionstamp.
type Entry struct {
	Key          []byte
	Value        []byte
	Versionstamp Versionstamp
}

// Range selects keys for Scan. Start is inclusive and End exclusive; when
// unset they default to the bounds of Prefix. Reverse only changes direction.
// Limit caps the number of entries yielded, 0 means unbounded.
type Range struct {
	Prefix      []byte
	Start       []byte
	End         []byte
	Limit       int
	Reverse     bool
	Consistency Consistency
}

// Iterator walks scan results in key order.
type Iterator interface {
	// Next advances to the next entry and reports whether there is one.
	Next() bool
	// Entry returns the current entry.
	Entry() Entry
	// Err returns the first error encountered while iterating.
	Err() error
	// Close releases resources held by the iterator.
	Close() error
}

// EnqueueOptions configure a queued message.
type EnqueueOptions struct {
	// Delay postpones the first delivery attempt.
	Delay time.Duration
	// KeysIfUndelivered receive the payload when delivery is given up.
	KeysIfUndelivered [][]byte
}

// QueueHandler receives queued payloads. Returning an error asks for
// redelivery.
type QueueHandler func(ctx context.Context, payload []byte) error

// Store is the external collaborator of the collection engine.
type Store interface {
	// Get returns the entry at key, or nil when the key is absent.
	Get(ctx context.Context, key []byte, opts ...ReadOption) (*Entry, error)
	// Set writes a single key outside of any batch.
	Set(ctx context.Context, key, value []byte) (Versionstamp, error)
	// Delete removes a single key; deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error
	// Scan iterates the keys selected by r.
	Scan(ctx context.Context, r Range) (Iterator, error)
	// Commit applies all mutations of b if every check holds, or none.
	Commit(ctx context.Context, b *Batch) (CommitResult, error)
	// Enqueue submits a payload for at-least-once delivery.
	Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) error
	// Listen registers handler for queued payloads and returns immediately.
	// Delivery to handler stops once ctx is done.
	Listen(ctx context.Context, handler QueueHandler) error
	// Close releases the store.
	Close() error
}

// EncodeU64 encodes a counter value the way sum mutations expect it.
func EncodeU64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}

// DecodeU64 decodes a counter value written by EncodeU64.
func DecodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidSum, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Bounds resolves the effective [start, end) of a range.
func (r Range) Bounds() (start, end []byte) {
	start, end = r.Start, r.End
	if start == nil {
		start = r.Prefix
	}
	if end == nil && r.Prefix != nil {
		end = keys.PrefixEnd(r.Prefix)
	}
	return start, end
}

// ApplySum adds delta to an encoded u64, treating an absent value as zero.
func ApplySum(current []byte, delta uint64) ([]byte, error) {
	if current == nil {
		return EncodeU64(delta), nil
	}
	v, err := DecodeU64(current)
	if err != nil {
		return nil, err
	}
	return EncodeU64(v + delta), nil
}
