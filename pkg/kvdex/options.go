package kvdex

import (
	"time"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// IndexKind re-exports keys.IndexKind for index declarations.
type IndexKind = keys.IndexKind

const (
	Primary   = keys.Primary
	Secondary = keys.Secondary
)

// Serialization selects how a collection stores its values.
type Serialization int

const (
	// Raw stores the encoded value at the document key.
	Raw Serialization = iota
	// Serialized compresses the encoded value and spreads it over segment
	// keys, lifting the per-value size limit of the store.
	Serialized
)

type collectionConfig struct {
	idGenerator   any
	serialization Serialization
	compression   Compression
	segmentSize   int
	indices       map[string]IndexKind
}

// CollectionOption configures a collection.
type CollectionOption func(*collectionConfig)

// WithIDGenerator sets the function that derives ids for Add. Its value type
// must match the collection's.
func WithIDGenerator[T any](fn func(T) keys.Part) CollectionOption {
	return func(c *collectionConfig) {
		c.idGenerator = fn
	}
}

// WithSerialization selects raw or serialized storage.
func WithSerialization(s Serialization) CollectionOption {
	return func(c *collectionConfig) {
		c.serialization = s
	}
}

// WithCompression sets the compression of a serialized collection.
func WithCompression(compression Compression) CollectionOption {
	return func(c *collectionConfig) {
		c.compression = compression
	}
}

// WithSegmentSize sets the maximum segment size of a serialized collection.
func WithSegmentSize(n int) CollectionOption {
	return func(c *collectionConfig) {
		c.segmentSize = n
	}
}

// WithIndices declares the indexed fields of the collection. Field names are
// the serialized names, so json tags apply.
func WithIndices(indices map[string]IndexKind) CollectionOption {
	return func(c *collectionConfig) {
		c.indices = indices
	}
}

// SetOptions configure Collection.Set.
type SetOptions struct {
	// Overwrite replaces an existing document instead of failing.
	Overwrite bool
}

// ListOptions select and filter the documents visited by enumerations.
type ListOptions[T any] struct {
	// Limit caps the number of accepted documents, 0 means no limit.
	Limit int
	// Cursor resumes a previous enumeration.
	Cursor string
	// StartID is the inclusive lower id bound.
	StartID keys.Part
	// EndID is the exclusive upper id bound.
	EndID keys.Part
	// Reverse walks ids in descending order.
	Reverse bool
	// Filter rejects documents; rejected documents do not count toward Limit.
	Filter func(Document[T]) bool
	Consistency store.Consistency
}

// ListResult is a page of documents. Cursor is empty when the range is
// exhausted.
type ListResult[T any] struct {
	Result []Document[T]
	Cursor string
}

// ManyResult reports how many documents a bulk operation touched.
type ManyResult struct {
	Count  int
	Cursor string
}

// WriteResult reports the outcome of a single document write.
type WriteResult struct {
	OK           bool
	ID           keys.Part
	Versionstamp store.Versionstamp
}

// BatchResult reports the outcome of a multi document write committed at once.
type BatchResult struct {
	OK           bool
	IDs          []keys.Part
	Versionstamp store.Versionstamp
}

// CommitResult reports the outcome of an atomic commit.
type CommitResult = store.CommitResult

// EnqueueOptions configure a queued message.
type EnqueueOptions struct {
	// Topic routes the message to listeners of the same topic.
	Topic string
	// Delay postpones delivery.
	Delay time.Duration
	// IDsIfUndelivered are the ids the message is kept under when delivery
	// is given up.
	IDsIfUndelivered []keys.Part
}

// ListenOptions configure a queue listener.
type ListenOptions struct {
	Topic string
}
