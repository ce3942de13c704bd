package kvdex

import (
	"bytes"
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

const (
	// maxDeleteAttempts bounds how often Delete re-reads a document whose
	// versionstamp changed between the read and the commit.
	maxDeleteAttempts = 5

	// findManyConcurrency bounds parallel point reads in FindMany.
	findManyConcurrency = 8
)

var reservedParts = map[string]bool{
	keys.IDPrefix:             true,
	keys.PrimaryIndexPrefix:   true,
	keys.SecondaryIndexPrefix: true,
	keys.SegmentPrefix:        true,
	keys.UndeliveredPrefix:    true,
}

// Collection stores documents of type T under a root key. Declaring indices
// turns on index bookkeeping for every write.
type Collection[T any] struct {
	db          *Database
	root        keys.Key
	encodedRoot []byte
	idGenerator func(T) keys.Part
	serialized  bool
	compression Compression
	segmentSize int
	indices     map[string]IndexKind
	rawU64      bool
	queue       queueScope
}

// storedDocument carries the segment count needed to rewrite or delete a
// serialized document.
type storedDocument[T any] struct {
	Document[T]
	segments int
	indexed  map[string]keys.Part
}

// NewCollection registers a collection of T under root.
func NewCollection[T any](db *Database, root keys.Key, options ...CollectionOption) (*Collection[T], error) {
	if len(root) == 0 {
		return nil, configError(root, nil, "root key is empty")
	}
	normalized, err := root.Normalize()
	if err != nil {
		return nil, configError(root, err, "invalid root key")
	}
	for _, p := range normalized {
		if s, ok := p.(string); ok && reservedParts[s] {
			return nil, configError(root, nil, "root key uses reserved part %q", s)
		}
	}

	cfg := collectionConfig{
		compression: CompressionLZ4,
		segmentSize: DefaultSegmentSize,
	}
	for _, option := range options {
		option(&cfg)
	}

	c := &Collection[T]{
		db:          db,
		root:        normalized,
		compression: cfg.compression,
		segmentSize: cfg.segmentSize,
		idGenerator: func(T) keys.Part { return uuid.NewString() },
		queue:       queueScope{db: db, root: normalized},
	}

	if cfg.idGenerator != nil {
		fn, ok := cfg.idGenerator.(func(T) keys.Part)
		if !ok {
			return nil, configError(root, nil, "id generator %T does not accept %T", cfg.idGenerator, *new(T))
		}
		c.idGenerator = fn
	}

	switch cfg.serialization {
	case Raw:
	case Serialized:
		c.serialized = true
		switch cfg.compression {
		case CompressionNone, CompressionLZ4, CompressionZstd:
		default:
			return nil, configError(root, nil, "unknown compression %q", cfg.compression)
		}
		if cfg.segmentSize <= 0 {
			return nil, configError(root, nil, "segment size must be positive, got %d", cfg.segmentSize)
		}
	default:
		return nil, configError(root, nil, "unknown serialization %d", cfg.serialization)
	}

	_, isU64 := any(*new(T)).(uint64)
	c.rawU64 = isU64 && !c.serialized

	if len(cfg.indices) > 0 {
		if !indexable(reflect.TypeFor[T]()) {
			return nil, configError(root, ErrInvalidIndexSpec, "%T values have no fields to index", *new(T))
		}
		c.indices = make(map[string]IndexKind, len(cfg.indices))
		for field, kind := range cfg.indices {
			if field == "" {
				return nil, configError(root, ErrInvalidIndexSpec, "empty field name")
			}
			if kind != Primary && kind != Secondary {
				return nil, configError(root, ErrInvalidIndexSpec, "field %q has unknown kind %v", field, kind)
			}
			c.indices[field] = kind
		}
	}

	if c.encodedRoot, err = keys.Encode(normalized); err != nil {
		return nil, configError(root, err, "encoding root key")
	}
	if err := db.register(normalized, c.encodedRoot, c); err != nil {
		return nil, err
	}
	return c, nil
}

// indexable reports whether values of t encode as field maps. Interface
// types are checked per value when they are indexed.
func indexable(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Interface:
		return true
	case reflect.Map:
		return t.Key().Kind() == reflect.String
	default:
		return false
	}
}

// Root returns the normalized root key.
func (c *Collection[T]) Root() keys.Key {
	return c.root.Append()
}

// Indices returns the declared index kinds by field.
func (c *Collection[T]) Indices() map[string]IndexKind {
	out := make(map[string]IndexKind, len(c.indices))
	for k, v := range c.indices {
		out[k] = v
	}
	return out
}

func (c *Collection[T]) rootKey() keys.Key { return c.root }

func (c *Collection[T]) countAll(ctx context.Context) (int, error) {
	return c.Count(ctx, nil)
}

// needsRead reports whether a delete must read the document first to find
// the index entries and segments that go with it.
func (c *Collection[T]) needsRead() bool {
	return c.serialized || len(c.indices) > 0
}

func (c *Collection[T]) docKey(id keys.Part) ([]byte, error) {
	return keys.Encode(keys.DocumentKey(c.root, id))
}

func (c *Collection[T]) segmentKey(id keys.Part, n int) ([]byte, error) {
	return keys.Encode(keys.SegmentKey(c.root, id, n))
}

func (c *Collection[T]) encodeValue(v T) ([]byte, error) {
	if c.rawU64 {
		return store.EncodeU64(any(v).(uint64)), nil
	}
	data, err := marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return data, nil
}

func (c *Collection[T]) decodeValue(data []byte) (T, error) {
	var v T
	if c.rawU64 {
		n, err := store.DecodeU64(data)
		if err != nil {
			return v, err
		}
		return any(n).(T), nil
	}
	if err := unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return v, nil
}

func (c *Collection[T]) read(ctx context.Context, id keys.Part, consistency store.Consistency) (*storedDocument[T], error) {
	id, err := keys.Normalize(id)
	if err != nil {
		return nil, fmt.Errorf("invalid id: %w", err)
	}
	key, err := c.docKey(id)
	if err != nil {
		return nil, err
	}
	entry, err := c.db.store.Get(ctx, key, store.WithConsistency(consistency))
	if err != nil {
		return nil, fmt.Errorf("reading document %v: %w", id, err)
	}
	if entry == nil {
		return nil, nil
	}
	return c.decodeEntry(ctx, id, *entry, consistency)
}

func (c *Collection[T]) decodeEntry(ctx context.Context, id keys.Part, entry store.Entry, consistency store.Consistency) (*storedDocument[T], error) {
	doc := &storedDocument[T]{Document: Document[T]{ID: id, Versionstamp: entry.Versionstamp}}
	if !c.serialized {
		v, err := c.decodeValue(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("document %v: %w", id, err)
		}
		doc.Value = v
		return doc, nil
	}

	var header serializedHeader
	if err := unmarshal(entry.Value, &header); err != nil {
		return nil, fmt.Errorf("%w: document %v: header: %v", ErrCorruptDocument, id, err)
	}
	payload, err := c.readSegments(ctx, id, header, entry.Versionstamp, consistency)
	if err != nil {
		return nil, err
	}
	data, err := decompress(payload, header.Compression, header.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: document %v: %v", ErrCorruptDocument, id, err)
	}
	v, err := c.decodeValue(data)
	if err != nil {
		return nil, fmt.Errorf("document %v: %w", id, err)
	}
	doc.Value = v
	doc.segments = header.Segments
	return doc, nil
}

// readSegments concatenates the segments of a serialized document. Segments
// are written in the same commit as their header, so they must all carry
// the header's versionstamp.
func (c *Collection[T]) readSegments(ctx context.Context, id keys.Part, header serializedHeader, vs store.Versionstamp, consistency store.Consistency) ([]byte, error) {
	prefix, err := keys.Encode(c.root.Append(keys.SegmentPrefix, id))
	if err != nil {
		return nil, err
	}
	it, err := c.db.store.Scan(ctx, store.Range{Prefix: prefix, Consistency: consistency})
	if err != nil {
		return nil, fmt.Errorf("reading segments of %v: %w", id, err)
	}
	defer it.Close()

	var buf bytes.Buffer
	n := 0
	for it.Next() {
		entry := it.Entry()
		if entry.Versionstamp != vs {
			return nil, fmt.Errorf("%w: document %v: segment %d was written by another commit", ErrCorruptDocument, id, n)
		}
		buf.Write(entry.Value)
		n++
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("reading segments of %v: %w", id, err)
	}
	if n != header.Segments {
		return nil, fmt.Errorf("%w: document %v: found %d of %d segments", ErrCorruptDocument, id, n, header.Segments)
	}
	return buf.Bytes(), nil
}

// Find returns the document with the given id, or nil when it is absent.
func (c *Collection[T]) Find(ctx context.Context, id keys.Part, opts ...store.ReadOption) (*Document[T], error) {
	doc, err := c.read(ctx, id, store.ApplyReadOptions(opts...).Consistency)
	if err != nil || doc == nil {
		return nil, err
	}
	return &doc.Document, nil
}

// FindMany reads the given ids in parallel. Absent documents are skipped;
// the rest keep the order of ids.
func (c *Collection[T]) FindMany(ctx context.Context, ids []keys.Part, opts ...store.ReadOption) ([]Document[T], error) {
	consistency := store.ApplyReadOptions(opts...).Consistency
	found := make([]*storedDocument[T], len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(findManyConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			doc, err := c.read(gctx, id, consistency)
			if err != nil {
				return err
			}
			found[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := make([]Document[T], 0, len(ids))
	for _, doc := range found {
		if doc != nil {
			docs = append(docs, doc.Document)
		}
	}
	return docs, nil
}

// Add stores value under a generated id. OK is false when the id or a
// primary index value is already taken.
func (c *Collection[T]) Add(ctx context.Context, value T) (WriteResult, error) {
	id, err := keys.Normalize(c.idGenerator(value))
	if err != nil {
		return WriteResult{}, fmt.Errorf("generated id: %w", err)
	}
	op := c.db.Atomic()
	if err := c.stageInsert(op, id, value); err != nil {
		return WriteResult{}, err
	}
	res, err := op.Commit(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{OK: res.OK, ID: id, Versionstamp: res.Versionstamp}, nil
}

// AddMany stores every value in a single commit, all or nothing.
func (c *Collection[T]) AddMany(ctx context.Context, values []T) (BatchResult, error) {
	op := c.db.Atomic()
	ids := make([]keys.Part, 0, len(values))
	for _, value := range values {
		id, err := keys.Normalize(c.idGenerator(value))
		if err != nil {
			return BatchResult{}, fmt.Errorf("generated id: %w", err)
		}
		if err := c.stageInsert(op, id, value); err != nil {
			return BatchResult{}, err
		}
		ids = append(ids, id)
	}
	res, err := op.Commit(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	return BatchResult{OK: res.OK, IDs: ids, Versionstamp: res.Versionstamp}, nil
}

// Set stores value under id. Without Overwrite, OK is false when the id
// exists; with it the existing document and its index entries are replaced.
func (c *Collection[T]) Set(ctx context.Context, id keys.Part, value T, opts ...SetOptions) (WriteResult, error) {
	var o SetOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	id, err := keys.Normalize(id)
	if err != nil {
		return WriteResult{}, fmt.Errorf("invalid id: %w", err)
	}

	op := c.db.Atomic()
	var old *storedDocument[T]
	if o.Overwrite {
		if old, err = c.read(ctx, id, store.Strong); err != nil {
			return WriteResult{}, err
		}
	}
	if old != nil {
		err = c.stageReplace(op, old, value)
	} else {
		err = c.stageInsert(op, id, value)
	}
	if err != nil {
		return WriteResult{}, err
	}

	res, err := op.Commit(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{OK: res.OK, ID: id, Versionstamp: res.Versionstamp}, nil
}

// Update replaces the document with mutate's result. The commit checks the
// versionstamp that was read, so OK is false when the document changed in
// between.
func (c *Collection[T]) Update(ctx context.Context, id keys.Part, mutate func(T) (T, error)) (WriteResult, error) {
	old, err := c.read(ctx, id, store.Strong)
	if err != nil {
		return WriteResult{}, err
	}
	if old == nil {
		return WriteResult{}, fmt.Errorf("updating %v: %w", id, ErrDocumentNotFound)
	}
	return c.update(ctx, old, mutate)
}

func (c *Collection[T]) update(ctx context.Context, old *storedDocument[T], mutate func(T) (T, error)) (WriteResult, error) {
	if _, err := c.storedIndexValues(old); err != nil {
		return WriteResult{}, err
	}
	next, err := mutate(old.Value)
	if err != nil {
		return WriteResult{}, err
	}
	op := c.db.Atomic()
	if err := c.stageReplace(op, old, next); err != nil {
		return WriteResult{}, err
	}
	res, err := op.Commit(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{OK: res.OK, ID: old.ID, Versionstamp: res.Versionstamp}, nil
}

// Delete removes the documents with the given ids together with their index
// entries and segments. Absent ids are ignored.
func (c *Collection[T]) Delete(ctx context.Context, ids ...keys.Part) error {
	for _, id := range ids {
		if err := c.deleteDocument(ctx, id, nil); err != nil {
			return err
		}
	}
	return nil
}

// deleteDocument removes id, starting from doc when the caller already read
// it. A failed versionstamp check means the document changed: it is read
// again and the delete retried until it succeeds, the document is gone or
// the attempts run out.
func (c *Collection[T]) deleteDocument(ctx context.Context, id keys.Part, doc *storedDocument[T]) error {
	id, err := keys.Normalize(id)
	if err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}

	if !c.needsRead() {
		key, err := c.docKey(id)
		if err != nil {
			return err
		}
		if err := c.db.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("deleting %v: %w", id, err)
		}
		return nil
	}

	var prev *storedDocument[T]
	for attempt := 1; attempt <= maxDeleteAttempts; attempt++ {
		if doc == nil {
			if doc, err = c.read(ctx, id, store.Strong); err != nil {
				return err
			}
			if doc == nil {
				if prev != nil {
					return c.dropOrphans(ctx, prev)
				}
				return nil
			}
		}

		op := c.db.Atomic()
		if err := c.stageDelete(op, doc); err != nil {
			return err
		}
		res, err := op.Commit(ctx)
		if err != nil {
			return err
		}
		if res.OK {
			return nil
		}
		c.db.logger.Debug("delete check failed, re-reading", "root", fmt.Sprint(c.root), "id", id, "attempt", attempt)
		prev, doc = doc, nil
	}
	return fmt.Errorf("deleting %v: %w", id, ErrCommitRejected)
}

// GetMany returns a page of documents in id order.
func (c *Collection[T]) GetMany(ctx context.Context, opts *ListOptions[T]) (*ListResult[T], error) {
	result := &ListResult[T]{}
	cursor, err := c.listDocuments(ctx, opts, func(doc *storedDocument[T]) error {
		result.Result = append(result.Result, doc.Document)
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Cursor = cursor
	return result, nil
}

// ForEach calls fn for every selected document and returns the resume
// cursor, if any. An error from fn stops the iteration.
func (c *Collection[T]) ForEach(ctx context.Context, fn func(Document[T]) error, opts *ListOptions[T]) (string, error) {
	return c.listDocuments(ctx, opts, func(doc *storedDocument[T]) error {
		return fn(doc.Document)
	})
}

// Count returns the number of selected documents.
func (c *Collection[T]) Count(ctx context.Context, opts *ListOptions[T]) (int, error) {
	n := 0
	visit := func(*storedDocument[T]) error {
		n++
		return nil
	}

	var err error
	if opts == nil || opts.Filter == nil {
		// Without a filter nothing needs decoding.
		_, err = c.list(ctx, keys.DocumentPrefix(c.root), opts, func(context.Context, store.Entry) (*storedDocument[T], error) {
			return &storedDocument[T]{}, nil
		}, visit)
	} else {
		_, err = c.listDocuments(ctx, opts, visit)
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteMany deletes every selected document.
func (c *Collection[T]) DeleteMany(ctx context.Context, opts *ListOptions[T]) (*ManyResult, error) {
	result := &ManyResult{}
	cursor, err := c.listDocuments(ctx, opts, func(doc *storedDocument[T]) error {
		if err := c.deleteDocument(ctx, doc.ID, doc); err != nil {
			return err
		}
		result.Count++
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Cursor = cursor
	return result, nil
}

// UpdateMany applies mutate to every selected document, one commit per
// document. Count is the number of successful commits.
func (c *Collection[T]) UpdateMany(ctx context.Context, mutate func(T) (T, error), opts *ListOptions[T]) (*ManyResult, error) {
	result := &ManyResult{}
	cursor, err := c.listDocuments(ctx, opts, func(doc *storedDocument[T]) error {
		res, err := c.update(ctx, doc, mutate)
		if err != nil {
			return err
		}
		if res.OK {
			result.Count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Cursor = cursor
	return result, nil
}

// Enqueue sends data to listeners of this collection.
func (c *Collection[T]) Enqueue(ctx context.Context, data any, opts EnqueueOptions) error {
	return c.queue.enqueue(ctx, data, opts)
}

// ListenQueue registers handler for messages enqueued on this collection
// with the same topic.
func (c *Collection[T]) ListenQueue(ctx context.Context, handler QueueHandler, opts ListenOptions) error {
	return c.queue.listen(ctx, handler, opts)
}

// FindUndelivered returns a message of this collection that could not be
// delivered, or nil.
func (c *Collection[T]) FindUndelivered(ctx context.Context, id keys.Part) (*UndeliveredMessage, error) {
	return c.queue.findUndelivered(ctx, id)
}

// DeleteUndelivered removes an undelivered message of this collection.
func (c *Collection[T]) DeleteUndelivered(ctx context.Context, id keys.Part) error {
	return c.queue.deleteUndelivered(ctx, id)
}
