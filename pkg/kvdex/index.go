package kvdex

import (
	"bytes"
	"context"
	"fmt"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// indexValues extracts the indexed fields of an encoded value. Absent and nil
// fields produce no entry.
func (c *Collection[T]) indexValues(data []byte) (map[string]keys.Part, error) {
	if len(c.indices) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: value is not a map: %v", ErrInvalidIndexValue, err)
	}

	out := make(map[string]keys.Part, len(c.indices))
	for field := range c.indices {
		v, ok := fields[field]
		if !ok || v == nil {
			continue
		}
		part, err := keys.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidIndexValue, field, err)
		}
		out[field] = part
	}
	return out, nil
}

func (c *Collection[T]) indexKey(id keys.Part, field string, value keys.Part) ([]byte, error) {
	kind := c.indices[field]
	var (
		key keys.Key
		err error
	)
	if kind == Secondary {
		key, err = keys.IndexKey(c.root, kind, field, value, id)
	} else {
		key, err = keys.IndexKey(c.root, kind, field, value)
	}
	if err != nil {
		return nil, err
	}
	return keys.Encode(key)
}

// stageValue stages the document value. Serialized values are compressed
// and split into segments; segments beyond the new count, left over from a
// larger previous value, are deleted.
func (c *Collection[T]) stageValue(op *AtomicOperation, id keys.Part, docKey, data []byte, oldSegments int) error {
	if !c.serialized {
		op.set(c.root, id, docKey, data)
		return nil
	}

	payload, applied, err := compress(data, c.compression)
	if err != nil {
		return err
	}
	chunks := split(payload, c.segmentSize)
	header, err := marshal(serializedHeader{
		Segments:    len(chunks),
		Size:        len(data),
		Compression: applied,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	op.set(c.root, id, docKey, header)

	for n, chunk := range chunks {
		key, err := c.segmentKey(id, n)
		if err != nil {
			return err
		}
		op.set(c.root, id, key, chunk)
	}
	for n := len(chunks); n < oldSegments; n++ {
		key, err := c.segmentKey(id, n)
		if err != nil {
			return err
		}
		op.delete(c.root, id, key)
	}
	return nil
}

func (c *Collection[T]) stageIndexSet(op *AtomicOperation, id keys.Part, field string, value keys.Part, data []byte, introduced bool) error {
	key, err := c.indexKey(id, field, value)
	if err != nil {
		return err
	}
	encodedID, err := encodeID(id)
	if err != nil {
		return err
	}
	entry := indexEntry{ID: encodedID}
	kind := c.indices[field]
	if kind == Primary && !c.serialized {
		entry.Value = data
	}
	encoded, err := marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal index entry: %w", err)
	}
	if kind == Primary {
		if introduced {
			op.check(key, "")
		}
		op.markPrimary(key)
	}
	op.set(c.root, id, key, encoded)
	return nil
}

func (c *Collection[T]) stageIndexDelete(op *AtomicOperation, id keys.Part, field string, value keys.Part) error {
	key, err := c.indexKey(id, field, value)
	if err != nil {
		return err
	}
	op.delete(c.root, id, key)
	return nil
}

// stageInsert stages a new document. The document key and every primary
// index key it introduces must not exist at commit time.
func (c *Collection[T]) stageInsert(op *AtomicOperation, id keys.Part, value T) error {
	id, err := keys.Normalize(id)
	if err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	docKey, err := c.docKey(id)
	if err != nil {
		return err
	}
	data, err := c.encodeValue(value)
	if err != nil {
		return err
	}
	fields, err := c.indexValues(data)
	if err != nil {
		return err
	}

	op.check(docKey, "")
	op.markWrite(docKey)
	if err := c.stageValue(op, id, docKey, data, 0); err != nil {
		return err
	}
	for field, v := range fields {
		if err := c.stageIndexSet(op, id, field, v, data, true); err != nil {
			return err
		}
	}
	return nil
}

// stageReplace stages value over old. Index entries whose value changed or
// vanished are deleted; only newly introduced primary values are checked.
func (c *Collection[T]) stageReplace(op *AtomicOperation, old *storedDocument[T], value T) error {
	id := old.ID
	docKey, err := c.docKey(id)
	if err != nil {
		return err
	}
	data, err := c.encodeValue(value)
	if err != nil {
		return err
	}
	next, err := c.indexValues(data)
	if err != nil {
		return err
	}
	prev, err := c.storedIndexValues(old)
	if err != nil {
		return err
	}

	op.check(docKey, old.Versionstamp)
	op.markWrite(docKey)
	if err := c.stageValue(op, id, docKey, data, old.segments); err != nil {
		return err
	}

	for field, ov := range prev {
		if nv, ok := next[field]; ok && keys.Compare(ov, nv) == 0 {
			continue
		}
		if err := c.stageIndexDelete(op, id, field, ov); err != nil {
			return err
		}
	}
	for field, nv := range next {
		ov, had := prev[field]
		introduced := !had || keys.Compare(ov, nv) != 0
		if !introduced && c.indices[field] == Secondary {
			continue
		}
		if err := c.stageIndexSet(op, id, field, nv, data, introduced); err != nil {
			return err
		}
	}
	return nil
}

// stageDelete stages removal of doc with its segments and index entries,
// checked against the versionstamp doc was read at.
func (c *Collection[T]) stageDelete(op *AtomicOperation, doc *storedDocument[T]) error {
	docKey, err := c.docKey(doc.ID)
	if err != nil {
		return err
	}
	fields, err := c.storedIndexValues(doc)
	if err != nil {
		return err
	}

	op.check(docKey, doc.Versionstamp)
	op.delete(c.root, doc.ID, docKey)
	for n := 0; n < doc.segments; n++ {
		key, err := c.segmentKey(doc.ID, n)
		if err != nil {
			return err
		}
		op.delete(c.root, doc.ID, key)
	}
	for field, v := range fields {
		if err := c.stageIndexDelete(op, doc.ID, field, v); err != nil {
			return err
		}
	}
	return nil
}

// dropOrphans removes the segments and index entries doc left behind when its
// document key vanished without them. Primary entries are only removed while
// they still point at doc. Nothing is removed once the id is written again.
func (c *Collection[T]) dropOrphans(ctx context.Context, doc *storedDocument[T]) error {
	docKey, err := c.docKey(doc.ID)
	if err != nil {
		return err
	}
	fields, err := c.storedIndexValues(doc)
	if err != nil {
		return err
	}
	encodedID, err := encodeID(doc.ID)
	if err != nil {
		return err
	}

	op := c.db.Atomic()
	op.check(docKey, "")
	for n := 0; n < doc.segments; n++ {
		key, err := c.segmentKey(doc.ID, n)
		if err != nil {
			return err
		}
		op.delete(c.root, doc.ID, key)
	}
	for field, v := range fields {
		if c.indices[field] == Secondary {
			if err := c.stageIndexDelete(op, doc.ID, field, v); err != nil {
				return err
			}
			continue
		}
		key, err := c.indexKey(doc.ID, field, v)
		if err != nil {
			return err
		}
		entry, err := c.db.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("reading index %q: %w", field, err)
		}
		if entry == nil {
			continue
		}
		var ie indexEntry
		if err := unmarshal(entry.Value, &ie); err != nil {
			return fmt.Errorf("failed to unmarshal index entry: %w", err)
		}
		if !bytes.Equal(ie.ID, encodedID) {
			continue
		}
		op.check(key, entry.Versionstamp)
		op.delete(c.root, doc.ID, key)
	}

	res, err := op.Commit(ctx)
	if err != nil {
		return err
	}
	if !res.OK {
		c.db.logger.Debug("orphaned index entries changed, leaving them", "root", fmt.Sprint(c.root), "id", doc.ID)
	}
	return nil
}

// storedIndexValues returns the index values doc was stored with. The result
// is kept on doc so that later in-place mutation of its value cannot change it.
func (c *Collection[T]) storedIndexValues(doc *storedDocument[T]) (map[string]keys.Part, error) {
	if len(c.indices) == 0 {
		return nil, nil
	}
	if doc.indexed != nil {
		return doc.indexed, nil
	}
	data, err := c.encodeValue(doc.Value)
	if err != nil {
		return nil, err
	}
	fields, err := c.indexValues(data)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]keys.Part{}
	}
	doc.indexed = fields
	return fields, nil
}

// FindByPrimaryIndex returns the document whose field holds value, or nil.
// Fields not declared as primary indices never match.
func (c *Collection[T]) FindByPrimaryIndex(ctx context.Context, field string, value any, opts ...store.ReadOption) (*Document[T], error) {
	if c.indices[field] != Primary {
		return nil, nil
	}
	value, err := keys.Normalize(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIndexValue, err)
	}
	key, err := keys.IndexKey(c.root, Primary, field, value)
	if err != nil {
		return nil, err
	}
	encoded, err := keys.Encode(key)
	if err != nil {
		return nil, err
	}

	consistency := store.ApplyReadOptions(opts...).Consistency
	entry, err := c.db.store.Get(ctx, encoded, store.WithConsistency(consistency))
	if err != nil {
		return nil, fmt.Errorf("reading index %q: %w", field, err)
	}
	if entry == nil {
		return nil, nil
	}

	var ie indexEntry
	if err := unmarshal(entry.Value, &ie); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index entry: %w", err)
	}
	id, err := decodeID(ie.ID)
	if err != nil {
		return nil, fmt.Errorf("index entry id: %w", err)
	}

	if ie.Value != nil && !c.serialized {
		v, err := c.decodeValue(ie.Value)
		if err != nil {
			return nil, err
		}
		// The entry is written in the same commit as the document.
		return &Document[T]{ID: id, Versionstamp: entry.Versionstamp, Value: v}, nil
	}
	return c.Find(ctx, id, opts...)
}

// FindBySecondaryIndex returns the documents whose field holds value, in id
// order. Fields not declared as secondary indices match nothing.
func (c *Collection[T]) FindBySecondaryIndex(ctx context.Context, field string, value any, opts *ListOptions[T]) (*ListResult[T], error) {
	result := &ListResult[T]{}
	cursor, err := c.listSecondary(ctx, field, value, opts, func(doc *storedDocument[T]) error {
		result.Result = append(result.Result, doc.Document)
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Cursor = cursor
	return result, nil
}

// DeleteByPrimaryIndex deletes the document whose field holds value, if any.
func (c *Collection[T]) DeleteByPrimaryIndex(ctx context.Context, field string, value any) error {
	doc, err := c.FindByPrimaryIndex(ctx, field, value)
	if err != nil || doc == nil {
		return err
	}
	return c.deleteDocument(ctx, doc.ID, nil)
}

// DeleteBySecondaryIndex deletes the documents whose field holds value.
func (c *Collection[T]) DeleteBySecondaryIndex(ctx context.Context, field string, value any, opts *ListOptions[T]) (*ManyResult, error) {
	result := &ManyResult{}
	cursor, err := c.listSecondary(ctx, field, value, opts, func(doc *storedDocument[T]) error {
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

// UpdateByPrimaryIndex updates the document whose field holds value.
func (c *Collection[T]) UpdateByPrimaryIndex(ctx context.Context, field string, value any, mutate func(T) (T, error)) (WriteResult, error) {
	doc, err := c.FindByPrimaryIndex(ctx, field, value)
	if err != nil {
		return WriteResult{}, err
	}
	if doc == nil {
		return WriteResult{}, fmt.Errorf("updating %s=%v: %w", field, value, ErrDocumentNotFound)
	}
	return c.Update(ctx, doc.ID, mutate)
}

// UpdateBySecondaryIndex updates the documents whose field holds value.
func (c *Collection[T]) UpdateBySecondaryIndex(ctx context.Context, field string, value any, mutate func(T) (T, error), opts *ListOptions[T]) (*ManyResult, error) {
	result := &ManyResult{}
	cursor, err := c.listSecondary(ctx, field, value, opts, func(doc *storedDocument[T]) error {
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
