package kvdex

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// resolver turns a scanned entry into a document; nil skips the entry.
type resolver[T any] func(ctx context.Context, entry store.Entry) (*storedDocument[T], error)

// encodeCursor encodes the id suffix of the last visited key.
func encodeCursor(suffix []byte) string {
	return base64.URLEncoding.EncodeToString(suffix)
}

func decodeCursor(cursor string) ([]byte, error) {
	suffix, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if len(suffix) == 0 {
		return nil, ErrInvalidCursor
	}
	if _, err := keys.Decode(suffix); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return suffix, nil
}

// list walks the keys directly below prefix, one id part per key, and calls
// visit for every resolved document that passes the filter. It returns a
// cursor when it stopped at the limit while more entries remained.
func (c *Collection[T]) list(ctx context.Context, prefix keys.Key, opts *ListOptions[T], resolve resolver[T], visit func(*storedDocument[T]) error) (string, error) {
	if opts == nil {
		opts = &ListOptions[T]{}
	}
	if opts.Limit < 0 {
		return "", fmt.Errorf("limit cannot be negative")
	}

	encodedPrefix, err := keys.Encode(prefix)
	if err != nil {
		return "", err
	}
	r := store.Range{
		Prefix:      encodedPrefix,
		Reverse:     opts.Reverse,
		Consistency: opts.Consistency,
	}
	if opts.StartID != nil {
		if r.Start, err = keys.Encode(prefix.Append(opts.StartID)); err != nil {
			return "", fmt.Errorf("invalid start id: %w", err)
		}
	}
	if opts.EndID != nil {
		if r.End, err = keys.Encode(prefix.Append(opts.EndID)); err != nil {
			return "", fmt.Errorf("invalid end id: %w", err)
		}
	}
	if opts.Cursor != "" {
		suffix, err := decodeCursor(opts.Cursor)
		if err != nil {
			return "", err
		}
		position := append(bytes.Clone(encodedPrefix), suffix...)
		if opts.Reverse {
			r.End = position
		} else {
			r.Start = keys.Successor(position)
		}
	}
	// One extra entry tells whether a cursor is needed.
	if opts.Limit > 0 && opts.Filter == nil {
		r.Limit = opts.Limit + 1
	}

	it, err := c.db.store.Scan(ctx, r)
	if err != nil {
		return "", fmt.Errorf("scanning %v: %w", c.root, err)
	}
	defer it.Close()

	accepted := 0
	var last []byte
	for it.Next() {
		entry := it.Entry()
		if opts.Limit > 0 && accepted >= opts.Limit {
			return encodeCursor(last[len(encodedPrefix):]), nil
		}
		doc, err := resolve(ctx, entry)
		if err != nil {
			return "", err
		}
		if doc == nil {
			continue
		}
		if opts.Filter != nil && !opts.Filter(doc.Document) {
			continue
		}
		if err := visit(doc); err != nil {
			return "", err
		}
		accepted++
		last = entry.Key
	}
	if err := it.Err(); err != nil {
		return "", fmt.Errorf("scanning %v: %w", c.root, err)
	}
	return "", nil
}

func (c *Collection[T]) listDocuments(ctx context.Context, opts *ListOptions[T], visit func(*storedDocument[T]) error) (string, error) {
	consistency := store.Strong
	if opts != nil {
		consistency = opts.Consistency
	}
	return c.list(ctx, keys.DocumentPrefix(c.root), opts, func(ctx context.Context, entry store.Entry) (*storedDocument[T], error) {
		key, err := keys.Decode(entry.Key)
		if err != nil {
			return nil, fmt.Errorf("decoding document key: %w", err)
		}
		id, err := keys.ParseID(key)
		if err != nil {
			return nil, err
		}
		return c.decodeEntry(ctx, id, entry, consistency)
	}, visit)
}

// listSecondary walks the entries of a secondary index value and resolves
// each to its document. Entries whose document is gone are skipped.
func (c *Collection[T]) listSecondary(ctx context.Context, field string, value any, opts *ListOptions[T], visit func(*storedDocument[T]) error) (string, error) {
	if c.indices[field] != Secondary {
		return "", nil
	}
	value, err := keys.Normalize(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIndexValue, err)
	}
	prefix, err := keys.IndexPrefix(c.root, Secondary, field, value)
	if err != nil {
		return "", err
	}

	consistency := store.Strong
	if opts != nil {
		consistency = opts.Consistency
	}
	return c.list(ctx, prefix, opts, func(ctx context.Context, entry store.Entry) (*storedDocument[T], error) {
		var ie indexEntry
		if err := unmarshal(entry.Value, &ie); err != nil {
			return nil, fmt.Errorf("failed to unmarshal index entry: %w", err)
		}
		id, err := decodeID(ie.ID)
		if err != nil {
			return nil, fmt.Errorf("index entry id: %w", err)
		}
		return c.read(ctx, id, consistency)
	}, visit)
}
