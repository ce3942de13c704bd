// Package keys builds and parses the composite keys under which documents,
// index entries, value segments and undelivered queue messages are stored.
//
// Keys are ordered sequences of parts. Encode produces a byte string whose
// lexicographic order matches the logical order of the parts, so a store that
// orders raw bytes (an in-memory sorted slice, a bbolt bucket) iterates
// documents in key order.
package keys

import (
	"errors"
	"fmt"
	"math"
)

// Reserved parts that separate the sub-keyspaces of a collection.
const (
	IDPrefix             = "__id__"
	PrimaryIndexPrefix   = "__index_primary__"
	SecondaryIndexPrefix = "__index_secondary__"
	SegmentPrefix        = "__segment__"
	UndeliveredPrefix    = "__undelivered__"
)

var (
	// ErrInvalidPart is returned for key parts of an unsupported type.
	ErrInvalidPart = errors.New("invalid key part")

	// ErrEmptyKey is returned when an id is requested from an empty key.
	ErrEmptyKey = errors.New("empty key")
)

// Part is a single element of a Key: string, []byte, any integer, any float
// or bool. Integers are normalized to int64 and floats to float64.
type Part = any

// Key is an ordered sequence of parts.
type Key []Part

// IndexKind selects the keyspace an index entry lives in.
type IndexKind int

const (
	// Primary indices hold at most one document per field value.
	Primary IndexKind = iota + 1
	// Secondary indices hold any number of documents per field value.
	Secondary
)

func (k IndexKind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("IndexKind(%d)", int(k))
	}
}

// Prefix returns the reserved key part for the index kind.
func (k IndexKind) Prefix() (string, error) {
	switch k {
	case Primary:
		return PrimaryIndexPrefix, nil
	case Secondary:
		return SecondaryIndexPrefix, nil
	default:
		return "", fmt.Errorf("unknown index kind %d", int(k))
	}
}

// Append returns a new key with parts appended; the receiver is not modified.
func (k Key) Append(parts ...Part) Key {
	out := make(Key, 0, len(k)+len(parts))
	out = append(out, k...)
	return append(out, parts...)
}

// Normalize validates a part and converts it to its canonical Go type.
func Normalize(p Part) (Part, error) {
	switch v := p.(type) {
	case string, bool:
		return v, nil
	case []byte:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidPart, v)
		}
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidPart, v)
		}
		return int64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidPart, p)
	}
}

// Normalize returns a copy of the key with every part normalized.
func (k Key) Normalize() (Key, error) {
	out := make(Key, len(k))
	for i, p := range k {
		n, err := Normalize(p)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

// DocumentKey returns the key of the document with the given id.
func DocumentKey(root Key, id Part) Key {
	return root.Append(IDPrefix, id)
}

// DocumentPrefix returns the prefix shared by all documents of a collection.
func DocumentPrefix(root Key) Key {
	return root.Append(IDPrefix)
}

// IndexKey returns the key of an index entry. Secondary entries are suffixed
// with the owning document id so that many documents can share a value.
func IndexKey(root Key, kind IndexKind, field string, value Part, id ...Part) (Key, error) {
	prefix, err := kind.Prefix()
	if err != nil {
		return nil, err
	}
	key := root.Append(prefix, field, value)
	if kind == Secondary {
		if len(id) != 1 {
			return nil, fmt.Errorf("secondary index key for %q needs exactly one document id", field)
		}
		key = key.Append(id[0])
	}
	return key, nil
}

// IndexPrefix returns the prefix shared by all entries of a secondary index
// holding the given value.
func IndexPrefix(root Key, kind IndexKind, field string, value Part) (Key, error) {
	prefix, err := kind.Prefix()
	if err != nil {
		return nil, err
	}
	return root.Append(prefix, field, value), nil
}

// SegmentKey returns the key of the n-th segment of a serialized document.
func SegmentKey(root Key, id Part, n int) Key {
	return root.Append(SegmentPrefix, id, int64(n))
}

// UndeliveredKey returns the key an undelivered queue message is kept under.
func UndeliveredKey(root Key, id Part) Key {
	return root.Append(UndeliveredPrefix, id)
}

// ParseID returns the document id held by a document or secondary index key,
// which is always the last part.
func ParseID(key Key) (Part, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return key[len(key)-1], nil
}
