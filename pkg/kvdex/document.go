package kvdex

import (
	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// Document is a stored value together with its id and the versionstamp of
// the commit that last wrote it.
type Document[T any] struct {
	ID           keys.Part
	Versionstamp store.Versionstamp
	Value        T
}

// Flatten returns the document as a single map. Map shaped values have their
// fields merged next to "id" and "versionstamp"; any other value is placed
// under "value".
func (d Document[T]) Flatten() (map[string]any, error) {
	out := map[string]any{
		"id":           d.ID,
		"versionstamp": string(d.Versionstamp),
	}

	fields, err := toMap(d.Value)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		out["value"] = d.Value
		return out, nil
	}
	for k, v := range fields {
		if k == "id" || k == "versionstamp" {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// toMap converts a struct or map value to its field map through msgpack,
// honoring json tags. It returns nil for values that are not map shaped.
func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	data, err := marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := unmarshal(data, &m); err != nil {
		return nil, nil
	}
	return m, nil
}
