package api

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// controlParams are query parameters that steer enumeration instead of
// filtering on a field.
var controlParams = map[string]bool{
	"limit":       true,
	"cursor":      true,
	"reverse":     true,
	"start":       true,
	"end":         true,
	"consistency": true,
	"type":        true,
}

// FindAllResponse is one page of documents
type FindAllResponse struct {
	Documents  []Document `json:"documents"`
	Count      int        `json:"count"`
	HasNext    bool       `json:"has_next"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// parseValue interprets a query or path value as a number, then a boolean,
// falling back to the raw string. kind forces one interpretation.
func parseValue(raw, kind string) (any, error) {
	switch kind {
	case "string":
		return raw, nil
	case "number":
		return strconv.ParseFloat(raw, 64)
	case "bool":
		return strconv.ParseBool(raw)
	case "":
	default:
		return nil, fmt.Errorf("unknown value type %q", kind)
	}
	if num, err := strconv.ParseFloat(raw, 64); err == nil {
		return num, nil
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b, nil
	}
	return raw, nil
}

// equalValues compares a stored field with a parsed query value. Numbers
// compare by value regardless of their Go type.
func equalValues(stored, want any) bool {
	if a, ok := toFloat(stored); ok {
		b, ok := toFloat(want)
		return ok && a == b
	}
	return stored == want
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// listOptions builds enumeration options from the query string. Parameters
// other than the control parameters become equality filters. A zero
// defaultLimit leaves the enumeration unbounded unless limit is given.
func listOptions(query url.Values, defaultLimit int) (*kvdex.ListOptions[Document], error) {
	opts := &kvdex.ListOptions[Document]{
		Limit:  defaultLimit,
		Cursor: query.Get("cursor"),
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("invalid limit: %q", raw)
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		opts.Limit = limit
	}
	if raw := query.Get("reverse"); raw != "" {
		reverse, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid reverse: %q", raw)
		}
		opts.Reverse = reverse
	}
	if start := query.Get("start"); start != "" {
		opts.StartID = start
	}
	if end := query.Get("end"); end != "" {
		opts.EndID = end
	}
	if query.Get("consistency") == "eventual" {
		opts.Consistency = store.Eventual
	}

	filter := make(map[string]any)
	for key, values := range query {
		if controlParams[key] || len(values) == 0 {
			continue
		}
		v, err := parseValue(values[0], query.Get("type"))
		if err != nil {
			return nil, err
		}
		filter[key] = v
	}
	if len(filter) > 0 {
		opts.Filter = func(doc kvdex.Document[Document]) bool {
			for field, want := range filter {
				if !equalValues(doc.Value[field], want) {
					return false
				}
			}
			return true
		}
	}
	return opts, nil
}

// flattenAll converts documents to their HTTP representation.
func flattenAll(docs []kvdex.Document[Document]) ([]Document, error) {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		flat, err := doc.Flatten()
		if err != nil {
			return nil, err
		}
		out = append(out, flat)
	}
	return out, nil
}

func pageResponse(res *kvdex.ListResult[Document]) (FindAllResponse, error) {
	docs, err := flattenAll(res.Result)
	if err != nil {
		return FindAllResponse{}, err
	}
	return FindAllResponse{
		Documents:  docs,
		Count:      len(docs),
		HasNext:    res.Cursor != "",
		NextCursor: res.Cursor,
	}, nil
}

// HandleFindAll handles GET requests listing a page of documents. Query
// parameters other than limit, cursor, reverse, start, end, consistency and
// type filter on field equality.
func (h *Handler) HandleFindAll(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}

	log.Printf("INFO: handleFindAll called for collection '%s'", collName)

	opts, err := listOptions(r.URL.Query(), defaultPageSize)
	if err != nil {
		log.Printf("ERROR: Invalid query for collection '%s': %v", collName, err)
		WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := coll.GetMany(r.Context(), opts)
	if err != nil {
		log.Printf("ERROR: Listing collection '%s' failed: %v", collName, err)
		writeError(w, err)
		return
	}

	response, err := pageResponse(res)
	if err != nil {
		log.Printf("ERROR: Flattening documents of collection '%s' failed: %v", collName, err)
		writeError(w, err)
		return
	}

	if opts.Filter == nil {
		log.Printf("INFO: Found %d documents in collection '%s' (no filter)", response.Count, collName)
	} else {
		log.Printf("INFO: Found %d documents in collection '%s' with filter", response.Count, collName)
	}
	writeJSON(w, http.StatusOK, response)
}
