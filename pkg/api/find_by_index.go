package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
)

// indexLookup resolves the {field} and {value} route variables. The value is
// parsed like a query value; ?type=string|number|bool forces its type.
func (h *Handler) indexLookup(w http.ResponseWriter, r *http.Request) (string, any, bool) {
	vars := mux.Vars(r)
	value, err := parseValue(vars["value"], r.URL.Query().Get("type"))
	if err != nil {
		log.Printf("ERROR: Invalid index value '%s': %v", vars["value"], err)
		WriteJSONError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	return vars["field"], value, true
}

// HandleFindByIndex handles GET requests looking documents up by an indexed
// field. Primary indexes answer with the single matching document or 404;
// secondary indexes answer with a page like HandleFindAll. Undeclared
// fields match nothing.
func (h *Handler) HandleFindByIndex(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}
	field, value, ok := h.indexLookup(w, r)
	if !ok {
		return
	}

	log.Printf("INFO: handleFindByIndex called for collection '%s', %s=%v", collName, field, value)

	if coll.Indices()[field] == kvdex.Primary {
		doc, err := coll.FindByPrimaryIndex(r.Context(), field, value, readOptions(r)...)
		if err != nil {
			log.Printf("ERROR: Primary index lookup on '%s' failed: %v", field, err)
			writeError(w, err)
			return
		}
		if doc == nil {
			WriteJSONError(w, http.StatusNotFound, "no document with that index value")
			return
		}
		flat, err := doc.Flatten()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, flat)
		return
	}

	opts, err := listOptions(r.URL.Query(), defaultPageSize)
	if err != nil {
		log.Printf("ERROR: Invalid query for collection '%s': %v", collName, err)
		WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := coll.FindBySecondaryIndex(r.Context(), field, value, opts)
	if err != nil {
		log.Printf("ERROR: Secondary index lookup on '%s' failed: %v", field, err)
		writeError(w, err)
		return
	}
	response, err := pageResponse(res)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Printf("INFO: Found %d documents in collection '%s' by index '%s'", response.Count, collName, field)
	writeJSON(w, http.StatusOK, response)
}

// HandleDeleteByIndex handles DELETE requests removing the documents whose
// indexed field holds the value.
func (h *Handler) HandleDeleteByIndex(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}
	field, value, ok := h.indexLookup(w, r)
	if !ok {
		return
	}

	log.Printf("INFO: handleDeleteByIndex called for collection '%s', %s=%v", collName, field, value)

	deleted := 0
	switch coll.Indices()[field] {
	case kvdex.Primary:
		doc, err := coll.FindByPrimaryIndex(r.Context(), field, value)
		if err == nil && doc != nil {
			err = coll.DeleteByPrimaryIndex(r.Context(), field, value)
			deleted = 1
		}
		if err != nil {
			log.Printf("ERROR: Delete by index '%s' failed: %v", field, err)
			writeError(w, err)
			return
		}
	case kvdex.Secondary:
		res, err := coll.DeleteBySecondaryIndex(r.Context(), field, value, nil)
		if err != nil {
			log.Printf("ERROR: Delete by index '%s' failed: %v", field, err)
			writeError(w, err)
			return
		}
		deleted = res.Count
	}

	log.Printf("INFO: Deleted %d documents from collection '%s' by index '%s'", deleted, collName, field)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collection":    collName,
		"deleted_count": deleted,
	})
}
