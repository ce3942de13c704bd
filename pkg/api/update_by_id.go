package api

import (
	"encoding/json"
	"log"
	"maps"
	"net/http"

	"github.com/gorilla/mux"
)

// merge returns a mutation applying updates on top of a copy of the stored
// document. A null field removes it.
func merge(updates Document) func(Document) (Document, error) {
	return func(doc Document) (Document, error) {
		next := maps.Clone(doc)
		if next == nil {
			next = Document{}
		}
		for k, v := range stripMeta(maps.Clone(updates)) {
			if v == nil {
				delete(next, k)
				continue
			}
			next[k] = v
		}
		return next, nil
	}
}

// HandleUpdateById handles PATCH requests to partially update a document by ID
func (h *Handler) HandleUpdateById(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}
	docId := mux.Vars(r)["id"]

	log.Printf("INFO: handleUpdateById called for collection '%s', document '%s'", collName, docId)

	var updates Document
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		log.Printf("ERROR: Decoding body failed: %v", err)
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := coll.Update(r.Context(), docId, merge(updates))
	if err != nil {
		log.Printf("ERROR: Update failed for document '%s' in collection '%s': %v", docId, collName, err)
		writeError(w, err)
		return
	}
	if !res.OK {
		log.Printf("WARN: Update of document '%s' in collection '%s' conflicted", docId, collName)
		WriteJSONError(w, http.StatusConflict, "document changed concurrently or a primary index value is taken")
		return
	}

	log.Printf("INFO: Updated document '%s' in collection '%s'", docId, collName)
	writeJSON(w, http.StatusOK, writeResponse(res))
}
