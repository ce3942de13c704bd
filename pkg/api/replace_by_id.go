package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
)

// HandleReplaceById handles PUT requests to store a document under an ID.
// An existing document is replaced entirely, an absent one is created.
func (h *Handler) HandleReplaceById(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}
	docId := mux.Vars(r)["id"]

	log.Printf("INFO: handleReplaceById called for collection '%s', document '%s'", collName, docId)

	var newDoc Document
	if err := json.NewDecoder(r.Body).Decode(&newDoc); err != nil || newDoc == nil {
		log.Printf("ERROR: Decoding body failed: %v", err)
		WriteJSONError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	res, err := coll.Set(r.Context(), docId, stripMeta(newDoc), kvdex.SetOptions{Overwrite: true})
	if err != nil {
		log.Printf("ERROR: Replace failed for document '%s' in collection '%s': %v", docId, collName, err)
		writeError(w, err)
		return
	}
	if !res.OK {
		log.Printf("WARN: Replace of document '%s' in collection '%s' conflicted", docId, collName)
		WriteJSONError(w, http.StatusConflict, "document changed concurrently or a primary index value is taken")
		return
	}

	log.Printf("INFO: Replaced document '%s' in collection '%s'", docId, collName)
	writeJSON(w, http.StatusOK, writeResponse(res))
}
