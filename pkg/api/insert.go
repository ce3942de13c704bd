package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
)

// WriteResponse reports the id and versionstamp of a written document
type WriteResponse struct {
	ID           any    `json:"id"`
	Versionstamp string `json:"versionstamp"`
}

func writeResponse(res kvdex.WriteResult) WriteResponse {
	return WriteResponse{ID: res.ID, Versionstamp: string(res.Versionstamp)}
}

// HandleInsert handles POST requests to insert documents into collections
func (h *Handler) HandleInsert(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}

	log.Printf("INFO: handleInsert called for collection '%s'", collName)

	var doc Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil || doc == nil {
		log.Printf("ERROR: Decoding body failed: %v", err)
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := coll.Add(r.Context(), stripMeta(doc))
	if err != nil {
		log.Printf("ERROR: Insert failed for collection '%s': %v", collName, err)
		writeError(w, err)
		return
	}
	if !res.OK {
		log.Printf("WARN: Insert rejected for collection '%s': id or primary index value taken", collName)
		WriteJSONError(w, http.StatusConflict, "document conflicts with an existing id or primary index value")
		return
	}

	log.Printf("INFO: Insert successful for collection '%s', id '%v'", collName, res.ID)
	writeJSON(w, http.StatusCreated, writeResponse(res))
}
