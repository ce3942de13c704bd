package api

import (
	"encoding/json"
	"log"
	"net/http"
)

// maxBatchSize bounds the documents or operations of one batch request.
const maxBatchSize = 1000

// BatchInsertRequest represents the request body for batch insert operations
type BatchInsertRequest struct {
	Documents []Document `json:"documents"`
}

// BatchInsertResponse represents the response for batch insert operations
type BatchInsertResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	InsertedCount int    `json:"inserted_count"`
	Collection    string `json:"collection"`
	IDs           []any  `json:"ids"`
	Versionstamp  string `json:"versionstamp"`
}

// HandleBatchInsert handles POST requests to insert multiple documents in a
// single commit. Either every document is inserted or none is.
func (h *Handler) HandleBatchInsert(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}

	log.Printf("INFO: handleBatchInsert called for collection '%s'", collName)

	var req BatchInsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("ERROR: Decoding body failed: %v", err)
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Documents) == 0 {
		log.Printf("ERROR: No documents provided for batch insert")
		WriteJSONError(w, http.StatusBadRequest, "No documents provided")
		return
	}

	if len(req.Documents) > maxBatchSize {
		log.Printf("ERROR: Too many documents for batch insert: %d", len(req.Documents))
		WriteJSONError(w, http.StatusBadRequest, "Maximum 1000 documents allowed per batch")
		return
	}

	docs := make([]Document, len(req.Documents))
	for i, doc := range req.Documents {
		if doc == nil {
			doc = Document{}
		}
		docs[i] = stripMeta(doc)
	}

	res, err := coll.AddMany(r.Context(), docs)
	if err != nil {
		log.Printf("ERROR: Batch insert failed for collection '%s': %v", collName, err)
		writeError(w, err)
		return
	}
	if !res.OK {
		log.Printf("WARN: Batch insert rejected for collection '%s'", collName)
		WriteJSONError(w, http.StatusConflict, "a document conflicts with an existing id or primary index value")
		return
	}

	ids := make([]any, len(res.IDs))
	for i, id := range res.IDs {
		ids[i] = id
	}

	writeJSON(w, http.StatusCreated, BatchInsertResponse{
		Success:       true,
		Message:       "Batch insert completed successfully",
		InsertedCount: len(docs),
		Collection:    collName,
		IDs:           ids,
		Versionstamp:  string(res.Versionstamp),
	})

	log.Printf("INFO: Batch insert successful for collection '%s', inserted %d documents", collName, len(docs))
}
