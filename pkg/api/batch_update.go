package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// BatchUpdateRequest represents the request body for batch update operations
type BatchUpdateRequest struct {
	Operations []BatchUpdateOperation `json:"operations"`
}

// BatchUpdateOperation represents a single update operation in the request
type BatchUpdateOperation struct {
	ID      string   `json:"id"`
	Updates Document `json:"updates"`
}

// BatchUpdateResponse represents the response for batch update operations
type BatchUpdateResponse struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	UpdatedCount int             `json:"updated_count"`
	FailedCount  int             `json:"failed_count"`
	Collection   string          `json:"collection"`
	Documents    []WriteResponse `json:"documents"`
	Errors       []string        `json:"errors,omitempty"`
}

// HandleBatchUpdate handles PATCH requests to update multiple documents.
// Each operation commits on its own; failures are reported per operation.
func (h *Handler) HandleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}

	log.Printf("INFO: handleBatchUpdate called for collection '%s'", collName)

	var req BatchUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("ERROR: Decoding body failed: %v", err)
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Operations) == 0 {
		log.Printf("ERROR: No operations provided for batch update")
		WriteJSONError(w, http.StatusBadRequest, "No operations provided")
		return
	}

	if len(req.Operations) > maxBatchSize {
		log.Printf("ERROR: Too many operations for batch update: %d", len(req.Operations))
		WriteJSONError(w, http.StatusBadRequest, "Maximum 1000 operations allowed per batch")
		return
	}

	response := BatchUpdateResponse{
		Collection: collName,
		Documents:  []WriteResponse{},
	}
	for _, op := range req.Operations {
		if op.ID == "" {
			response.FailedCount++
			response.Errors = append(response.Errors, "operation without id")
			continue
		}
		res, err := coll.Update(r.Context(), op.ID, merge(op.Updates))
		switch {
		case err != nil:
			response.FailedCount++
			response.Errors = append(response.Errors, fmt.Sprintf("%s: %v", op.ID, err))
		case !res.OK:
			response.FailedCount++
			response.Errors = append(response.Errors, fmt.Sprintf("%s: update conflicted", op.ID))
		default:
			response.UpdatedCount++
			response.Documents = append(response.Documents, writeResponse(res))
		}
	}

	status := http.StatusOK
	switch {
	case response.UpdatedCount == 0:
		response.Message = "Batch update failed"
		status = http.StatusConflict
	case response.FailedCount > 0:
		response.Message = "Batch update partially completed"
		status = http.StatusPartialContent
	default:
		response.Success = true
		response.Message = "Batch update completed successfully"
	}
	writeJSON(w, status, response)

	log.Printf("INFO: Batch update completed for collection '%s', updated %d, failed %d",
		collName, response.UpdatedCount, response.FailedCount)
}
