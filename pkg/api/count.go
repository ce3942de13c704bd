package api

import (
	"log"
	"net/http"
)

// CountResponse reports how many documents match a query
type CountResponse struct {
	Collection string `json:"collection"`
	Count      int    `json:"count"`
}

// HandleCount handles GET requests counting the documents matching the
// HandleFindAll query parameters.
func (h *Handler) HandleCount(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}

	log.Printf("INFO: handleCount called for collection '%s'", collName)

	opts, err := listOptions(r.URL.Query(), 0)
	if err != nil {
		log.Printf("ERROR: Invalid query for collection '%s': %v", collName, err)
		WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := coll.Count(r.Context(), opts)
	if err != nil {
		log.Printf("ERROR: Counting collection '%s' failed: %v", collName, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CountResponse{Collection: collName, Count: n})
}
