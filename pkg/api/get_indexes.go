package api

import (
	"log"
	"net/http"
)

// HandleGetIndexes handles GET requests to retrieve the declared indexes of a
// collection, keyed by field with their kind
func (h *Handler) HandleGetIndexes(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}

	log.Printf("INFO: handleGetIndexes called for collection '%s'", collName)

	indexes := make(map[string]string)
	for field, kind := range coll.Indices() {
		indexes[field] = kind.String()
	}

	response := map[string]interface{}{
		"success":     true,
		"collection":  collName,
		"indexes":     indexes,
		"index_count": len(indexes),
	}
	writeJSON(w, http.StatusOK, response)

	log.Printf("INFO: Retrieved %d indexes for collection '%s'", len(indexes), collName)
}
