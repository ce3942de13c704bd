package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// readOptions honors ?consistency=eventual.
func readOptions(r *http.Request) []store.ReadOption {
	if r.URL.Query().Get("consistency") == "eventual" {
		return []store.ReadOption{store.WithConsistency(store.Eventual)}
	}
	return nil
}

// HandleGetById handles GET requests to retrieve a specific document by ID
func (h *Handler) HandleGetById(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}
	docId := mux.Vars(r)["id"]

	log.Printf("INFO: handleGetById called for collection '%s', document '%s'", collName, docId)

	doc, err := coll.Find(r.Context(), docId, readOptions(r)...)
	if err != nil {
		log.Printf("ERROR: Reading document '%s' in collection '%s' failed: %v", docId, collName, err)
		writeError(w, err)
		return
	}
	if doc == nil {
		log.Printf("WARN: Document '%s' not found in collection '%s'", docId, collName)
		WriteJSONError(w, http.StatusNotFound, "document not found: "+docId)
		return
	}

	flat, err := doc.Flatten()
	if err != nil {
		log.Printf("ERROR: Flattening document '%s' failed: %v", docId, err)
		writeError(w, err)
		return
	}

	log.Printf("INFO: Retrieved document '%s' from collection '%s'", docId, collName)
	writeJSON(w, http.StatusOK, flat)
}
