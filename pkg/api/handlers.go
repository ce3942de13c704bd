package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
)

// Document is the value type of collections served over HTTP.
type Document = map[string]any

// Handler provides HTTP handlers for the database API
type Handler struct {
	db          *kvdex.Database
	collections map[string]*kvdex.Collection[Document]
}

// NewHandler creates a new API handler serving the named collections of db
func NewHandler(db *kvdex.Database, collections map[string]*kvdex.Collection[Document]) *Handler {
	return &Handler{
		db:          db,
		collections: collections,
	}
}

// collection resolves the {coll} route variable. It writes a 404 and
// returns false when the collection is not served.
func (h *Handler) collection(w http.ResponseWriter, r *http.Request) (string, *kvdex.Collection[Document], bool) {
	collName := mux.Vars(r)["coll"]
	coll, ok := h.collections[collName]
	if !ok {
		log.Printf("WARN: Collection '%s' not found", collName)
		WriteJSONError(w, http.StatusNotFound, "collection not found: "+collName)
		return collName, nil, false
	}
	return collName, coll, true
}

// stripMeta removes fields that Flatten reserves for document metadata.
func stripMeta(doc Document) Document {
	delete(doc, "id")
	delete(doc, "versionstamp")
	return doc
}
