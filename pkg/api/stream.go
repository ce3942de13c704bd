package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
)

var errClientGone = errors.New("client write failed")

// HandleStream handles GET requests streaming every matching document as a
// chunked JSON array. It accepts the query parameters of HandleFindAll but
// is unbounded unless limit is given.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	collName, coll, ok := h.collection(w, r)
	if !ok {
		return
	}

	log.Printf("INFO: handleStream called for collection '%s'", collName)

	opts, err := listOptions(r.URL.Query(), 0)
	if err != nil {
		log.Printf("ERROR: Invalid query for collection '%s': %v", collName, err)
		WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Set headers for streaming
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	first := true
	docCount := 0

	_, err = coll.ForEach(r.Context(), func(doc kvdex.Document[Document]) error {
		flat, err := doc.Flatten()
		if err != nil {
			return err
		}
		docJSON, err := json.Marshal(flat)
		if err != nil {
			log.Printf("ERROR: Failed to marshal document: %v", err)
			return nil
		}

		if first {
			w.Write([]byte("[\n"))
			first = false
		} else {
			w.Write([]byte(",\n"))
		}
		if _, err := w.Write(docJSON); err != nil {
			return errClientGone
		}
		if flusher != nil {
			flusher.Flush()
		}
		docCount++
		return nil
	}, opts)

	switch {
	case err == nil:
	case errors.Is(err, errClientGone):
		log.Printf("ERROR: Failed to write to response for collection '%s'", collName)
		return
	case first:
		// Nothing written yet, so a proper error response is still possible.
		log.Printf("ERROR: Streaming collection '%s' failed: %v", collName, err)
		writeError(w, err)
		return
	default:
		log.Printf("ERROR: Streaming collection '%s' failed after %d documents: %v", collName, docCount, err)
		return
	}

	if first {
		w.Write([]byte("[\n"))
	}
	w.Write([]byte("\n]"))

	log.Printf("INFO: Streamed %d documents from collection '%s'", docCount, collName)
}
