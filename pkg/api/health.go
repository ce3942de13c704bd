package api

import (
	"net/http"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Collections int    `json:"collections"`
}

// HandleHealth handles GET requests to the health check endpoint
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "healthy",
		Message:     "go-kvdex is running",
		Collections: len(h.collections),
	})
}
