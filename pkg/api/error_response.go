package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteJSONError writes a JSON error response with the given status code and message
func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	json.NewEncoder(w).Encode(response)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kvdex.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, kvdex.ErrInvalidIndexValue),
		errors.Is(err, kvdex.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, kvdex.ErrCommitRejected),
		errors.Is(err, kvdex.ErrIDCollision):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	WriteJSONError(w, statusFor(err), err.Error())
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
