// Package httpx holds response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"net/http"

	"openattribution/pkg/errors"
	"openattribution/pkg/logger"
)

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError maps a domain error onto an HTTP status and writes the error
// body. Validation problems and closed sessions are the caller's fault,
// idempotency conflicts get their own status so retrying clients can tell
// them apart from rejected payloads.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: "internal error"}

	var validationErr *errors.ValidationError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
		resp = ErrorResponse{Error: "validation failed", Field: validationErr.Field, Detail: validationErr.Message}
	case errors.Is(err, errors.ErrInvalidInput):
		status = http.StatusBadRequest
		resp = ErrorResponse{Error: "invalid input", Detail: err.Error()}
	case errors.Is(err, errors.ErrSessionClosed):
		status = http.StatusBadRequest
		resp = ErrorResponse{Error: "session closed", Detail: err.Error()}
	case errors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
		resp = ErrorResponse{Error: "not found"}
	case errors.Is(err, errors.ErrIdempotencyConflict):
		status = http.StatusConflict
		resp = ErrorResponse{Error: "idempotency conflict", Detail: err.Error()}
	case errors.Is(err, errors.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
		resp = ErrorResponse{Error: "rate limit exceeded"}
	default:
		logger.Get().Errorw("request failed", "error", err)
	}

	WriteJSON(w, status, resp)
}
