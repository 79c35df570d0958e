// Package api implements the HTTP layer of the server: the Chi router, the
// WebSocket upgrade endpoint with its admission checks, the health probe,
// and the Prometheus metrics endpoint. Everything stateful lives below this
// package; handlers here only admit, upgrade, and report.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the JSON response wrapper for the plain HTTP endpoints.
// Error responses use an "error" key with a human-readable message and a
// machine-readable code.
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response with the given status, message and
// machine-readable code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrForbidden writes a 403 Forbidden error response.
func ErrForbidden(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusForbidden, message, "forbidden")
}

// ErrTooManyRequests writes a 429 Too Many Requests error response.
func ErrTooManyRequests(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusTooManyRequests, message, "rate_limited")
}

// ErrUnavailable writes a 503 Service Unavailable error response.
func ErrUnavailable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusServiceUnavailable, message, "unavailable")
}
