// Package api provides HTTP handlers for the chat gateway.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	sessions store.SessionStore
	metrics  *metrics.Gateway
}

// NewHandler creates a new Handler with common dependencies. A nil m
// records into unregistered collectors.
func NewHandler(sessions store.SessionStore, m *metrics.Gateway) *Handler {
	if m == nil {
		m = metrics.NewGateway(nil)
	}
	return &Handler{
		sessions: sessions,
		metrics:  m,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Detail writes a 400-style {"detail": ...} body for caller mistakes.
func Detail(w http.ResponseWriter, status int, detail any) {
	JSON(w, status, map[string]any{"detail": detail})
}
