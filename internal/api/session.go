package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/go-chi/chi/v5"
)

const (
	msgInvalidName    = "Enter a valid name"
	msgSessionMissing = "Session expired or does not exist"
	serviceName       = "ai-chatbot-server"
)

// fieldError locates an invalid form field.
type fieldError struct {
	Loc string `json:"loc"`
	Msg string `json:"msg"`
}

// SessionHandler handles token issuance and history reads.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session and liveness routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/token", h.CreateToken)
	r.With(identity.Middleware).Get("/chat_history", h.ChatHistory)
	r.Get("/test", h.Test)
	r.Get("/health", h.Health)
}

// CreateToken issues a new session for the form field "name".
func (h *SessionHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		Detail(w, http.StatusBadRequest, fieldError{Loc: "name", Msg: msgInvalidName})
		return
	}

	token := identity.NewToken()
	session, err := h.sessions.Create(r.Context(), token, name)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.metrics.SessionsCreated.Inc()
	slog.Info("Session created", "token", token, "ip", identity.IPFromRequest(r))
	JSON(w, http.StatusOK, session)
}

// ChatHistory returns the full session document for ?token=.
func (h *SessionHandler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	token := identity.TokenFromContext(r.Context())
	if token == "" {
		Detail(w, http.StatusBadRequest, msgSessionMissing)
		return
	}

	session, err := h.sessions.Get(r.Context(), token)
	if err != nil {
		slog.Error("Failed to read session", "token", token, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	if session == nil {
		Detail(w, http.StatusBadRequest, msgSessionMissing)
		return
	}

	JSON(w, http.StatusOK, session)
}

// Test is a trivial liveness check.
func (h *SessionHandler) Test(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"msg": "API is Online"})
}

// Health reports service health.
func (h *SessionHandler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}
