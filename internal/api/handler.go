// Package api provides the JSON endpoints around the query surface:
// sessions, health and client configuration.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sqlagent/internal/config"
	"github.com/ashureev/sqlagent/internal/health"
	"github.com/ashureev/sqlagent/internal/store"
)

// Handler provides the session, health and config endpoints.
type Handler struct {
	sessions store.SessionStore
	checker  *health.Checker
	cfg      *config.Config
}

// NewHandler creates a new Handler with common dependencies. cfg may be nil.
func NewHandler(sessions store.SessionStore, checker *health.Checker, cfg *config.Config) *Handler {
	return &Handler{
		sessions: sessions,
		checker:  checker,
		cfg:      cfg,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/config", h.GetConfig)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Delete("/sessions/{sessionID}", h.DeleteSession)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// GetConfig returns the client-visible agent settings.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	if h.cfg == nil {
		JSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"max_retries":         h.cfg.Agent.MaxRetries,
		"max_rows":            h.cfg.Database.MaxRows,
		"database_driver":     h.cfg.Database.Driver,
		"llm_provider":        h.cfg.LLM.Provider,
		"suggestions_enabled": h.cfg.Agent.SuggestionsEnabled,
		"keepalive_seconds":   int64(h.cfg.SSE.KeepaliveInterval.Seconds()),
	})
}
