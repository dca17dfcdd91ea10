package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sqlagent/internal/domain"
	"github.com/ashureev/sqlagent/internal/identity"
)

const (
	defaultSessionListLimit = 50
	maxSessionListLimit     = 500
)

// SessionListResponse is the body of GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []domain.SessionSummary `json:"sessions"`
	Total    int                     `json:"total"`
}

// ListSessions returns the most recently active sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSessionListLimit)
	}

	sessions, err := h.sessions.List(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	JSON(w, http.StatusOK, SessionListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession returns one session with its messages.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	session, err := h.sessions.Load(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, session)
}

// DeleteSession removes a session and its history.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	deleted, err := h.sessions.Delete(r.Context(), id)
	if err != nil {
		slog.Error("Failed to delete session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if !deleted {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	slog.Info("Session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := identity.SanitizeSessionID(chi.URLParam(r, "sessionID"))
	if id == "" {
		Error(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id, true
}
