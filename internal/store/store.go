// Package store persists conversation sessions across turns.
package store

import (
	"context"

	"github.com/ashureev/sqlagent/internal/domain"
)

// SessionStore maps a session id to its persisted conversation.
type SessionStore interface {
	// Load returns the session, or nil with no error when the id is unknown.
	Load(ctx context.Context, sessionID string) (*domain.Session, error)

	// Save atomically creates or updates the session. created_at is kept
	// from the first save.
	Save(ctx context.Context, session *domain.Session) error

	// List returns the most recently active sessions first.
	List(ctx context.Context, limit int) ([]domain.SessionSummary, error)

	// Delete removes a session and reports whether it existed.
	Delete(ctx context.Context, sessionID string) (bool, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Open returns the store for a backend name ("sqlite" or "memory").
func Open(backend, dbPath string) (SessionStore, error) {
	switch backend {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite":
		s, err := NewSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, &UnknownBackendError{Backend: backend}
	}
}

// UnknownBackendError reports an unsupported SESSION_BACKEND.
type UnknownBackendError struct {
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return "unknown session backend " + e.Backend
}
