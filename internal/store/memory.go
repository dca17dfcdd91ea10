package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ashureev/sqlagent/internal/domain"
)

// MemoryStore implements SessionStore in process memory. Sessions are copied
// on the way in and out so callers never share slices with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*domain.Session)}
}

// Load implements SessionStore.
func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID].Clone(), nil
}

// Save implements SessionStore.
func (m *MemoryStore) Save(ctx context.Context, session *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil || session.ID == "" {
		return errors.New("save session: missing session id")
	}
	next := session.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[session.ID]; ok {
		next.CreatedAt = prev.CreatedAt
	}
	m.sessions[session.ID] = next
	return nil
}

// List implements SessionStore.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]domain.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	out := make([]domain.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summary())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].LastActive.After(out[j].LastActive)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements SessionStore.
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	return ok, nil
}

// Ping implements SessionStore.
func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements SessionStore.
func (m *MemoryStore) Close() error { return nil }
