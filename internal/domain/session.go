package domain

import (
	"time"
)

// Session is the persisted conversation record for one session id.
type Session struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
	Messages     []Message `json:"messages"`
}

// SessionSummary is a session without its message log.
type SessionSummary struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
}

// Summary drops the message log.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActive:   s.LastActive,
		MessageCount: s.MessageCount,
	}
}

// Clone returns a copy that shares no slices with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = CloneMessages(s.Messages)
	return &out
}

// AppendTurn returns the session after a completed turn. A nil prior session
// means the turn created it.
func AppendTurn(prior *Session, id string, now time.Time, turn ...Message) *Session {
	next := &Session{ID: id, CreatedAt: now}
	if prior != nil {
		next.CreatedAt = prior.CreatedAt
		next.Messages = CloneMessages(prior.Messages)
	}
	next.Messages = append(next.Messages, turn...)
	next.MessageCount = len(next.Messages)
	next.LastActive = now
	return next
}
