// Package agent serves the text-to-SQL agent over HTTP: server-sent events,
// plain JSON and WebSocket.
package agent

import (
	"context"
	"encoding/json"

	"github.com/ashureev/sqlagent/internal/events"
	"github.com/ashureev/sqlagent/internal/pipeline"
)

// Runner executes turns and ad hoc queries.
type Runner interface {
	Run(ctx context.Context, req pipeline.TurnRequest, sink events.Sink) (*pipeline.TurnResult, error)
	Execute(ctx context.Context, q pipeline.AdHocQuery, sink events.Sink) (*events.ToolExecutionData, error)
}

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	Execute   *bool  `json:"execute,omitempty"`
	Stream    *bool  `json:"stream,omitempty"`
}

// ExecuteRequest is the body of POST /api/v1/query/execute.
type ExecuteRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	SQL        string `json:"sql,omitempty"`
	QueryToken string `json:"query_token,omitempty"`
	Stream     *bool  `json:"stream,omitempty"`
}

// wsMessage is one client frame on the query WebSocket.
type wsMessage struct {
	Type       string `json:"type"`
	Question   string `json:"question,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Execute    *bool  `json:"execute,omitempty"`
	SQL        string `json:"sql,omitempty"`
	QueryToken string `json:"query_token,omitempty"`
}

// wsFrame is one server frame on the query WebSocket.
type wsFrame struct {
	Event string          `json:"event"`
	Seq   int             `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data"`
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}
