// Package events defines the ordered, typed event stream of an agent turn.
package events

import (
	"encoding/json"
	"time"

	"github.com/ashureev/sqlagent/internal/domain"
)

// Kind names an event on the wire.
type Kind string

// Event kinds in the order a successful turn produces them.
const (
	StepStarted           Kind = "step_started"
	StepCompleted         Kind = "step_completed"
	RetrievalComplete     Kind = "retrieval_complete"
	SQLGenerated          Kind = "sql_generated"
	ValidationComplete    Kind = "validation_complete"
	ExecutionComplete     Kind = "execution_complete"
	ToolExecutionComplete Kind = "tool_execution_complete"
	Token                 Kind = "token"
	ResponseComplete      Kind = "response_complete"
	SuggestedQuestions    Kind = "suggested_questions"
	ClarificationNeeded   Kind = "clarification_needed"
	Error                 Kind = "error"
	Done                  Kind = "done"
)

// Event is one frame of a turn's stream.
type Event struct {
	Kind      Kind      `json:"event"`
	Seq       int       `json:"seq"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data"`
}

// Payload returns the JSON encoding of the event data.
func (e Event) Payload() ([]byte, error) {
	if e.Data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Data)
}

// StepData is carried by step_started.
type StepData struct {
	Step  string `json:"step"`
	Label string `json:"label"`
}

// StepDoneData is carried by step_completed.
type StepDoneData struct {
	Step       string `json:"step"`
	DurationMS int64  `json:"duration_ms"`
	RetryCount int    `json:"retry_count"`
}

// RetrievalData is carried by retrieval_complete.
type RetrievalData struct {
	SQLPairs     int `json:"sql_pairs"`
	Metadata     int `json:"metadata"`
	DatabaseInfo int `json:"database_info"`
}

// SQLGeneratedData is carried by sql_generated.
type SQLGeneratedData struct {
	SQL          string                 `json:"sql"`
	Explanation  string                 `json:"explanation"`
	Attempt      int                    `json:"attempt"`
	ResponseType domain.SpecialResponse `json:"response_type,omitempty"`
}

// ValidationData is carried by validation_complete.
type ValidationData struct {
	IsValid  domain.Validity `json:"is_valid"`
	Errors   []string        `json:"errors"`
	Warnings []string        `json:"warnings"`
}

// ExecutionData is carried by execution_complete.
type ExecutionData struct {
	Executed   bool             `json:"executed"`
	RowCount   int              `json:"row_count"`
	Columns    []string         `json:"columns"`
	Results    []map[string]any `json:"results"`
	Error      string           `json:"execution_error,omitempty"`
	QueryToken string           `json:"query_token,omitempty"`
}

// ToolExecutionData is carried by tool_execution_complete.
type ToolExecutionData struct {
	ToolName   string           `json:"tool_name"`
	Success    bool             `json:"success"`
	SQL        string           `json:"sql"`
	Rows       []map[string]any `json:"rows"`
	Columns    []string         `json:"columns"`
	RowCount   int              `json:"row_count"`
	Warnings   []string         `json:"warnings,omitempty"`
	QueryToken string           `json:"query_token,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// TokenData is carried by token.
type TokenData struct {
	Content string `json:"content"`
}

// ResponseData is carried by response_complete.
type ResponseData struct {
	Response string `json:"response"`
	Narrated bool   `json:"narrated"`
}

// SuggestionsData is carried by suggested_questions.
type SuggestionsData struct {
	Questions []string `json:"questions"`
}

// ClarificationData is carried by clarification_needed.
type ClarificationData struct {
	Message string `json:"message"`
}

// ErrorData is carried by error.
type ErrorData struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
}

// DoneData is carried by done.
type DoneData struct {
	SessionID string `json:"session_id"`
}
