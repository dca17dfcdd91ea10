package domain

import (
	"encoding/json"
)

// Validity is the tri-state outcome of SQL validation.
type Validity int8

const (
	// ValidityUnset means no validation pass has run yet.
	ValidityUnset Validity = iota
	// ValidityValid means the last validation pass accepted the SQL.
	ValidityValid
	// ValidityInvalid means the last validation pass rejected the SQL.
	ValidityInvalid
)

// ValidityOf converts a boolean validation result.
func ValidityOf(ok bool) Validity {
	if ok {
		return ValidityValid
	}
	return ValidityInvalid
}

// Valid reports whether the SQL was accepted.
func (v Validity) Valid() bool { return v == ValidityValid }

// String implements fmt.Stringer.
func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityInvalid:
		return "invalid"
	default:
		return "unset"
	}
}

// MarshalJSON encodes unset as null.
func (v Validity) MarshalJSON() ([]byte, error) {
	switch v {
	case ValidityValid:
		return []byte("true"), nil
	case ValidityInvalid:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes null, true and false.
func (v *Validity) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	switch {
	case b == nil:
		*v = ValidityUnset
	case *b:
		*v = ValidityValid
	default:
		*v = ValidityInvalid
	}
	return nil
}

// SpecialResponse marks a turn answered without executing SQL.
type SpecialResponse string

// Special response types recognised in generator output and validation.
const (
	SpecialNone               SpecialResponse = ""
	SpecialOutOfScope         SpecialResponse = "OUT_OF_SCOPE"
	SpecialReadOnly           SpecialResponse = "READ_ONLY"
	SpecialResourceNotFound   SpecialResponse = "RESOURCE_NOT_FOUND"
	SpecialNeedsClarification SpecialResponse = "NEEDS_CLARIFICATION"
)

// ParseSpecialResponse maps a tag to its type.
func ParseSpecialResponse(tag string) (SpecialResponse, bool) {
	switch s := SpecialResponse(tag); s {
	case SpecialOutOfScope, SpecialReadOnly, SpecialResourceNotFound, SpecialNeedsClarification:
		return s, true
	}
	return SpecialNone, false
}

// SQLPair is a few-shot example of a question and its SQL.
type SQLPair struct {
	ID          string  `json:"id" yaml:"id"`
	Question    string  `json:"question" yaml:"question"`
	SQL         string  `json:"sql" yaml:"sql"`
	Explanation string  `json:"explanation,omitempty" yaml:"explanation"`
	Score       float64 `json:"score,omitempty" yaml:"-"`
}

// MetadataEntry is a piece of domain knowledge or a business rule.
type MetadataEntry struct {
	ID      string  `json:"id" yaml:"id"`
	Title   string  `json:"title" yaml:"title"`
	Content string  `json:"content" yaml:"content"`
	Score   float64 `json:"score,omitempty" yaml:"-"`
}

// TableInfo documents one table of the target database.
type TableInfo struct {
	Name        string   `json:"table_name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Columns     []string `json:"columns,omitempty" yaml:"columns"`
	Score       float64  `json:"score,omitempty" yaml:"-"`
}

// RetrievedContext is the output of context retrieval.
type RetrievedContext struct {
	SQLPairs     []SQLPair
	Metadata     []MetadataEntry
	DatabaseInfo []TableInfo
}

// Generation is the output of one SQL generation attempt.
type Generation struct {
	SQL            string
	Explanation    string
	Special        SpecialResponse
	SpecialMessage string
}

// ValidationResult is the output of one validation pass.
type ValidationResult struct {
	IsValid  bool
	Errors   []string
	Warnings []string
	Special  SpecialResponse
}

// ExecutionResult is the output of running validated SQL.
type ExecutionResult struct {
	Executed   bool
	Rows       []map[string]any
	Columns    []string
	RowCount   int
	Error      string
	QueryToken string
}

// AgentState is the working memory threaded through the graph for one turn.
type AgentState struct {
	SessionID string
	Messages  []Message
	Question  string
	Execute   bool

	SQLPairs     []SQLPair
	Metadata     []MetadataEntry
	DatabaseInfo []TableInfo

	GeneratedSQL       string
	SQLExplanation     string
	SpecialResponse    SpecialResponse
	SpecialMessage     string
	GenerationAttempts int

	IsValid            Validity
	ValidationErrors   []string
	ValidationWarnings []string

	Executed       bool
	Results        []map[string]any
	RowCount       int
	Columns        []string
	ExecutionError string
	QueryToken     string

	NaturalLanguageResponse string
	SuggestedQuestions      []string

	RetryCount int
}

// NewAgentState starts a turn with the session's prior messages.
func NewAgentState(sessionID, question string, history []Message, execute bool) *AgentState {
	return &AgentState{
		SessionID: sessionID,
		Messages:  CloneMessages(history),
		Question:  question,
		Execute:   execute,
	}
}

// Settled reports whether a special response already decided the answer.
func (s *AgentState) Settled() bool {
	return s.SpecialResponse != SpecialNone
}
