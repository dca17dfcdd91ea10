// Package graph runs the fixed text-to-SQL node graph for one turn.
//
// The topology is a finite-state machine:
//
//	retrieval -> sql_generator -> validator -> executor -> responder -> terminal
//	                  ^               |
//	                  |               v
//	                  +------- increment_retry -> responder
//
// Routing depends only on the validation outcome, the retry counter and
// whether a special response already settled the answer.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/sqlagent/internal/domain"
)

// NodeID names a node of the graph.
type NodeID string

// Nodes of the graph.
const (
	NodeRetrieval      NodeID = "retrieval"
	NodeSQLGenerator   NodeID = "sql_generator"
	NodeValidator      NodeID = "validator"
	NodeExecutor       NodeID = "executor"
	NodeIncrementRetry NodeID = "increment_retry"
	NodeResponder      NodeID = "responder"
	NodeTerminal       NodeID = "terminal"
)

var nodeLabels = map[NodeID]string{
	NodeRetrieval:      "Retrieving context",
	NodeSQLGenerator:   "Generating SQL",
	NodeValidator:      "Validating SQL",
	NodeExecutor:       "Executing query",
	NodeIncrementRetry: "Retrying SQL generation",
	NodeResponder:      "Composing answer",
}

// Label is the human-readable description of a node.
func (n NodeID) Label() string { return nodeLabels[n] }

// Retriever returns few-shot examples, domain metadata and schema documents.
type Retriever interface {
	Retrieve(ctx context.Context, question string) (domain.RetrievedContext, error)
}

// GenerateInput is everything the SQL generator sees for one attempt.
// Identical inputs must produce identical output.
type GenerateInput struct {
	Question string
	Context  domain.RetrievedContext
	History  []domain.Message
	Attempt  int

	// PreviousSQL and Feedback describe the rejected attempt on a retry.
	PreviousSQL string
	Feedback    []string
}

// Generator turns a question into SQL.
type Generator interface {
	Generate(ctx context.Context, in GenerateInput) (domain.Generation, error)
}

// Validator checks SQL for safety and shape.
type Validator interface {
	Validate(ctx context.Context, sql string) domain.ValidationResult
}

// Executor runs validated SQL with a row cap. A returned error is an
// execution failure and is surfaced as data.
type Executor interface {
	Execute(ctx context.Context, sql string, rowLimit int) (domain.ExecutionResult, error)
}

// Responder narrates the turn's outcome, calling onToken for each streamed
// fragment, and returns the full text.
type Responder interface {
	Respond(ctx context.Context, st domain.AgentState, onToken func(string) error) (string, error)
}

// QueryTokens remembers executed SQL under an opaque token.
type QueryTokens interface {
	Put(sql, sessionID string) string
}

// FaultPolicy decides what a narration fault does after a successful
// execution.
type FaultPolicy string

const (
	// FaultDiscard aborts the turn.
	FaultDiscard FaultPolicy = "discard"
	// FaultReturnResults answers with a fixed summary of the results.
	FaultReturnResults FaultPolicy = "return_results"
)

// ParseFaultPolicy validates a policy name.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch p := FaultPolicy(s); p {
	case FaultDiscard, FaultReturnResults:
		return p, nil
	case "":
		return FaultDiscard, nil
	}
	return "", fmt.Errorf("unknown responder fault policy %q", s)
}

// FaultError reports a collaborator that could not complete. It aborts the
// turn.
type FaultError struct {
	Node NodeID
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Node, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// AsFault extracts a FaultError from err.
func AsFault(err error) (*FaultError, bool) {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Delta is the set of fields a node produced. The engine applies only the
// group owned by the node that returned it.
type Delta struct {
	Context    *domain.RetrievedContext
	Generation *domain.Generation
	Validation *domain.ValidationResult
	Execution  *domain.ExecutionResult
	RetryCount *int
	Response   *Response
}

// Response is the responder's output.
type Response struct {
	Text     string
	Narrated bool
}
