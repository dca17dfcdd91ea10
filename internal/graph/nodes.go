package graph

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/sqlagent/internal/domain"
)

// node is one step of the graph.
type node interface {
	run(ctx context.Context, st domain.AgentState, onToken func(string) error) (Delta, error)
}

type retrievalNode struct {
	retriever Retriever
}

func (n retrievalNode) run(ctx context.Context, st domain.AgentState, _ func(string) error) (Delta, error) {
	rc, err := n.retriever.Retrieve(ctx, st.Question)
	if err != nil {
		return Delta{}, err
	}
	return Delta{Context: &rc}, nil
}

type generatorNode struct {
	generator     Generator
	historyWindow int
}

func (n generatorNode) run(ctx context.Context, st domain.AgentState, _ func(string) error) (Delta, error) {
	in := GenerateInput{
		Question: st.Question,
		Context: domain.RetrievedContext{
			SQLPairs:     st.SQLPairs,
			Metadata:     st.Metadata,
			DatabaseInfo: st.DatabaseInfo,
		},
		History: domain.LastMessages(st.Messages, n.historyWindow),
		Attempt: st.GenerationAttempts + 1,
	}
	if st.IsValid == domain.ValidityInvalid {
		in.PreviousSQL = st.GeneratedSQL
		in.Feedback = st.ValidationErrors
	}
	gen, err := n.generator.Generate(ctx, in)
	if err != nil {
		return Delta{}, err
	}
	return Delta{Generation: &gen}, nil
}

type validatorNode struct {
	validator Validator
}

func (n validatorNode) run(ctx context.Context, st domain.AgentState, _ func(string) error) (Delta, error) {
	var res domain.ValidationResult
	switch {
	case st.Settled():
		// The generator already decided the answer; nothing to check.
		res = domain.ValidationResult{IsValid: false}
	case st.GeneratedSQL == "":
		res = domain.ValidationResult{IsValid: false, Errors: []string{"No SQL query was generated"}}
	default:
		res = n.validator.Validate(ctx, st.GeneratedSQL)
	}
	return Delta{Validation: &res}, nil
}

type executorNode struct {
	executor Executor
	rowLimit int
	tokens   QueryTokens
}

func (n executorNode) run(ctx context.Context, st domain.AgentState, _ func(string) error) (Delta, error) {
	switch {
	case !st.IsValid.Valid():
		return Delta{Execution: &domain.ExecutionResult{Error: "SQL validation failed"}}, nil
	case !st.Execute:
		return Delta{Execution: &domain.ExecutionResult{}}, nil
	}

	res, err := n.executor.Execute(ctx, st.GeneratedSQL, n.rowLimit)
	if err != nil {
		if ctx.Err() != nil {
			return Delta{}, ctx.Err()
		}
		return Delta{Execution: &domain.ExecutionResult{Error: err.Error()}}, nil
	}
	if res.Error != "" {
		res.Executed = false
	}
	if res.Executed && n.tokens != nil {
		res.QueryToken = n.tokens.Put(st.GeneratedSQL, st.SessionID)
	}
	return Delta{Execution: &res}, nil
}

type incrementRetryNode struct {
	retry *RetryController
}

func (n incrementRetryNode) run(_ context.Context, st domain.AgentState, _ func(string) error) (Delta, error) {
	if st.Settled() {
		// A special response ends the turn without another attempt.
		return Delta{RetryCount: &st.RetryCount}, nil
	}
	next := n.retry.Next(st.IsValid, st.RetryCount)
	return Delta{RetryCount: &next}, nil
}

type responderNode struct {
	responder Responder
	policy    FaultPolicy
	logger    *slog.Logger
}

func (n responderNode) run(ctx context.Context, st domain.AgentState, onToken func(string) error) (Delta, error) {
	if text := TemplateResponse(&st); text != "" {
		if err := onToken(text); err != nil {
			return Delta{}, err
		}
		return Delta{Response: &Response{Text: text}}, nil
	}

	var streamed strings.Builder
	forward := func(text string) error {
		if err := onToken(text); err != nil {
			return err
		}
		streamed.WriteString(text)
		return nil
	}
	text, err := n.responder.Respond(ctx, st, forward)
	if err == nil {
		return Delta{Response: &Response{Text: text, Narrated: true}}, nil
	}
	if ctx.Err() != nil {
		return Delta{}, ctx.Err()
	}
	if n.policy != FaultReturnResults || !st.Executed {
		return Delta{}, err
	}

	n.logger.WarnContext(ctx, "narration failed, returning results without narration",
		"session_id", st.SessionID, "streamed_chars", streamed.Len(), "error", err)
	// The tokens already sent stay part of the answer so the stream adds up
	// to the saved text.
	tail := unnarratedSummary(&st)
	if streamed.Len() > 0 {
		tail = "\n\n" + tail
	}
	if err := onToken(tail); err != nil {
		return Delta{}, err
	}
	return Delta{Response: &Response{Text: streamed.String() + tail}}, nil
}
