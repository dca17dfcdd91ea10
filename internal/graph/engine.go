package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/sqlagent/internal/domain"
	"github.com/ashureev/sqlagent/internal/events"
)

// Collaborators are the external services the nodes call.
type Collaborators struct {
	Retriever Retriever
	Generator Generator
	Validator Validator
	Executor  Executor
	Responder Responder
}

// Observer receives per-node timings and retry counts.
type Observer interface {
	NodeFinished(node NodeID, elapsed time.Duration, err error)
	Retried(retryCount int)
}

// Config tunes an Engine.
type Config struct {
	MaxRetries     int
	RowLimit       int
	HistoryWindow  int
	ResponderFault FaultPolicy
	Tokens         QueryTokens
	Observer       Observer
	Logger         *slog.Logger
}

// Engine drives one AgentState through the fixed graph.
type Engine struct {
	nodes    map[NodeID]node
	retry    *RetryController
	maxSteps int
	observer Observer
	logger   *slog.Logger
}

// New builds an engine. Every collaborator is required.
func New(c Collaborators, cfg Config) (*Engine, error) {
	switch {
	case c.Retriever == nil:
		return nil, errors.New("graph: retriever is required")
	case c.Generator == nil:
		return nil, errors.New("graph: generator is required")
	case c.Validator == nil:
		return nil, errors.New("graph: validator is required")
	case c.Executor == nil:
		return nil, errors.New("graph: executor is required")
	case c.Responder == nil:
		return nil, errors.New("graph: responder is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = 1000
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.ResponderFault == "" {
		cfg.ResponderFault = FaultDiscard
	}

	retry := NewRetryController(cfg.MaxRetries)
	return &Engine{
		nodes: map[NodeID]node{
			NodeRetrieval:      retrievalNode{retriever: c.Retriever},
			NodeSQLGenerator:   generatorNode{generator: c.Generator, historyWindow: cfg.HistoryWindow},
			NodeValidator:      validatorNode{validator: c.Validator},
			NodeExecutor:       executorNode{executor: c.Executor, rowLimit: cfg.RowLimit, tokens: cfg.Tokens},
			NodeIncrementRetry: incrementRetryNode{retry: retry},
			NodeResponder:      responderNode{responder: c.Responder, policy: cfg.ResponderFault, logger: cfg.Logger},
		},
		retry: retry,
		// retrieval + responder + executor, plus generator/validator/increment per attempt.
		maxSteps: 3 + 3*(retry.Max()+1),
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}, nil
}

// MaxRetries returns the configured retry bound.
func (e *Engine) MaxRetries() int { return e.retry.Max() }

// Run executes the graph from Retrieval to Terminal, mutating st and
// emitting progress on turn. A collaborator fault is returned as
// *FaultError; cancellation returns the context error.
func (e *Engine) Run(ctx context.Context, st *domain.AgentState, turn *events.Turn) error {
	st.RetryCount = 0
	onToken := func(text string) error {
		if text == "" {
			return nil
		}
		return turn.Emit(ctx, events.Token, events.TokenData{Content: text})
	}

	cur := NodeRetrieval
	for steps := 0; cur != NodeTerminal; steps++ {
		if steps >= e.maxSteps {
			return fmt.Errorf("graph: no terminal state after %d steps", steps)
		}
		if err := turn.Emit(ctx, events.StepStarted, events.StepData{Step: string(cur), Label: cur.Label()}); err != nil {
			return err
		}

		start := time.Now()
		delta, err := e.nodes[cur].run(ctx, *st, onToken)
		elapsed := time.Since(start)
		if e.observer != nil {
			e.observer.NodeFinished(cur, elapsed, err)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			e.logger.ErrorContext(ctx, "node failed", "session_id", st.SessionID, "node", cur, "error", err)
			return &FaultError{Node: cur, Err: err}
		}

		before := st.RetryCount
		apply(cur, st, delta)
		if cur == NodeIncrementRetry && st.RetryCount > before && e.observer != nil {
			e.observer.Retried(st.RetryCount)
		}

		if err := emitOutcome(ctx, turn, cur, st, delta); err != nil {
			return err
		}
		if err := turn.Emit(ctx, events.StepCompleted, events.StepDoneData{
			Step:       string(cur),
			DurationMS: elapsed.Milliseconds(),
			RetryCount: st.RetryCount,
		}); err != nil {
			return err
		}

		e.logger.DebugContext(ctx, "node completed",
			"session_id", st.SessionID,
			"node", cur,
			"retry_count", st.RetryCount,
			"is_valid", st.IsValid.String(),
		)
		cur = NextNode(e.retry, cur, st.IsValid, st.RetryCount, st.Settled())
	}
	return nil
}

// apply copies the fields owned by node from d into st.
func apply(n NodeID, st *domain.AgentState, d Delta) {
	switch n {
	case NodeRetrieval:
		if d.Context != nil {
			st.SQLPairs = d.Context.SQLPairs
			st.Metadata = d.Context.Metadata
			st.DatabaseInfo = d.Context.DatabaseInfo
		}
	case NodeSQLGenerator:
		if d.Generation != nil {
			st.GenerationAttempts++
			st.GeneratedSQL = d.Generation.SQL
			st.SQLExplanation = d.Generation.Explanation
			st.SpecialResponse = d.Generation.Special
			st.SpecialMessage = d.Generation.SpecialMessage
		}
	case NodeValidator:
		if d.Validation != nil {
			st.IsValid = domain.ValidityOf(d.Validation.IsValid)
			st.ValidationErrors = d.Validation.Errors
			st.ValidationWarnings = d.Validation.Warnings
			if d.Validation.Special != domain.SpecialNone {
				st.SpecialResponse = d.Validation.Special
			}
		}
	case NodeExecutor:
		if d.Execution != nil {
			st.Executed = d.Execution.Executed
			st.Results = d.Execution.Rows
			st.RowCount = d.Execution.RowCount
			st.Columns = d.Execution.Columns
			st.ExecutionError = d.Execution.Error
			st.QueryToken = d.Execution.QueryToken
		}
	case NodeIncrementRetry:
		if d.RetryCount != nil && *d.RetryCount > st.RetryCount {
			st.RetryCount = *d.RetryCount
		}
	case NodeResponder:
		if d.Response != nil {
			st.NaturalLanguageResponse = d.Response.Text
		}
	}
}

func emitOutcome(ctx context.Context, turn *events.Turn, n NodeID, st *domain.AgentState, d Delta) error {
	switch n {
	case NodeRetrieval:
		return turn.Emit(ctx, events.RetrievalComplete, events.RetrievalData{
			SQLPairs:     len(st.SQLPairs),
			Metadata:     len(st.Metadata),
			DatabaseInfo: len(st.DatabaseInfo),
		})
	case NodeSQLGenerator:
		return turn.Emit(ctx, events.SQLGenerated, events.SQLGeneratedData{
			SQL:          st.GeneratedSQL,
			Explanation:  st.SQLExplanation,
			Attempt:      st.GenerationAttempts,
			ResponseType: st.SpecialResponse,
		})
	case NodeValidator:
		return turn.Emit(ctx, events.ValidationComplete, events.ValidationData{
			IsValid:  st.IsValid,
			Errors:   nonNil(st.ValidationErrors),
			Warnings: nonNil(st.ValidationWarnings),
		})
	case NodeExecutor:
		return turn.Emit(ctx, events.ExecutionComplete, events.ExecutionData{
			Executed:   st.Executed,
			RowCount:   st.RowCount,
			Columns:    nonNil(st.Columns),
			Results:    st.Results,
			Error:      st.ExecutionError,
			QueryToken: st.QueryToken,
		})
	case NodeResponder:
		narrated := d.Response != nil && d.Response.Narrated
		return turn.Emit(ctx, events.ResponseComplete, events.ResponseData{
			Response: st.NaturalLanguageResponse,
			Narrated: narrated,
		})
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
