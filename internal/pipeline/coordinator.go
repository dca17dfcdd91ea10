// Package pipeline runs agent turns end to end: it loads the session, drives
// the graph, streams events and persists the conversation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/sqlagent/internal/domain"
	"github.com/ashureev/sqlagent/internal/events"
	"github.com/ashureev/sqlagent/internal/graph"
	"github.com/ashureev/sqlagent/internal/store"
)

// Turn outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeFault     = "fault"
	OutcomeCancelled = "cancelled"
)

// DefaultStreamBuffer is the channel buffer used by Stream.
const DefaultStreamBuffer = 64

// ErrEmptyQuestion is returned for a turn without a question.
var ErrEmptyQuestion = errors.New("question is required")

// Suggester proposes follow-up questions after an answered turn.
type Suggester interface {
	Suggest(ctx context.Context, st domain.AgentState) ([]string, error)
}

// Observer receives turn lifecycle measurements.
type Observer interface {
	TurnStarted()
	TurnFinished(outcome string, elapsed time.Duration)
	EventEmitted(kind events.Kind)
}

// TurnRequest is one user question.
type TurnRequest struct {
	// SessionID selects the conversation. Empty starts a new one.
	SessionID string
	Question  string
	// Execute runs the validated SQL. When false the turn stops after
	// validation and narrates the SQL only.
	Execute bool
}

// TurnResult is the final state of a completed turn.
type TurnResult struct {
	SessionID               string           `json:"session_id"`
	Question                string           `json:"question"`
	GeneratedSQL            string           `json:"generated_sql"`
	Explanation             string           `json:"explanation"`
	IsValid                 domain.Validity  `json:"is_valid"`
	ValidationErrors        []string         `json:"validation_errors"`
	ValidationWarnings      []string         `json:"validation_warnings"`
	Executed                bool             `json:"executed"`
	Results                 []map[string]any `json:"results"`
	RowCount                int              `json:"row_count"`
	Columns                 []string         `json:"columns"`
	ExecutionError          string           `json:"error,omitempty"`
	NaturalLanguageResponse string           `json:"natural_language_response"`
	ResponseType            string           `json:"response_type,omitempty"`
	SuggestedQuestions      []string         `json:"suggested_questions,omitempty"`
	QueryToken              string           `json:"query_token,omitempty"`
	RetryCount              int              `json:"retry_count"`
}

// Config wires a Coordinator.
type Config struct {
	Store     store.SessionStore
	Engine    *graph.Engine
	Suggester Suggester
	Observer  Observer
	Logger    *slog.Logger

	// Ad hoc follow-up queries.
	Checker  SQLChecker
	Executor graph.Executor
	Queries  QueryCache
	RowLimit int

	StreamBuffer int
}

// Coordinator runs turns. It is safe for concurrent use; turns on the same
// session queue behind each other, distinct sessions run in parallel.
type Coordinator struct {
	store     store.SessionStore
	engine    *graph.Engine
	suggester Suggester
	observer  Observer
	logger    *slog.Logger

	checker  SQLChecker
	executor graph.Executor
	queries  QueryCache
	rowLimit int

	buffer int
	slots  *sessionSlots
	now    func() time.Time
}

// New creates a Coordinator. Store and Engine are required.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline: session store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = 1000
	}
	return &Coordinator{
		store:     cfg.Store,
		engine:    cfg.Engine,
		suggester: cfg.Suggester,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		checker:   cfg.Checker,
		executor:  cfg.Executor,
		queries:   cfg.Queries,
		rowLimit:  cfg.RowLimit,
		buffer:    cfg.StreamBuffer,
		slots:     newSessionSlots(),
		now:       time.Now,
	}, nil
}

// Stream runs the turn in its own goroutine and returns its events. The
// channel is closed when the turn ends; a cancelled ctx stops the turn and
// closes the channel without a done event.
func (c *Coordinator) Stream(ctx context.Context, req TurnRequest) <-chan events.Event {
	em := events.NewEmitter(c.buffer)
	go func() {
		defer em.Close()
		if _, err := c.Run(ctx, req, em); err != nil && ctx.Err() == nil {
			c.logger.Debug("streamed turn ended with error", "session_id", req.SessionID, "error", err)
		}
	}()
	return em.Events()
}

// Run executes one turn, emitting every event to sink. On success the
// session is saved before done is emitted. A collaborator fault emits error
// then done, persists nothing and returns the fault. Cancellation returns
// the context error with nothing persisted and no done, unless the save had
// already completed, in which case the turn counts as completed.
func (c *Coordinator) Run(ctx context.Context, req TurnRequest, sink events.Sink) (*TurnResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	release, err := c.slots.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	turn := events.NewTurn(sink, id)
	if c.observer != nil {
		turn.OnEmit(c.observer.EventEmitted)
		c.observer.TurnStarted()
	}
	start := c.now()
	outcome := OutcomeCompleted
	defer func() {
		if c.observer != nil {
			c.observer.TurnFinished(outcome, c.now().Sub(start))
		}
	}()

	res, err := c.run(ctx, id, question, req.Execute, turn)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = OutcomeCancelled
		c.logger.InfoContext(ctx, "turn cancelled", "session_id", id)
		return nil, ctx.Err()
	default:
		outcome = OutcomeFault
		c.fail(ctx, turn, err)
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, id, question string, execute bool, turn *events.Turn) (*TurnResult, error) {
	prior, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var history []domain.Message
	if prior != nil {
		history = prior.Messages
	}

	st := domain.NewAgentState(id, question, history, execute)
	if err := c.engine.Run(ctx, st, turn); err != nil {
		return nil, err
	}

	if err := c.followUp(ctx, st, turn); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	next := domain.AppendTurn(prior, id, c.now().UTC(),
		domain.UserMessage(question),
		domain.AssistantMessage(st.NaturalLanguageResponse),
	)
	if err := c.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	c.logger.InfoContext(ctx, "turn completed",
		"session_id", id,
		"retry_count", st.RetryCount,
		"executed", st.Executed,
		"row_count", st.RowCount,
		"response_type", string(st.SpecialResponse),
	)

	// Save is the commit point. A turn whose done cannot be delivered after
	// it is still complete.
	if err := turn.Emit(ctx, events.Done, events.DoneData{SessionID: id}); err != nil {
		c.logger.InfoContext(ctx, "done not delivered after save", "session_id", id, "error", err)
	}
	return resultOf(st), nil
}

// followUp emits clarification for an ambiguous question, or suggested
// questions for an answered one. Suggestion failures are not fatal.
func (c *Coordinator) followUp(ctx context.Context, st *domain.AgentState, turn *events.Turn) error {
	if st.SpecialResponse == domain.SpecialNeedsClarification {
		return turn.Emit(ctx, events.ClarificationNeeded, events.ClarificationData{Message: st.NaturalLanguageResponse})
	}
	if c.suggester == nil || st.Settled() {
		return nil
	}
	questions, err := c.suggester.Suggest(ctx, *st)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WarnContext(ctx, "follow-up suggestions failed", "session_id", st.SessionID, "error", err)
		return nil
	}
	if len(questions) == 0 {
		return nil
	}
	st.SuggestedQuestions = questions
	return turn.Emit(ctx, events.SuggestedQuestions, events.SuggestionsData{Questions: questions})
}

// fail reports a fault to the client. Emission errors are ignored; the
// client may already be gone.
func (c *Coordinator) fail(ctx context.Context, turn *events.Turn, err error) {
	data := events.ErrorData{Error: err.Error()}
	if fe, ok := graph.AsFault(err); ok {
		data.Step = string(fe.Node)
	}
	c.logger.ErrorContext(ctx, "turn failed", "session_id", turn.SessionID(), "step", data.Step, "error", err)
	_ = turn.Emit(ctx, events.Error, data)
	_ = turn.Emit(ctx, events.Done, events.DoneData{SessionID: turn.SessionID()})
}

// MaxRetries is the engine's retry bound.
func (c *Coordinator) MaxRetries() int { return c.engine.MaxRetries() }

func resultOf(st *domain.AgentState) *TurnResult {
	return &TurnResult{
		SessionID:               st.SessionID,
		Question:                st.Question,
		GeneratedSQL:            st.GeneratedSQL,
		Explanation:             st.SQLExplanation,
		IsValid:                 st.IsValid,
		ValidationErrors:        orEmpty(st.ValidationErrors),
		ValidationWarnings:      orEmpty(st.ValidationWarnings),
		Executed:                st.Executed,
		Results:                 st.Results,
		RowCount:                st.RowCount,
		Columns:                 orEmpty(st.Columns),
		ExecutionError:          st.ExecutionError,
		NaturalLanguageResponse: st.NaturalLanguageResponse,
		ResponseType:            string(st.SpecialResponse),
		SuggestedQuestions:      st.SuggestedQuestions,
		QueryToken:              st.QueryToken,
		RetryCount:              st.RetryCount,
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
