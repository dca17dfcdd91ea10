package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/sqlagent/internal/domain"
	"github.com/ashureev/sqlagent/internal/events"
)

type fakeRetriever struct {
	rc  domain.RetrievedContext
	err error
}

func (f *fakeRetriever) Retrieve(context.Context, string) (domain.RetrievedContext, error) {
	return f.rc, f.err
}

type scriptedGenerator struct {
	mu      sync.Mutex
	outputs []domain.Generation
	calls   []GenerateInput
	err     error
}

func (g *scriptedGenerator) Generate(_ context.Context, in GenerateInput) (domain.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, in)
	if g.err != nil {
		return domain.Generation{}, g.err
	}
	i := len(g.calls) - 1
	if i >= len(g.outputs) {
		i = len(g.outputs) - 1
	}
	return g.outputs[i], nil
}

// selectOnlyValidator accepts statements starting with SELECT.
type selectOnlyValidator struct{}

func (selectOnlyValidator) Validate(_ context.Context, sql string) domain.ValidationResult {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sql)), "SELECT") {
		return domain.ValidationResult{IsValid: true}
	}
	return domain.ValidationResult{IsValid: false, Errors: []string{"only SELECT is allowed"}}
}

type fakeExecutor struct {
	res   domain.ExecutionResult
	err   error
	calls int
	limit int
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, limit int) (domain.ExecutionResult, error) {
	f.calls++
	f.limit = limit
	return f.res, f.err
}

type fakeResponder struct {
	tokens []string
	err    error
	calls  int
	seen   domain.AgentState
}

func (f *fakeResponder) Respond(_ context.Context, st domain.AgentState, onToken func(string) error) (string, error) {
	f.calls++
	f.seen = st
	if f.err != nil {
		return "", f.err
	}
	for _, tok := range f.tokens {
		if err := onToken(tok); err != nil {
			return "", err
		}
	}
	return strings.Join(f.tokens, ""), nil
}

type retryObserver struct {
	mu      sync.Mutex
	retries []int
}

func (o *retryObserver) NodeFinished(NodeID, time.Duration, error) {}

func (o *retryObserver) Retried(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, n)
}

type mapTokens map[string]string

func (m mapTokens) Put(sql, _ string) string {
	m["tok-1"] = sql
	return "tok-1"
}

var usersRows = domain.ExecutionResult{
	Executed: true,
	Rows:     []map[string]any{{"id": 1, "name": "ada"}},
	Columns:  []string{"id", "name"},
	RowCount: 1,
}

type fixture struct {
	retriever *fakeRetriever
	generator *scriptedGenerator
	executor  *fakeExecutor
	responder *fakeResponder
}

func newFixture(gens ...domain.Generation) *fixture {
	return &fixture{
		retriever: &fakeRetriever{rc: domain.RetrievedContext{
			SQLPairs:     []domain.SQLPair{{Question: "list users", SQL: "SELECT * FROM users"}},
			DatabaseInfo: []domain.TableInfo{{Name: "users"}},
		}},
		generator: &scriptedGenerator{outputs: gens},
		executor:  &fakeExecutor{res: usersRows},
		responder: &fakeResponder{tokens: []string{"There ", "is ", "one user."}},
	}
}

func (f *fixture) engine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := New(Collaborators{
		Retriever: f.retriever,
		Generator: f.generator,
		Validator: selectOnlyValidator{},
		Executor:  f.executor,
		Responder: f.responder,
	}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng
}

func runTurn(t *testing.T, eng *Engine, question string) (*domain.AgentState, *events.Recorder, error) {
	t.Helper()
	st := domain.NewAgentState("sess-1", question, nil, true)
	rec := &events.Recorder{}
	err := eng.Run(context.Background(), st, events.NewTurn(rec, st.SessionID))
	return st, rec, err
}

// outcomeKinds drops step and token events.
func outcomeKinds(rec *events.Recorder) []events.Kind {
	var out []events.Kind
	for _, k := range rec.Kinds() {
		switch k {
		case events.StepStarted, events.StepCompleted, events.Token:
			continue
		}
		out = append(out, k)
	}
	return out
}

func TestScenarioValidFirstAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "SELECT id, name FROM users", Explanation: "all users"})
	st, rec, err := runTurn(t, f.engine(t, Config{MaxRetries: 2}), "show all users")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []events.Kind{
		events.RetrievalComplete,
		events.SQLGenerated,
		events.ValidationComplete,
		events.ExecutionComplete,
		events.ResponseComplete,
	}
	if diff := cmp.Diff(want, outcomeKinds(rec)); diff != "" {
		t.Errorf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if st.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", st.RetryCount)
	}
	if !st.Executed || !st.IsValid.Valid() {
		t.Errorf("expected executed valid state, got executed=%v valid=%s", st.Executed, st.IsValid)
	}
	if st.NaturalLanguageResponse != "There is one user." {
		t.Errorf("response = %q", st.NaturalLanguageResponse)
	}
	if f.executor.limit != 1000 {
		t.Errorf("row limit = %d, want default 1000", f.executor.limit)
	}
}

func TestScenarioRetryAfterUnsafeSQL(t *testing.T) {
	t.Parallel()

	f := newFixture(
		domain.Generation{SQL: "INSERT INTO users VALUES (1)"},
		domain.Generation{SQL: "SELECT id FROM users"},
	)
	st, rec, err := runTurn(t, f.engine(t, Config{MaxRetries: 2}), "add a user")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var steps []string
	for _, ev := range rec.Events() {
		switch ev.Kind {
		case events.StepCompleted:
			d := ev.Data.(events.StepDoneData)
			if d.Step == string(NodeIncrementRetry) {
				steps = append(steps, "increment_retry")
			}
		case events.ValidationComplete:
			if ev.Data.(events.ValidationData).IsValid.Valid() {
				steps = append(steps, "valid")
			} else {
				steps = append(steps, "invalid")
			}
		case events.SQLGenerated:
			steps = append(steps, "generated")
		case events.ExecutionComplete:
			steps = append(steps, "executed")
		case events.ResponseComplete:
			steps = append(steps, "responded")
		}
	}
	want := []string{"generated", "invalid", "increment_retry", "generated", "valid", "executed", "responded"}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Errorf("step sequence mismatch (-want +got):\n%s", diff)
	}
	if st.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", st.RetryCount)
	}

	second := f.generator.calls[1]
	if second.PreviousSQL != "INSERT INTO users VALUES (1)" {
		t.Errorf("retry should see the rejected SQL, got %q", second.PreviousSQL)
	}
	if diff := cmp.Diff([]string{"only SELECT is allowed"}, second.Feedback); diff != "" {
		t.Errorf("retry feedback mismatch (-want +got):\n%s", diff)
	}
}

func TestScenarioRetriesExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "DELETE FROM users"})
	st, rec, err := runTurn(t, f.engine(t, Config{MaxRetries: 2}), "remove users")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", st.RetryCount)
	}
	if got := len(f.generator.calls); got != 2 {
		t.Errorf("generation attempts = %d, want 2", got)
	}
	if f.executor.calls != 0 {
		t.Errorf("executor should not run, ran %d times", f.executor.calls)
	}
	for _, k := range rec.Kinds() {
		if k == events.ExecutionComplete {
			t.Fatal("unexpected execution_complete event")
		}
	}
	if f.responder.calls != 1 || f.responder.seen.IsValid != domain.ValidityInvalid {
		t.Errorf("responder should narrate the validation failure, calls=%d valid=%s",
			f.responder.calls, f.responder.seen.IsValid)
	}
	if len(f.responder.seen.ValidationErrors) == 0 {
		t.Error("responder should receive the validation errors")
	}
}

func TestScenarioExecutionError(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "SELECT * FROM users"})
	f.executor.err = errors.New(`relation "users" does not exist`)
	st, rec, err := runTurn(t, f.engine(t, Config{}), "show users")
	if err != nil {
		t.Fatalf("execution errors must not abort the turn: %v", err)
	}

	if st.Executed {
		t.Error("Executed should be false")
	}
	if !st.IsValid.Valid() {
		t.Error("IsValid should stay true")
	}
	var exec events.ExecutionData
	for _, ev := range rec.Events() {
		if ev.Kind == events.ExecutionComplete {
			exec = ev.Data.(events.ExecutionData)
		}
	}
	if !strings.Contains(exec.Error, "does not exist") {
		t.Errorf("execution_complete should carry the error, got %q", exec.Error)
	}
	if f.responder.seen.ExecutionError == "" {
		t.Error("responder should see the execution error")
	}
}

func TestTerminationBound(t *testing.T) {
	t.Parallel()

	for maxRetries := 0; maxRetries <= 4; maxRetries++ {
		f := newFixture(domain.Generation{SQL: "DROP TABLE users"})
		st, _, err := runTurn(t, f.engine(t, Config{MaxRetries: maxRetries}), "drop")
		if err != nil {
			t.Fatalf("max=%d: Run failed: %v", maxRetries, err)
		}
		if got := len(f.generator.calls); got > maxRetries+1 {
			t.Errorf("max=%d: %d generation attempts", maxRetries, got)
		}
		if st.RetryCount > maxRetries {
			t.Errorf("max=%d: RetryCount %d exceeds bound", maxRetries, st.RetryCount)
		}
		if f.responder.calls != 1 {
			t.Errorf("max=%d: responder calls = %d, want 1", maxRetries, f.responder.calls)
		}
	}
}

func TestStepStartedPrecedesCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "SELECT 1"})
	_, rec, err := runTurn(t, f.engine(t, Config{}), "one")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	open := ""
	for _, ev := range rec.Events() {
		switch ev.Kind {
		case events.StepStarted:
			if open != "" {
				t.Fatalf("step %s started while %s open", ev.Data.(events.StepData).Step, open)
			}
			open = ev.Data.(events.StepData).Step
		case events.StepCompleted:
			if ev.Data.(events.StepDoneData).Step != open {
				t.Fatalf("step_completed for %s without matching start", ev.Data.(events.StepDoneData).Step)
			}
			open = ""
		default:
			if open == "" {
				t.Fatalf("%s emitted outside a step", ev.Kind)
			}
		}
	}
}

func TestTokensPrecedeResponseComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "SELECT 1"})
	_, rec, err := runTurn(t, f.engine(t, Config{}), "one")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	kinds := rec.Kinds()
	lastToken, complete := -1, -1
	for i, k := range kinds {
		switch k {
		case events.Token:
			lastToken = i
		case events.ResponseComplete:
			complete = i
		}
	}
	if lastToken < 0 || complete < lastToken {
		t.Errorf("tokens must come before response_complete: %v", kinds)
	}
}

func TestSpecialResponseSkipsRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{Special: domain.SpecialOutOfScope})
	obs := &retryObserver{}
	st, _, err := runTurn(t, f.engine(t, Config{MaxRetries: 2, Observer: obs}), "what's the weather?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", st.RetryCount)
	}
	if len(obs.retries) != 0 {
		t.Errorf("Retried called with %v, want no calls", obs.retries)
	}
	if got := len(f.generator.calls); got != 1 {
		t.Errorf("generation attempts = %d, want 1", got)
	}
	if f.responder.calls != 0 {
		t.Error("template responses must not call the responder")
	}
	if st.NaturalLanguageResponse != textOutOfScope {
		t.Errorf("response = %q", st.NaturalLanguageResponse)
	}
}

func TestSpecialMessageWinsOverTemplate(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{
		Special:        domain.SpecialNeedsClarification,
		SpecialMessage: "Which region do you mean?",
	})
	st, _, err := runTurn(t, f.engine(t, Config{}), "show the big ones")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.NaturalLanguageResponse != "Which region do you mean?" {
		t.Errorf("response = %q", st.NaturalLanguageResponse)
	}
}

func TestNoResultsTemplate(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "SELECT id FROM users WHERE 1 = 0"})
	f.executor.res = domain.ExecutionResult{Executed: true, Rows: []map[string]any{}, Columns: []string{"id"}}
	st, _, err := runTurn(t, f.engine(t, Config{}), "none")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.NaturalLanguageResponse != textNoResults {
		t.Errorf("response = %q", st.NaturalLanguageResponse)
	}
}

func TestRetrievalFaultAbortsTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "SELECT 1"})
	f.retriever.err = errors.New("vector store unreachable")
	_, _, err := runTurn(t, f.engine(t, Config{}), "q")

	fe, ok := AsFault(err)
	if !ok {
		t.Fatalf("expected FaultError, got %v", err)
	}
	if fe.Node != NodeRetrieval {
		t.Errorf("fault node = %s, want retrieval", fe.Node)
	}
}

func TestResponderFaultPolicy(t *testing.T) {
	t.Parallel()

	t.Run("discard", func(t *testing.T) {
		t.Parallel()
		f := newFixture(domain.Generation{SQL: "SELECT 1"})
		f.responder.err = errors.New("llm unavailable")
		_, _, err := runTurn(t, f.engine(t, Config{ResponderFault: FaultDiscard}), "q")
		if fe, ok := AsFault(err); !ok || fe.Node != NodeResponder {
			t.Fatalf("expected responder fault, got %v", err)
		}
	})

	t.Run("return results", func(t *testing.T) {
		t.Parallel()
		f := newFixture(domain.Generation{SQL: "SELECT 1"})
		f.responder.err = errors.New("llm unavailable")
		st, rec, err := runTurn(t, f.engine(t, Config{ResponderFault: FaultReturnResults}), "q")
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !strings.Contains(st.NaturalLanguageResponse, "1 row(s)") {
			t.Errorf("response = %q", st.NaturalLanguageResponse)
		}
		for _, ev := range rec.Events() {
			if ev.Kind == events.ResponseComplete && ev.Data.(events.ResponseData).Narrated {
				t.Error("fallback response must not be marked narrated")
			}
		}
	})

	t.Run("return results without execution", func(t *testing.T) {
		t.Parallel()
		f := newFixture(domain.Generation{SQL: "DELETE FROM users"})
		f.responder.err = errors.New("llm unavailable")
		_, _, err := runTurn(t, f.engine(t, Config{ResponderFault: FaultReturnResults}), "q")
		if _, ok := AsFault(err); !ok {
			t.Fatalf("expected fault when nothing was executed, got %v", err)
		}
	})
}

// failingResponder streams some tokens, then fails.
type failingResponder struct {
	tokens []string
}

func (f failingResponder) Respond(_ context.Context, _ domain.AgentState, onToken func(string) error) (string, error) {
	for _, tok := range f.tokens {
		if err := onToken(tok); err != nil {
			return "", err
		}
	}
	return "", errors.New("stream reset")
}

func TestPartialNarrationKeepsStreamedText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tokens []string
		prefix string
	}{
		{"no tokens sent", nil, ""},
		{"tokens sent", []string{"The top customer is ", "Acme with "}, "The top customer is Acme with \n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(domain.Generation{SQL: "SELECT id FROM users"})
			eng, err := New(Collaborators{
				Retriever: f.retriever,
				Generator: f.generator,
				Validator: selectOnlyValidator{},
				Executor:  f.executor,
				Responder: failingResponder{tokens: tt.tokens},
			}, Config{ResponderFault: FaultReturnResults})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			st, rec, err := runTurn(t, eng, "top customer")
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			var streamed, final strings.Builder
			for _, ev := range rec.Events() {
				switch d := ev.Data.(type) {
				case events.TokenData:
					streamed.WriteString(d.Content)
				case events.ResponseData:
					final.WriteString(d.Response)
				}
			}
			if streamed.String() != final.String() {
				t.Errorf("streamed %q, response_complete %q", streamed.String(), final.String())
			}
			if st.NaturalLanguageResponse != final.String() {
				t.Errorf("state response %q, response_complete %q", st.NaturalLanguageResponse, final.String())
			}
			want := tt.prefix + unnarratedSummary(st)
			if diff := cmp.Diff(want, st.NaturalLanguageResponse); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQueryTokenRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "SELECT id FROM users"})
	tokens := mapTokens{}
	st, _, err := runTurn(t, f.engine(t, Config{Tokens: tokens}), "ids")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.QueryToken != "tok-1" || tokens["tok-1"] != "SELECT id FROM users" {
		t.Errorf("query token not recorded: %q %v", st.QueryToken, tokens)
	}
}

func TestExecuteFalseSkipsDatabase(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "SELECT id FROM users"})
	eng := f.engine(t, Config{})
	st := domain.NewAgentState("s", "ids", nil, false)
	if err := eng.Run(context.Background(), st, events.NewTurn(nil, "s")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.executor.calls != 0 || st.Executed {
		t.Errorf("executor should be skipped, calls=%d executed=%v", f.executor.calls, st.Executed)
	}
}

func TestCancelDuringNarration(t *testing.T) {
	t.Parallel()

	f := newFixture(domain.Generation{SQL: "SELECT 1"})
	f.responder.tokens = []string{"a", "b", "c", "d"}
	eng := f.engine(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tokens := 0
	sink := events.SinkFunc(func(ctx context.Context, ev events.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.Kind == events.Token {
			tokens++
			if tokens == 2 {
				cancel()
			}
		}
		return nil
	})

	st := domain.NewAgentState("s", "q", nil, true)
	err := eng.Run(ctx, st, events.NewTurn(sink, "s"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if st.NaturalLanguageResponse != "" {
		t.Error("cancelled narration must not set a response")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Collaborators{}, Config{}); err == nil {
		t.Fatal("expected error for missing collaborators")
	}
}
