package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/sqlagent/internal/config"
	"github.com/ashureev/sqlagent/internal/events"
	"github.com/ashureev/sqlagent/internal/graph"
	"github.com/ashureev/sqlagent/internal/pipeline"
)

type fakeRunner struct {
	mu      sync.Mutex
	reqs    []pipeline.TurnRequest
	adhoc   []pipeline.AdHocQuery
	err     error
	execErr error
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.TurnRequest, sink events.Sink) (*pipeline.TurnResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	sid := req.SessionID
	if sid == "" {
		sid = "generated"
	}
	turn := events.NewTurn(sink, sid)
	if f.err != nil {
		_ = turn.Emit(ctx, events.Error, events.ErrorData{Error: f.err.Error()})
		_ = turn.Emit(ctx, events.Done, events.DoneData{SessionID: sid})
		return nil, f.err
	}
	steps := []struct {
		kind events.Kind
		data any
	}{
		{events.StepStarted, events.StepData{Step: "responder"}},
		{events.Token, events.TokenData{Content: "Three "}},
		{events.Token, events.TokenData{Content: "users."}},
		{events.ResponseComplete, events.ResponseData{Response: "Three users.", Narrated: true}},
		{events.Done, events.DoneData{SessionID: sid}},
	}
	for _, s := range steps {
		if err := turn.Emit(ctx, s.kind, s.data); err != nil {
			return nil, err
		}
	}
	return &pipeline.TurnResult{SessionID: sid, Question: req.Question, NaturalLanguageResponse: "Three users."}, nil
}

func (f *fakeRunner) Execute(ctx context.Context, q pipeline.AdHocQuery, sink events.Sink) (*events.ToolExecutionData, error) {
	f.mu.Lock()
	f.adhoc = append(f.adhoc, q)
	f.mu.Unlock()
	if f.execErr != nil {
		return nil, f.execErr
	}
	data := events.ToolExecutionData{ToolName: pipeline.ToolName, Success: true, SQL: q.SQL, RowCount: 1}
	turn := events.NewTurn(sink, q.SessionID)
	if err := turn.Emit(ctx, events.ToolExecutionComplete, data); err != nil {
		return nil, err
	}
	if err := turn.Emit(ctx, events.Done, events.DoneData{SessionID: q.SessionID}); err != nil {
		return nil, err
	}
	return &data, nil
}

type recordingLogger struct {
	mu     sync.Mutex
	events []ConversationLogEvent
}

func (l *recordingLogger) Log(ev ConversationLogEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingLogger) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		AllowedOrigins: []string{"*"},
		RateLimit:      config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
		SSE:            config.SSEConfig{KeepaliveInterval: time.Minute, MaxRequestBodySize: 1 << 20},
	}
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
	h(rec, req)
	return rec
}

// sseEvents returns the event names of an SSE body in order.
func sseEvents(body string) ([]string, []string) {
	var names, data []string
	for _, frame := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				names = append(names, strings.TrimPrefix(line, "event: "))
			case strings.HasPrefix(line, "data: "):
				data = append(data, strings.TrimPrefix(line, "data: "))
			}
		}
	}
	return names, data
}

func TestHandleQueryStreamsSSE(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	logs := &recordingLogger{}
	h := NewHandler(runner, logs, testConfig())

	rec := post(h.HandleQuery, `{"question":"How many users?","session_id":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	names, data := sseEvents(rec.Body.String())
	want := []string{"step_started", "token", "token", "response_complete", "done"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("SSE events mismatch (-want +got):\n%s", diff)
	}
	if data[len(data)-1] != `{"session_id":"s1"}` {
		t.Errorf("done payload = %s", data[len(data)-1])
	}
	if !strings.Contains(rec.Body.String(), "id: 5\n") {
		t.Error("expected SSE ids from event sequence numbers")
	}

	if len(runner.reqs) != 1 || !runner.reqs[0].Execute || runner.reqs[0].SessionID != "s1" {
		t.Errorf("unexpected turn request: %+v", runner.reqs)
	}
	if len(logs.events) != 2 {
		t.Fatalf("logged %d conversation events, want 2", len(logs.events))
	}
	assistant := logs.events[1]
	if assistant.ContentRaw != "Three users." || assistant.Meta["stream_chunks"] != 2 || assistant.Meta["partial"] != false {
		t.Errorf("unexpected assistant log: %+v", assistant)
	}
}

func TestHandleQueryJSON(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	h := NewHandler(runner, nil, testConfig())

	rec := post(h.HandleQuery, `{"question":"How many users?","stream":false,"execute":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got pipeline.TurnResult
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NaturalLanguageResponse != "Three users." || got.SessionID != "generated" {
		t.Errorf("unexpected result: %+v", got)
	}
	if runner.reqs[0].Execute {
		t.Error("execute=false was not forwarded")
	}
}

func TestHandleQueryErrors(t *testing.T) {
	t.Parallel()

	small := testConfig()
	small.SSE.MaxRequestBodySize = 16

	tests := []struct {
		name   string
		runner *fakeRunner
		cfg    *config.Config
		body   string
		want   int
	}{
		{"bad json", &fakeRunner{}, testConfig(), `{`, http.StatusBadRequest},
		{"empty question", &fakeRunner{}, testConfig(), `{"question":"  "}`, http.StatusBadRequest},
		{"bad session", &fakeRunner{}, testConfig(), `{"question":"q","session_id":"a b"}`, http.StatusBadRequest},
		{"too large", &fakeRunner{}, small, `{"question":"a very long question indeed"}`, http.StatusRequestEntityTooLarge},
		{"fault", &fakeRunner{err: &graph.FaultError{Node: graph.NodeResponder, Err: errors.New("llm down")}}, testConfig(), `{"question":"q","stream":false}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewHandler(tt.runner, nil, tt.cfg)
			rec := post(h.HandleQuery, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("expected JSON error body, got %v (%v)", body, err)
			}
		})
	}
}

func TestHandleQueryStreamFault(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: &graph.FaultError{Node: graph.NodeRetrieval, Err: errors.New("catalog unavailable")}}
	logs := &recordingLogger{}
	h := NewHandler(runner, logs, testConfig())

	rec := post(h.HandleQuery, `{"question":"q"}`)
	names, _ := sseEvents(rec.Body.String())
	if diff := cmp.Diff([]string{"error", "done"}, names); diff != "" {
		t.Errorf("SSE events mismatch (-want +got):\n%s", diff)
	}
	if got := logs.events[1].Meta["partial"]; got != true {
		t.Errorf("fault should be logged as partial, got %v", got)
	}
}

func TestHandleQueryRateLimited(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 2
	h := NewHandler(&fakeRunner{}, nil, cfg)

	for i := 0; i < 2; i++ {
		if rec := post(h.HandleQuery, `{"question":"q","stream":false}`); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	if rec := post(h.HandleQuery, `{"question":"q","stream":false}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestHandleExecute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		runner  *fakeRunner
		body    string
		want    int
		wantSSE []string
	}{
		{"json", &fakeRunner{}, `{"sql":"SELECT 1","session_id":"s1"}`, http.StatusOK, nil},
		{"stream", &fakeRunner{}, `{"query_token":"tok","stream":true}`, http.StatusOK, []string{"tool_execution_complete", "done"}},
		{"missing query", &fakeRunner{}, `{"session_id":"s1"}`, http.StatusBadRequest, nil},
		{"unknown token", &fakeRunner{execErr: pipeline.ErrUnknownQueryToken}, `{"query_token":"gone"}`, http.StatusNotFound, nil},
		{"foreign token", &fakeRunner{execErr: pipeline.ErrQueryTokenSession}, `{"query_token":"tok","session_id":"s2"}`, http.StatusForbidden, nil},
		{"stream request error", &fakeRunner{execErr: pipeline.ErrUnknownQueryToken}, `{"query_token":"gone","stream":true}`, http.StatusOK, []string{"error"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewHandler(tt.runner, nil, testConfig())
			rec := post(h.HandleExecute, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.wantSSE != nil {
				names, _ := sseEvents(rec.Body.String())
				if diff := cmp.Diff(tt.wantSSE, names); diff != "" {
					t.Errorf("SSE events mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestWebSocketQuery(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	h := NewHandler(runner, nil, testConfig())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/query/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	readUntil := func(stop string) []string {
		t.Helper()
		var names []string
		for {
			var f wsFrame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				t.Fatalf("read: %v", err)
			}
			names = append(names, f.Event)
			if f.Event == stop {
				return names
			}
		}
	}

	if err := wsjson.Write(ctx, conn, wsMessage{Question: "How many users?", SessionID: "ws-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []string{"step_started", "token", "token", "response_complete", "done"}
	if diff := cmp.Diff(want, readUntil("done")); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}

	if err := wsjson.Write(ctx, conn, wsMessage{Type: "execute", SQL: "SELECT 1", SessionID: "ws-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if diff := cmp.Diff([]string{"tool_execution_complete", "done"}, readUntil("done")); diff != "" {
		t.Errorf("execute frames mismatch (-want +got):\n%s", diff)
	}

	if err := wsjson.Write(ctx, conn, wsMessage{Type: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readUntil("pong"); len(got) != 1 {
		t.Errorf("expected a single pong, got %v", got)
	}

	if err := wsjson.Write(ctx, conn, wsMessage{Type: "query"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readUntil("error"); len(got) != 1 {
		t.Errorf("expected a single error frame, got %v", got)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.reqs) != 1 || runner.reqs[0].SessionID != "ws-1" || !runner.reqs[0].Execute {
		t.Errorf("unexpected requests: %+v", runner.reqs)
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Error("third request inside the window should be limited")
	}
	if !rl.Allow("b") {
		t.Error("limits must be per key")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("a") {
		t.Error("request after the window should pass")
	}

	now = now.Add(2 * time.Minute)
	if removed := rl.Evict(); removed != 2 {
		t.Errorf("Evict removed %d keys, want 2", removed)
	}
}
