package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/sqlagent/internal/api"
	"github.com/ashureev/sqlagent/internal/config"
	"github.com/ashureev/sqlagent/internal/events"
	"github.com/ashureev/sqlagent/internal/graph"
	"github.com/ashureev/sqlagent/internal/identity"
	"github.com/ashureev/sqlagent/internal/pipeline"
)

const (
	// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepalive          = 10 * time.Second
	streamBuffer              = 32
)

// Handler handles query HTTP requests.
type Handler struct {
	runner      Runner
	rateLimiter *RateLimiter
	log         ConversationLogger
	keepalive   time.Duration
	maxBody     int64
	origins     []string

	connsMu sync.Mutex
	conns   map[*websocket.Conn]string // conn -> client ID
}

// NewHandler creates a query handler. A nil cfg uses defaults.
func NewHandler(runner Runner, conversationLogger ConversationLogger, cfg *config.Config) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}

	rateLimitRequests := 30
	rateLimitWindow := time.Minute
	keepalive := defaultKeepalive
	maxBody := int64(defaultMaxRequestBodySize)
	origins := []string{"*"}
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		keepalive = cfg.SSE.KeepaliveInterval
		maxBody = cfg.SSE.MaxRequestBodySize
		if len(cfg.AllowedOrigins) > 0 {
			origins = cfg.AllowedOrigins
		}
	}

	return &Handler{
		runner:      runner,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		log:         conversationLogger,
		keepalive:   keepalive,
		maxBody:     maxBody,
		origins:     origins,
		conns:       make(map[*websocket.Conn]string),
	}
}

// RateLimiter returns the handler's limiter so callers can run eviction.
func (h *Handler) RateLimiter() *RateLimiter { return h.rateLimiter }

// RegisterRoutes registers the query routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/query", h.HandleQuery)
	r.Post("/api/v1/query/execute", h.HandleExecute)
	r.Get("/api/v1/query/ws", h.HandleWebSocket)
}

// Close closes open WebSockets and flushes the conversation log.
func (h *Handler) Close() {
	h.connsMu.Lock()
	for conn := range h.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.conns = make(map[*websocket.Conn]string)
	h.connsMu.Unlock()

	if h.log != nil {
		if err := h.log.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	}
}

func clientKey(r *http.Request) string {
	if id := identity.ClientIDFromContext(r.Context()); id != "" {
		return id
	}
	return identity.IPFromRequest(r)
}

// decodeBody reads a size-limited JSON body into v and writes the error
// response itself when it fails.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// resolveSessionID prefers the body's session ID over the request header.
func resolveSessionID(r *http.Request, fromBody string) (string, bool) {
	if fromBody == "" {
		return identity.SessionIDFromContext(r.Context()), true
	}
	id := identity.SanitizeSessionID(fromBody)
	return id, id != ""
}

// HandleQuery handles POST /api/v1/query.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	client := clientKey(r)
	if !h.rateLimiter.Allow(client) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req QueryRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		api.Error(w, http.StatusBadRequest, "question is required")
		return
	}
	sessionID, ok := resolveSessionID(r, req.SessionID)
	if !ok {
		api.Error(w, http.StatusBadRequest, "invalid session_id")
		return
	}

	turn := pipeline.TurnRequest{
		SessionID: sessionID,
		Question:  req.Question,
		Execute:   boolOr(req.Execute, true),
	}
	reqID := chiMiddleware.GetReqID(r.Context())

	slog.Info("query request",
		"client_id", client,
		"session_id", sessionID,
		"question_length", len(req.Question),
		"stream", boolOr(req.Stream, true),
	)
	h.logUserMessage(client, sessionID, "query_http", req.Question, reqID)

	if !boolOr(req.Stream, true) {
		res, err := h.runner.Run(r.Context(), turn, events.Discard)
		if err != nil {
			h.writeRunError(w, r, err)
			h.logAssistantMessage(client, sessionID, "query_http", "", 0, true, err.Error(), reqID)
			return
		}
		h.logAssistantMessage(client, res.SessionID, "query_http", res.NaturalLanguageResponse, 0, false, "", reqID)
		api.JSON(w, http.StatusOK, res)
		return
	}

	sum := h.streamSSE(w, r, func(ctx context.Context, sink events.Sink) error {
		_, err := h.runner.Run(ctx, turn, sink)
		return err
	})
	if sum.sessionID == "" {
		sum.sessionID = sessionID
	}
	h.logAssistantMessage(client, sum.sessionID, "query_http", sum.response, sum.tokens, sum.partial, sum.errMsg, reqID)
}

// HandleExecute handles POST /api/v1/query/execute.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	client := clientKey(r)
	if !h.rateLimiter.Allow(client) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ExecuteRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SQL) == "" && req.QueryToken == "" {
		api.Error(w, http.StatusBadRequest, pipeline.ErrNoQuery.Error())
		return
	}
	sessionID, ok := resolveSessionID(r, req.SessionID)
	if !ok {
		api.Error(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	q := pipeline.AdHocQuery{SessionID: sessionID, SQL: req.SQL, QueryToken: req.QueryToken}

	if !boolOr(req.Stream, false) {
		data, err := h.runner.Execute(r.Context(), q, events.Discard)
		if err != nil {
			h.writeRunError(w, r, err)
			return
		}
		api.JSON(w, http.StatusOK, data)
		return
	}

	h.streamSSE(w, r, func(ctx context.Context, sink events.Sink) error {
		_, err := h.runner.Execute(ctx, q, sink)
		return err
	})
}

func (h *Handler) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuestion), errors.Is(err, pipeline.ErrNoQuery):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownQueryToken):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrQueryTokenSession):
		status = http.StatusForbidden
	case errors.Is(err, pipeline.ErrAdHocDisabled):
		status = http.StatusNotImplemented
	default:
		if _, ok := graph.AsFault(err); ok {
			status = http.StatusBadGateway
		}
	}
	api.Error(w, status, err.Error())
}

// streamSummary is what the conversation log keeps of a streamed turn.
type streamSummary struct {
	sessionID string
	response  string
	tokens    int
	partial   bool
	errMsg    string
}

// streamSSE runs produce with a channel sink and forwards its events as SSE
// frames, interleaving keepalive pings. A failed write cancels the producer.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, produce func(ctx context.Context, sink events.Sink) error) streamSummary {
	var sum streamSummary

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		sum.partial, sum.errMsg = true, "streaming not supported"
		return sum
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	em := events.NewEmitter(streamBuffer)
	errCh := make(chan error, 1)
	go func() {
		defer em.Close()
		errCh <- produce(ctx, em)
	}()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	written := 0
	for {
		select {
		case ev, ok := <-em.Events():
			if !ok {
				if err := <-errCh; err != nil && ctx.Err() == nil {
					sum.partial, sum.errMsg = true, err.Error()
					if written == 0 {
						data, _ := json.Marshal(events.ErrorData{Error: err.Error()})
						if writeErr := writeSSE(w, string(events.Error), string(data)); writeErr == nil {
							flusher.Flush()
						}
					}
				}
				return sum
			}
			summarize(&sum, ev)
			data, err := ev.Payload()
			if err != nil {
				slog.Warn("failed to marshal event", "event", ev.Kind, "error", err)
				continue
			}
			if err := writeSSEWithID(w, int64(ev.Seq), string(ev.Kind), string(data)); err != nil {
				slog.Warn("failed to write SSE event", "event", ev.Kind, "error", err)
				sum.partial, sum.errMsg = true, err.Error()
				cancel()
				return sum
			}
			flusher.Flush()
			written++
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err)
				cancel()
				return sum
			}
			flusher.Flush()
		case <-ctx.Done():
			slog.Info("query stream disconnected", "session_id", sum.sessionID)
			sum.partial = true
			return sum
		}
	}
}

func summarize(sum *streamSummary, ev events.Event) {
	sum.sessionID = ev.SessionID
	switch d := ev.Data.(type) {
	case events.TokenData:
		sum.tokens++
	case events.ResponseData:
		sum.response = d.Response
	case events.ErrorData:
		sum.partial, sum.errMsg = true, d.Error
	}
}

func (h *Handler) logUserMessage(clientID, sessionID, channel, question, requestID string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     clientID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "query_user_message",
		ContentRaw: question,
		Content:    cleanForReadability(question),
		Meta: map[string]any{
			"request_id": requestID,
		},
	})
}

func (h *Handler) logAssistantMessage(clientID, sessionID, channel, content string, streamChunks int, partial bool, streamErrMsg, requestID string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     clientID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "query_assistant_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta: map[string]any{
			"stream_chunks": streamChunks,
			"partial":       partial,
			"stream_error":  streamErrMsg,
			"request_id":    requestID,
		},
	})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
