package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/sqlagent/internal/events"
	"github.com/ashureev/sqlagent/internal/identity"
	"github.com/ashureev/sqlagent/internal/pipeline"
)

// HandleWebSocket handles GET /api/v1/query/ws. Every text frame from the
// client is a request; requests on one connection run one at a time and
// their events are written back as {event, seq, data} frames.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	client := clientKey(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "client_id", client)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "client_id", client)
		}
	}()

	h.register(ws, client)
	defer h.unregister(ws)

	ctx := r.Context()
	defaultSession := identity.SessionIDFromContext(ctx)
	slog.Info("query websocket connected", "client_id", client, "session_id", defaultSession)

	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "client_id", client)
			} else {
				slog.Warn("WebSocket read error", "error", err, "client_id", client)
			}
			return
		}
		if err := h.dispatch(ctx, ws, client, defaultSession, msg); err != nil {
			slog.Debug("WebSocket write failed", "error", err, "client_id", client)
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, ws *websocket.Conn, client, defaultSession string, msg wsMessage) error {
	if msg.Type == "" {
		msg.Type = "query"
	}
	switch msg.Type {
	case "ping":
		return writeFrame(ctx, ws, "pong", 0, map[string]string{"status": "alive"})
	case "query", "execute":
	default:
		return writeError(ctx, ws, "unknown message type: "+msg.Type)
	}

	if !h.rateLimiter.Allow(client) {
		return writeError(ctx, ws, "rate limit exceeded")
	}
	sessionID := defaultSession
	if msg.SessionID != "" {
		if sessionID = identity.SanitizeSessionID(msg.SessionID); sessionID == "" {
			return writeError(ctx, ws, "invalid session_id")
		}
	}

	sink := events.SinkFunc(func(ctx context.Context, ev events.Event) error {
		return writeFrame(ctx, ws, string(ev.Kind), ev.Seq, ev.Data)
	})

	if msg.Type == "execute" {
		_, err := h.runner.Execute(ctx, pipeline.AdHocQuery{SessionID: sessionID, SQL: msg.SQL, QueryToken: msg.QueryToken}, sink)
		return h.reportWSError(ctx, ws, err)
	}

	question := strings.TrimSpace(msg.Question)
	if question == "" {
		return writeError(ctx, ws, "question is required")
	}
	h.logUserMessage(client, sessionID, "query_ws", question, "")
	res, err := h.runner.Run(ctx, pipeline.TurnRequest{
		SessionID: sessionID,
		Question:  question,
		Execute:   boolOr(msg.Execute, true),
	}, sink)
	if err == nil {
		h.logAssistantMessage(client, res.SessionID, "query_ws", res.NaturalLanguageResponse, 0, false, "", "")
		return nil
	}
	h.logAssistantMessage(client, sessionID, "query_ws", "", 0, true, err.Error(), "")
	// Faults were already reported as error and done events.
	return ctx.Err()
}

// reportWSError writes request errors that were returned before any event.
func (h *Handler) reportWSError(ctx context.Context, ws *websocket.Conn, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, pipeline.ErrNoQuery), errors.Is(err, pipeline.ErrUnknownQueryToken),
		errors.Is(err, pipeline.ErrQueryTokenSession), errors.Is(err, pipeline.ErrAdHocDisabled):
		return writeError(ctx, ws, err.Error())
	}
	return nil
}

func (h *Handler) originPatterns() []string {
	patterns := make([]string, 0, len(h.origins))
	for _, o := range h.origins {
		// OriginPatterns match hosts, not full origins.
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		patterns = append(patterns, o)
	}
	return patterns
}

func (h *Handler) register(ws *websocket.Conn, client string) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	h.conns[ws] = client
}

func (h *Handler) unregister(ws *websocket.Conn) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	delete(h.conns, ws)
}

func writeFrame(ctx context.Context, ws *websocket.Conn, event string, seq int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if data == nil {
		raw = []byte("{}")
	}
	return wsjson.Write(ctx, ws, wsFrame{Event: event, Seq: seq, Data: raw})
}

func writeError(ctx context.Context, ws *websocket.Conn, message string) error {
	return writeFrame(ctx, ws, string(events.Error), 0, events.ErrorData{Error: message})
}
