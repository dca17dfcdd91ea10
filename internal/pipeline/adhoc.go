package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/sqlagent/internal/domain"
	"github.com/ashureev/sqlagent/internal/events"
	"github.com/ashureev/sqlagent/internal/querycache"
)

// ToolName identifies ad hoc executions in tool_execution_complete events.
const ToolName = "execute_sql"

var (
	// ErrNoQuery is returned when an ad hoc request has neither SQL nor a
	// query token.
	ErrNoQuery = errors.New("sql or query_token is required")
	// ErrUnknownQueryToken is returned for expired or unknown tokens.
	ErrUnknownQueryToken = errors.New("query token not found or expired")
	// ErrQueryTokenSession is returned when a token is presented with a
	// session other than the one that created it.
	ErrQueryTokenSession = errors.New("query token belongs to another session")
	// ErrAdHocDisabled is returned when no executor is configured.
	ErrAdHocDisabled = errors.New("ad hoc execution is not configured")
)

// SQLChecker validates ad hoc SQL for safety without consulting the catalog.
type SQLChecker interface {
	Check(sql string) domain.ValidationResult
}

// QueryCache stores executed SQL under tokens.
type QueryCache interface {
	Put(sql, sessionID string) string
	Get(token string) (querycache.Entry, bool)
}

// AdHocQuery re-runs SQL outside the graph, either given directly or by the
// token of an earlier execution.
type AdHocQuery struct {
	SessionID  string
	SQL        string
	QueryToken string
}

// Execute validates and runs an ad hoc query, emitting
// tool_execution_complete then done. The session is not modified. Request
// errors are returned before any event is emitted; validation and execution
// failures are reported in the event with Success false.
func (c *Coordinator) Execute(ctx context.Context, q AdHocQuery, sink events.Sink) (*events.ToolExecutionData, error) {
	if c.executor == nil || c.checker == nil {
		return nil, ErrAdHocDisabled
	}
	sql := strings.TrimSpace(q.SQL)
	sessionID := q.SessionID
	if sql == "" {
		if q.QueryToken == "" {
			return nil, ErrNoQuery
		}
		if c.queries == nil {
			return nil, ErrUnknownQueryToken
		}
		entry, ok := c.queries.Get(q.QueryToken)
		if !ok {
			return nil, ErrUnknownQueryToken
		}
		switch {
		case sessionID == "":
			sessionID = entry.SessionID
		case entry.SessionID != "" && entry.SessionID != sessionID:
			return nil, ErrQueryTokenSession
		}
		sql = entry.SQL
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	turn := events.NewTurn(sink, sessionID)
	if c.observer != nil {
		turn.OnEmit(c.observer.EventEmitted)
	}

	data := c.runAdHoc(ctx, sessionID, sql)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := turn.Emit(ctx, events.ToolExecutionComplete, data); err != nil {
		return nil, err
	}
	if err := turn.Emit(ctx, events.Done, events.DoneData{SessionID: sessionID}); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *Coordinator) runAdHoc(ctx context.Context, sessionID, sql string) events.ToolExecutionData {
	data := events.ToolExecutionData{
		ToolName: ToolName,
		SQL:      sql,
		Rows:     []map[string]any{},
		Columns:  []string{},
	}

	check := c.checker.Check(sql)
	data.Warnings = check.Warnings
	if !check.IsValid {
		data.Error = strings.Join(check.Errors, "; ")
		return data
	}

	res, err := c.executor.Execute(ctx, sql, c.rowLimit)
	if err != nil {
		data.Error = err.Error()
		c.logger.WarnContext(ctx, "ad hoc query failed", "session_id", sessionID, "error", err)
		return data
	}
	if res.Error != "" {
		data.Error = res.Error
		return data
	}

	data.Success = true
	data.RowCount = res.RowCount
	if res.Rows != nil {
		data.Rows = res.Rows
	}
	if res.Columns != nil {
		data.Columns = res.Columns
	}
	if c.queries != nil {
		data.QueryToken = c.queries.Put(sql, sessionID)
	}
	return data
}
