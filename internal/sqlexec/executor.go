// Package sqlexec runs validated, read-only SQL against the target database
// with a row cap and a timeout.
package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/sqlagent/internal/domain"
)

// Defaults applied when Config leaves them zero.
const (
	DefaultMaxRows = 1000
	DefaultTimeout = 30 * time.Second
)

// Executor runs queries and describes the target schema.
type Executor interface {
	Execute(ctx context.Context, sql string, rowLimit int) (domain.ExecutionResult, error)
	Tables(ctx context.Context) ([]domain.TableInfo, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and tunes the target database.
type Config struct {
	Driver  string // postgres, sqlite or mysql
	URL     string
	Schema  string
	MaxRows int
	Timeout time.Duration
}

// Open connects to the configured database.
func Open(ctx context.Context, cfg Config) (Executor, error) {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.URL == "" {
		return nil, errors.New("database url is required")
	}

	var (
		exec Executor
		err  error
	)
	switch cfg.Driver {
	case "postgres", "postgresql", "pgx":
		exec, err = NewPostgres(ctx, cfg)
	case "sqlite", "":
		exec, err = NewSQLite(ctx, cfg)
	case "mysql":
		exec, err = NewMySQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// limitedQuery wraps sql so the database returns at most limit rows.
func limitedQuery(sql string, limit int) string {
	body := strings.TrimSpace(sql)
	for strings.HasSuffix(body, ";") {
		body = strings.TrimSpace(strings.TrimSuffix(body, ";"))
	}
	return fmt.Sprintf("SELECT * FROM (\n%s\n) AS subq LIMIT %d", body, limit)
}

// effectiveLimit clamps a requested row limit to the configured maximum.
func effectiveLimit(requested, max int) int {
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

// timeoutError rewrites a deadline hit by the executor's own timeout.
func timeoutError(parent context.Context, err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("query timed out after %s", timeout)
	}
	return err
}

// result assembles an executed result; rows is never nil.
func result(columns []string, rows []map[string]any) domain.ExecutionResult {
	if rows == nil {
		rows = []map[string]any{}
	}
	if columns == nil {
		columns = []string{}
	}
	return domain.ExecutionResult{
		Executed: true,
		Rows:     rows,
		Columns:  columns,
		RowCount: len(rows),
	}
}
