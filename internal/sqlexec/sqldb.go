package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/ashureev/sqlagent/internal/domain"
)

// DBExecutor runs queries through database/sql. It serves SQLite and MySQL
// targets.
type DBExecutor struct {
	db         *sql.DB
	dialect    string
	readOnlyTx bool
	maxRows    int
	timeout    time.Duration
}

// NewSQLite opens a SQLite database file with writes disabled.
func NewSQLite(ctx context.Context, cfg Config) (*DBExecutor, error) {
	path := strings.TrimPrefix(cfg.URL, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=query_only(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newDBExecutor(ctx, db, "sqlite", false, cfg)
}

// NewMySQL opens a MySQL database. URL is a go-sql-driver DSN.
func NewMySQL(ctx context.Context, cfg Config) (*DBExecutor, error) {
	mcfg, err := mysql.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	mcfg.ParseTime = true
	if cfg.Schema != "" {
		mcfg.DBName = cfg.Schema
	}
	if mcfg.Timeout == 0 {
		mcfg.Timeout = 10 * time.Second
	}

	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newDBExecutor(ctx, db, "mysql", true, cfg)
}

func newDBExecutor(ctx context.Context, db *sql.DB, dialect string, readOnlyTx bool, cfg Config) (*DBExecutor, error) {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &DBExecutor{
		db:         db,
		dialect:    dialect,
		readOnlyTx: readOnlyTx,
		maxRows:    cfg.MaxRows,
		timeout:    cfg.Timeout,
	}, nil
}

// Execute implements Executor.
func (e *DBExecutor) Execute(ctx context.Context, query string, rowLimit int) (domain.ExecutionResult, error) {
	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.db.BeginTx(qctx, &sql.TxOptions{ReadOnly: e.readOnlyTx})
	if err != nil {
		return domain.ExecutionResult{}, timeoutError(ctx, fmt.Errorf("begin transaction: %w", err), e.timeout)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(qctx, limitedQuery(query, effectiveLimit(rowLimit, e.maxRows)))
	if err != nil {
		return domain.ExecutionResult{}, timeoutError(ctx, err, e.timeout)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close result rows", "error", closeErr)
		}
	}()

	columns, err := rows.Columns()
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[columns[i]] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return domain.ExecutionResult{}, timeoutError(ctx, err, e.timeout)
	}
	return result(columns, out), nil
}

// Tables implements Executor.
func (e *DBExecutor) Tables(ctx context.Context) ([]domain.TableInfo, error) {
	var listQuery, columnQuery string
	switch e.dialect {
	case "mysql":
		listQuery = `SELECT table_name, COALESCE(table_comment, '') FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`
		columnQuery = `SELECT column_name, data_type FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`
	default:
		listQuery = `SELECT name, '' FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
		columnQuery = `SELECT name, type FROM pragma_table_info(?)`
	}

	rows, err := e.db.QueryContext(ctx, listQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var tables []domain.TableInfo
	for rows.Next() {
		var t domain.TableInfo
		if err := rows.Scan(&t.Name, &t.Description); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close table rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	for i := range tables {
		cols, err := e.columns(ctx, columnQuery, tables[i].Name)
		if err != nil {
			return nil, err
		}
		tables[i].Columns = cols
	}
	return tables, nil
}

func (e *DBExecutor) columns(ctx context.Context, query, table string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		col := name
		if typ != "" {
			col += " " + strings.ToLower(typ)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// Ping implements Executor.
func (e *DBExecutor) Ping(ctx context.Context) error { return e.db.PingContext(ctx) }

// Close implements Executor.
func (e *DBExecutor) Close() error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", e.dialect, err)
	}
	return nil
}
