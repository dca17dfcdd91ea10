package sqlexec

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/sqlagent/internal/domain"
)

// PostgresExecutor runs queries through a pgx pool inside read-only
// transactions.
type PostgresExecutor struct {
	pool    *pgxpool.Pool
	schema  string
	maxRows int
	timeout time.Duration
}

// NewPostgres creates the pool, pins search_path to the configured schema
// and verifies connectivity.
func NewPostgres(ctx context.Context, cfg Config) (*PostgresExecutor, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = 30 * time.Second

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresExecutor{
		pool:    pool,
		schema:  schema,
		maxRows: cfg.MaxRows,
		timeout: cfg.Timeout,
	}, nil
}

// Execute implements Executor.
func (p *PostgresExecutor) Execute(ctx context.Context, sql string, rowLimit int) (domain.ExecutionResult, error) {
	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.pool.BeginTx(qctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.ExecutionResult{}, timeoutError(ctx, fmt.Errorf("begin read-only transaction: %w", err), p.timeout)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	rows, err := tx.Query(qctx, limitedQuery(sql, effectiveLimit(rowLimit, p.maxRows)))
	if err != nil {
		return domain.ExecutionResult{}, timeoutError(ctx, err, p.timeout)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("read row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, v := range values {
			row[columns[i]] = pgValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return domain.ExecutionResult{}, timeoutError(ctx, err, p.timeout)
	}
	return result(columns, out), nil
}

// pgValue converts driver values into JSON-friendly ones.
func pgValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	default:
		return v
	}
}

// Tables lists the base tables of the schema with their columns.
func (p *PostgresExecutor) Tables(ctx context.Context) ([]domain.TableInfo, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT table_name, COALESCE(obj_description(to_regclass(quote_ident(table_schema) || '.' || quote_ident(table_name)), 'pg_class'), '')
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, p.schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var tables []domain.TableInfo
	for rows.Next() {
		var t domain.TableInfo
		if err := rows.Scan(&t.Name, &t.Description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range tables {
		g.Go(func() error {
			cols, err := p.columns(gctx, tables[i].Name)
			if err != nil {
				return err
			}
			tables[i].Columns = cols
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (p *PostgresExecutor) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, p.schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, name+" "+typ)
	}
	return cols, rows.Err()
}

// Ping implements Executor.
func (p *PostgresExecutor) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Close implements Executor.
func (p *PostgresExecutor) Close() error {
	p.pool.Close()
	return nil
}
