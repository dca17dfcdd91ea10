// Package app assembles the agent from configuration. Both the server and
// the command line client build their components through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/sqlagent/internal/config"
	"github.com/ashureev/sqlagent/internal/graph"
	"github.com/ashureev/sqlagent/internal/health"
	"github.com/ashureev/sqlagent/internal/llm"
	"github.com/ashureev/sqlagent/internal/metrics"
	"github.com/ashureev/sqlagent/internal/pipeline"
	"github.com/ashureev/sqlagent/internal/querycache"
	"github.com/ashureev/sqlagent/internal/retrieval"
	"github.com/ashureev/sqlagent/internal/sqlexec"
	"github.com/ashureev/sqlagent/internal/sqlguard"
	"github.com/ashureev/sqlagent/internal/store"
)

// App holds the long-lived components of a running agent.
type App struct {
	Config      *config.Config
	Sessions    store.SessionStore
	Executor    sqlexec.Executor
	Catalog     *retrieval.Catalog
	Queries     *querycache.Cache
	Metrics     *metrics.Metrics
	Health      *health.Checker
	Coordinator *pipeline.Coordinator
}

// Build connects to the session store and the target database, loads the
// reference catalog and wires the turn graph. Close releases what Build
// opened.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := graph.ParseFaultPolicy(cfg.Agent.ResponderFaultPolicy)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	a.Sessions, err = store.Open(cfg.Session.Backend, cfg.Session.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if err := a.Sessions.Ping(ctx); err != nil {
		return nil, fmt.Errorf("session store health check: %w", err)
	}
	logger.Info("Session store ready", "backend", cfg.Session.Backend)

	a.Executor, err = sqlexec.Open(ctx, sqlexec.Config{
		Driver:  cfg.Database.Driver,
		URL:     cfg.Database.URL,
		Schema:  cfg.Database.Schema,
		MaxRows: cfg.Database.MaxRows,
		Timeout: cfg.Database.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("Database connected", "driver", cfg.Database.Driver)

	a.Catalog, err = retrieval.LoadCatalog(cfg.Retrieval.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("load reference catalog: %w", err)
	}
	if tables, err := a.Executor.Tables(ctx); err != nil {
		logger.Warn("Schema discovery failed, using catalog tables only", "error", err)
	} else {
		added := a.Catalog.MergeTables(tables)
		logger.Info("Schema discovered", "tables", len(tables), "added", added)
	}
	pairs, meta, tables := a.Catalog.Size()
	logger.Info("Reference catalog loaded", "sql_pairs", pairs, "metadata", meta, "tables", tables)

	client, err := llm.New(ctx, llm.Config{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		GoogleAPIKey:    cfg.LLM.GoogleAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	a.Queries = querycache.New(cfg.QueryCacheTTL, 0)
	a.Metrics = metrics.New()
	validator := sqlguard.New(a.Catalog)

	engine, err := graph.New(graph.Collaborators{
		Retriever: retrieval.NewRetriever(a.Catalog, retrieval.Limits{
			SQLPairs:     cfg.Retrieval.TopSQLPairs,
			Metadata:     cfg.Retrieval.TopMetadata,
			DatabaseInfo: cfg.Retrieval.TopTables,
		}),
		Generator: llm.NewSQLGenerator(client, llm.GeneratorConfig{
			Dialect:     cfg.Database.Driver,
			SystemRules: cfg.LLM.SystemRules,
			Temperature: cfg.LLM.GeneratorTemperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Logger:      logger,
		}),
		Validator: validator,
		Executor:  a.Executor,
		Responder: llm.NewNarrator(client, cfg.LLM.ResponderTemperature, cfg.LLM.MaxTokens),
	}, graph.Config{
		MaxRetries:     cfg.Agent.MaxRetries,
		RowLimit:       cfg.Database.MaxRows,
		HistoryWindow:  cfg.Agent.HistoryWindow,
		ResponderFault: policy,
		Tokens:         a.Queries,
		Observer:       a.Metrics,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	var suggester pipeline.Suggester
	if cfg.Agent.SuggestionsEnabled {
		suggester = llm.NewSuggester(client, cfg.Agent.SuggestionsCount)
	}

	a.Coordinator, err = pipeline.New(pipeline.Config{
		Store:     a.Sessions,
		Engine:    engine,
		Suggester: suggester,
		Observer:  a.Metrics,
		Logger:    logger,
		Checker:   validator,
		Executor:  a.Executor,
		Queries:   a.Queries,
		RowLimit:  cfg.Database.MaxRows,
	})
	if err != nil {
		return nil, err
	}

	a.Health = health.NewChecker(version)
	a.Health.Add("session_store", a.Sessions.Ping)
	a.Health.Add("database", a.Executor.Ping)

	ok = true
	return a, nil
}

// Close releases the database and session store connections.
func (a *App) Close() error {
	var errs []error
	if a.Executor != nil {
		if err := a.Executor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if a.Sessions != nil {
		if err := a.Sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}
	return errors.Join(errs...)
}
