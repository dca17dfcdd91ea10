package llm

import (
	"context"
	"log/slog"

	"github.com/ashureev/sqlagent/internal/domain"
	"github.com/ashureev/sqlagent/internal/graph"
)

// GeneratorConfig tunes the SQL generator.
type GeneratorConfig struct {
	Dialect     string
	SystemRules string
	Temperature float64
	MaxTokens   int
	Logger      *slog.Logger
}

// SQLGenerator implements graph.Generator with a chat model.
type SQLGenerator struct {
	client Client
	system string
	cfg    GeneratorConfig
	logger *slog.Logger
}

// NewSQLGenerator creates a generator.
func NewSQLGenerator(client Client, cfg GeneratorConfig) *SQLGenerator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLGenerator{
		client: client,
		system: generatorSystem(cfg.Dialect, cfg.SystemRules),
		cfg:    cfg,
		logger: logger,
	}
}

// Generate implements graph.Generator.
func (g *SQLGenerator) Generate(ctx context.Context, in graph.GenerateInput) (domain.Generation, error) {
	content, err := g.client.Complete(ctx, Request{
		System:      g.system,
		Messages:    generatorMessages(in),
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return domain.Generation{}, err
	}

	gen := ParseGeneration(content)
	g.logger.DebugContext(ctx, "sql generated",
		"attempt", in.Attempt,
		"has_sql", gen.SQL != "",
		"response_type", string(gen.Special),
	)
	return gen, nil
}
