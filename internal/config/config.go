// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCAddr       string // empty disables the gRPC health server
	FrontendURL    string
	AllowedOrigins []string

	Session         SessionConfig
	Database        DatabaseConfig
	LLM             LLMConfig
	Retrieval       RetrievalConfig
	Agent           AgentConfig
	QueryCacheTTL   time.Duration
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// SessionConfig selects the conversation store.
type SessionConfig struct {
	Backend string // sqlite or memory
	DBPath  string
}

// DatabaseConfig points at the database questions are answered from.
type DatabaseConfig struct {
	Driver  string // postgres, sqlite or mysql
	URL     string
	Schema  string
	MaxRows int
	Timeout time.Duration
}

// LLMConfig selects and tunes the language model.
type LLMConfig struct {
	Provider             string
	Model                string
	AnthropicAPIKey      string
	GoogleAPIKey         string
	MaxTokens            int
	GeneratorTemperature float64
	ResponderTemperature float64
	SystemRules          string
}

// RetrievalConfig locates the reference catalog and bounds retrieval.
type RetrievalConfig struct {
	ReferencePath string
	TopSQLPairs   int
	TopMetadata   int
	TopTables     int
}

// AgentConfig tunes the turn graph.
type AgentConfig struct {
	MaxRetries           int
	HistoryWindow        int
	ResponderFaultPolicy string
	SuggestionsEnabled   bool
	SuggestionsCount     int
}

// RateLimitConfig bounds query requests per client.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes event streaming.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCAddr:       getEnv("GRPC_ADDR", ":9090"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		Session: SessionConfig{
			Backend: strings.ToLower(getEnv("SESSION_BACKEND", "sqlite")),
			DBPath:  getEnv("DB_PATH", "./data/sessions.db"),
		},
		Database: DatabaseConfig{
			Driver:  strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
			URL:     getEnv("DATABASE_URL", "./data/warehouse.db"),
			Schema:  getEnv("DATABASE_SCHEMA", "public"),
			MaxRows: getEnvInt("SQL_MAX_ROWS", 1000),
			Timeout: getEnvDuration("SQL_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			Provider:             strings.ToLower(getEnv("LLM_PROVIDER", "anthropic")),
			Model:                getEnv("LLM_MODEL", ""),
			AnthropicAPIKey:      getEnv("ANTHROPIC_API_KEY", ""),
			GoogleAPIKey:         getEnv("GOOGLE_API_KEY", ""),
			MaxTokens:            getEnvInt("LLM_MAX_TOKENS", 2048),
			GeneratorTemperature: getEnvFloat("LLM_GENERATOR_TEMPERATURE", 0),
			ResponderTemperature: getEnvFloat("LLM_RESPONDER_TEMPERATURE", 0.3),
			SystemRules:          getEnv("SYSTEM_RULES", ""),
		},
		Retrieval: RetrievalConfig{
			ReferencePath: getEnv("REFERENCE_DATA_PATH", "./data/reference.yaml"),
			TopSQLPairs:   getEnvInt("RETRIEVAL_TOP_SQL_PAIRS", 5),
			TopMetadata:   getEnvInt("RETRIEVAL_TOP_METADATA", 5),
			TopTables:     getEnvInt("RETRIEVAL_TOP_TABLES", 10),
		},
		Agent: AgentConfig{
			MaxRetries:           getEnvInt("AGENT_MAX_RETRIES", 2),
			HistoryWindow:        getEnvInt("AGENT_HISTORY_WINDOW", 10),
			ResponderFaultPolicy: strings.ToLower(getEnv("AGENT_RESPONDER_FAULT_POLICY", "discard")),
			SuggestionsEnabled:   getEnvBool("SUGGESTIONS_ENABLED", true),
			SuggestionsCount:     getEnvInt("SUGGESTIONS_COUNT", 3),
		},
		QueryCacheTTL: getEnvDuration("QUERY_CACHE_TTL", time.Hour),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // One branch per setting keeps the error messages exact.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Session.Backend {
	case "sqlite":
		if c.Session.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("SESSION_BACKEND must be sqlite or memory, got %q", c.Session.Backend)
	}
	switch c.Database.Driver {
	case "postgres", "postgresql", "pgx", "sqlite", "mysql":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres, sqlite or mysql, got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	if c.Database.MaxRows <= 0 {
		return fmt.Errorf("SQL_MAX_ROWS must be > 0")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("SQL_TIMEOUT must be > 0")
	}
	switch c.LLM.Provider {
	case "anthropic", "gemini", "google":
	default:
		return fmt.Errorf("LLM_PROVIDER must be anthropic or gemini, got %q", c.LLM.Provider)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("AGENT_MAX_RETRIES must be >= 0")
	}
	if c.Agent.HistoryWindow <= 0 {
		return fmt.Errorf("AGENT_HISTORY_WINDOW must be > 0")
	}
	switch c.Agent.ResponderFaultPolicy {
	case "discard", "return_results":
	default:
		return fmt.Errorf("AGENT_RESPONDER_FAULT_POLICY must be discard or return_results, got %q", c.Agent.ResponderFaultPolicy)
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
