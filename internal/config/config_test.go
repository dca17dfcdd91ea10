package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Session.Backend != "sqlite" || cfg.Session.DBPath != "./data/sessions.db" {
		t.Errorf("unexpected session config: %+v", cfg.Session)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.MaxRows != 1000 || cfg.Database.Timeout != 30*time.Second {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Agent.MaxRetries != 2 || cfg.Agent.HistoryWindow != 10 || cfg.Agent.ResponderFaultPolicy != "discard" {
		t.Errorf("unexpected agent config: %+v", cfg.Agent)
	}
	if cfg.LLM.ResponderTemperature != 0.3 || cfg.LLM.GeneratorTemperature != 0 {
		t.Errorf("unexpected temperatures: %+v", cfg.LLM)
	}
	if cfg.QueryCacheTTL != time.Hour {
		t.Errorf("QueryCacheTTL = %s", cfg.QueryCacheTTL)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AGENT_MAX_RETRIES", "4")
	t.Setenv("SQL_TIMEOUT", "5s")
	t.Setenv("LLM_RESPONDER_TEMPERATURE", "0.7")
	t.Setenv("SUGGESTIONS_ENABLED", "off")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("SESSION_BACKEND", "MEMORY")
	t.Setenv("AGENT_RESPONDER_FAULT_POLICY", "return_results")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d", cfg.Agent.MaxRetries)
	}
	if cfg.Database.Timeout != 5*time.Second {
		t.Errorf("Timeout = %s", cfg.Database.Timeout)
	}
	if cfg.LLM.ResponderTemperature != 0.7 {
		t.Errorf("ResponderTemperature = %v", cfg.LLM.ResponderTemperature)
	}
	if cfg.Agent.SuggestionsEnabled {
		t.Error("SuggestionsEnabled should be false")
	}
	if cfg.Session.Backend != "memory" {
		t.Errorf("Backend = %q", cfg.Session.Backend)
	}
	if cfg.Agent.ResponderFaultPolicy != "return_results" {
		t.Errorf("ResponderFaultPolicy = %q", cfg.Agent.ResponderFaultPolicy)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SQL_TIMEOUT", "soon")
	t.Setenv("SQL_MAX_ROWS", "many")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Timeout != 30*time.Second || cfg.Database.MaxRows != 1000 {
		t.Errorf("malformed values should fall back to defaults: %+v", cfg.Database)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"SESSION_BACKEND", "redis", "SESSION_BACKEND"},
		{"DATABASE_DRIVER", "oracle", "DATABASE_DRIVER"},
		{"LLM_PROVIDER", "openai", "LLM_PROVIDER"},
		{"AGENT_MAX_RETRIES", "-1", "AGENT_MAX_RETRIES"},
		{"AGENT_RESPONDER_FAULT_POLICY", "retry", "AGENT_RESPONDER_FAULT_POLICY"},
		{"PORT", "", "PORT"},
		{"DATABASE_URL", "", "DATABASE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"https://sql.example.com", false},
	}
	for _, tt := range tests {
		if got := (&Config{FrontendURL: tt.url}).IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
