// Package llm talks to hosted language models and builds the SQL generator,
// narrator and suggester on top of them.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/sqlagent/internal/domain"
)

// Request is a single chat completion.
type Request struct {
	System      string
	Messages    []domain.Message
	Temperature float64
	MaxTokens   int
}

// Client is a chat-completion backend.
type Client interface {
	// Complete returns the full response text.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream yields text fragments as they arrive. A non-nil error ends the
	// sequence.
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Default models per provider.
const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultGeminiModel    = "gemini-2.5-flash"
)

// Config selects a provider.
type Config struct {
	Provider        string
	Model           string
	AnthropicAPIKey string
	GoogleAPIKey    string
}

// ErrEmptyResponse is returned when a model produces no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// New creates the client for cfg.Provider.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderAnthropic, "":
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return NewAnthropic(cfg.AnthropicAPIKey, cfg.Model), nil
	case ProviderGemini, "google":
		if cfg.GoogleAPIKey == "" {
			return nil, errors.New("GOOGLE_API_KEY is required for the gemini provider")
		}
		return NewGemini(ctx, cfg.GoogleAPIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// collect drains a stream into one string, forwarding each fragment.
func collect(seq iter.Seq2[string, error], onToken func(string) error) (string, error) {
	var b strings.Builder
	for text, err := range seq {
		if err != nil {
			return b.String(), err
		}
		if text == "" {
			continue
		}
		b.WriteString(text)
		if onToken != nil {
			if err := onToken(text); err != nil {
				return b.String(), err
			}
		}
	}
	return b.String(), nil
}
