package llm

import (
	"context"

	"github.com/ashureev/sqlagent/internal/domain"
)

// Narrator implements graph.Responder by streaming a model's explanation of
// the turn outcome.
type Narrator struct {
	client      Client
	temperature float64
	maxTokens   int
}

// NewNarrator creates a narrator.
func NewNarrator(client Client, temperature float64, maxTokens int) *Narrator {
	return &Narrator{client: client, temperature: temperature, maxTokens: maxTokens}
}

// Respond implements graph.Responder.
func (n *Narrator) Respond(ctx context.Context, st domain.AgentState, onToken func(string) error) (string, error) {
	text, err := collect(n.client.Stream(ctx, Request{
		System:      narratorSystemPrompt,
		Messages:    []domain.Message{domain.UserMessage(narratorPrompt(st))},
		Temperature: n.temperature,
		MaxTokens:   n.maxTokens,
	}), onToken)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
