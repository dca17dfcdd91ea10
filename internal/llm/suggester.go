package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/sqlagent/internal/domain"
)

// Suggester proposes follow-up questions after an answered turn.
type Suggester struct {
	client      Client
	count       int
	temperature float64
}

// NewSuggester creates a suggester returning at most count questions.
func NewSuggester(client Client, count int) *Suggester {
	if count <= 0 {
		count = 3
	}
	return &Suggester{client: client, count: count, temperature: 0.3}
}

// Suggest returns follow-up questions for the finished turn.
func (s *Suggester) Suggest(ctx context.Context, st domain.AgentState) ([]string, error) {
	schema := make([]string, 0, len(st.DatabaseInfo))
	for _, t := range st.DatabaseInfo {
		schema = append(schema, tableDocument(t))
	}
	schemaInfo := strings.Join(schema, "\n\n")
	if schemaInfo == "" {
		schemaInfo = "No schema information available."
	}

	content, err := s.client.Complete(ctx, Request{
		System: suggesterSystemPrompt,
		Messages: []domain.Message{domain.UserMessage(fmt.Sprintf(followUpPrompt,
			s.count, st.Question, st.GeneratedSQL, resultsSummary(st), schemaInfo))},
		Temperature: s.temperature,
		MaxTokens:   512,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.WarnContext(ctx, "follow-up generation failed, using column-based questions",
			"session_id", st.SessionID, "error", err)
		return FallbackQuestions(st.Columns, s.count), nil
	}
	if qs := ParseQuestions(content, s.count); len(qs) > 0 {
		return qs, nil
	}
	return FallbackQuestions(st.Columns, s.count), nil
}

// columnQuestions maps result column names to a follow-up question.
var columnQuestions = []struct {
	columns  []string
	question string
}{
	{[]string{"type", "category", "kind", "status"}, "Can you break this down by %s?"},
	{[]string{"region", "country", "city", "location"}, "How does this vary by %s?"},
	{[]string{"created_at", "create_time", "ordered_at", "date", "timestamp"}, "Which of these are the most recent?"},
	{[]string{"amount", "total", "total_amount", "price", "revenue"}, "What is the overall %s?"},
}

var genericQuestions = []string{
	"Can you show a count of these by category?",
	"Which of these are the most recent?",
	"Can you filter these by a specific value?",
}

// FallbackQuestions builds follow-up questions from the result columns when
// the model cannot provide any.
func FallbackQuestions(columns []string, n int) []string {
	if n <= 0 {
		n = 3
	}
	present := make(map[string]string, len(columns))
	for _, c := range columns {
		present[strings.ToLower(c)] = c
	}

	var out []string
	for _, cq := range columnQuestions {
		for _, name := range cq.columns {
			col, ok := present[name]
			if !ok {
				continue
			}
			q := cq.question
			if strings.Contains(q, "%s") {
				q = fmt.Sprintf(q, strings.ReplaceAll(col, "_", " "))
			}
			out = append(out, q)
			break
		}
	}
	if len(out) == 0 {
		out = append(out, genericQuestions...)
	}
	return capQuestions(out, n)
}
