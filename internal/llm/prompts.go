package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/sqlagent/internal/domain"
	"github.com/ashureev/sqlagent/internal/graph"
)

const generatorSystemPrompt = `You are an expert SQL developer. Your task is to convert natural language questions into accurate SQL queries for the %s database described in the context.

IMPORTANT RULES:
1. Only generate SELECT or WITH (CTE) statements - never INSERT, UPDATE, DELETE, DROP, etc.
2. Use syntax and functions supported by %s
3. Always consider performance and avoid SELECT *
4. Include LIMIT clauses when appropriate to prevent large result sets
5. Use table aliases for clarity in complex queries
6. Handle NULL values appropriately
%s
Based on the context provided, generate a SQL query that accurately answers the user's question.

Respond with:
1. The SQL query wrapped in ` + "```sql ... ```" + ` code blocks
2. A brief explanation of what the query does and why you chose this approach

If the question cannot be answered with SQL over this data, reply with exactly one line starting with a tag instead of SQL:
[OUT_OF_SCOPE] <message> when the question is unrelated to the data
[READ_ONLY] <message> when the user asks to modify data
[RESOURCE_NOT_FOUND] <message> when the requested kind of data is not stored
[NEEDS_CLARIFICATION] <question back to the user> when the question is too ambiguous`

const narratorSystemPrompt = `You are a helpful data analyst assistant. Your task is to explain SQL query results in clear, natural language.

## RESPONSE GUIDELINES
When presenting results:
1. Start with a direct answer to the user's question
2. Summarize key findings from the data
3. Mention the number of rows returned if relevant
4. Highlight any notable patterns or outliers
5. Keep the response concise but informative

## HANDLING SPECIAL SCENARIOS

If the query returned no results:
- Explain that no matching rows were found
- Suggest the data might not exist or might not match the specified criteria
- Offer to help refine the question

If there was a validation error about tables not existing:
- Explain that the requested kind of data is not tracked in the database
- Suggest asking about something else

If there was a validation error about prohibited operations:
- Explain that this system is read-only and only supports querying data
- Offer to help find information instead

If the query failed for other reasons:
- Explain what happened in simple terms
- Suggest possible solutions or alternative questions`

const suggesterSystemPrompt = "You are a helpful assistant that generates question suggestions. " +
	"You MUST only suggest questions about data that exists in the provided schema."

const followUpPrompt = `Based on the conversation context below, generate exactly %d relevant follow-up questions that the user might want to ask next. The questions should:
1. Be answerable using ONLY the columns/data shown in the results or available in related tables
2. Build upon what was just discussed - drill down, filter, aggregate differently
3. Reference actual column names or values seen in the results
4. Be natural next steps in the analysis
5. Be clear and concise

## Conversation Context
Original question: %s

Generated SQL (shows available columns): %s

Query results summary: %s

## Available Schema Context
%s

## Output Format
Return ONLY a JSON array of strings, with no additional text or explanation.`

const (
	maxContextExamples = 3
	maxContextMetadata = 3
	maxNarratedRows    = 20
)

func generatorSystem(dialect, systemRules string) string {
	if dialect == "" {
		dialect = "PostgreSQL"
	}
	rules := ""
	if s := strings.TrimSpace(systemRules); s != "" {
		rules = "\n" + s + "\n"
	}
	return fmt.Sprintf(generatorSystemPrompt, dialect, dialect, rules)
}

// formatContext renders retrieved context for the generator.
func formatContext(rc domain.RetrievedContext) string {
	var parts []string

	if len(rc.SQLPairs) > 0 {
		parts = append(parts, "## Similar SQL Examples")
		for i, p := range rc.SQLPairs {
			if i == maxContextExamples {
				break
			}
			parts = append(parts,
				fmt.Sprintf("\n### Example %d", i+1),
				"Question: "+p.Question,
				"SQL: "+p.SQL,
			)
			if p.Explanation != "" {
				parts = append(parts, "Explanation: "+p.Explanation)
			}
		}
	}

	if len(rc.DatabaseInfo) > 0 {
		parts = append(parts, "\n## Relevant Database Schema")
		for _, t := range rc.DatabaseInfo {
			parts = append(parts, "\n"+tableDocument(t))
		}
	}

	if len(rc.Metadata) > 0 {
		parts = append(parts, "\n## Domain Knowledge")
		for i, m := range rc.Metadata {
			if i == maxContextMetadata {
				break
			}
			title := m.Title
			if title == "" {
				title = "Info"
			}
			parts = append(parts, "\n### "+title, m.Content)
		}
	}

	if len(parts) == 0 {
		return "No additional context available."
	}
	return strings.Join(parts, "\n")
}

func tableDocument(t domain.TableInfo) string {
	var b strings.Builder
	b.WriteString("Table: ")
	b.WriteString(t.Name)
	if t.Description != "" {
		b.WriteString("\nDescription: ")
		b.WriteString(t.Description)
	}
	if len(t.Columns) > 0 {
		b.WriteString("\nColumns: ")
		b.WriteString(strings.Join(t.Columns, ", "))
	}
	return b.String()
}

// generatorMessages assembles history followed by the context and question.
func generatorMessages(in graph.GenerateInput) []domain.Message {
	var b strings.Builder
	b.WriteString("## Context\n")
	b.WriteString(formatContext(in.Context))
	b.WriteString("\n\n## Question\n")
	b.WriteString(in.Question)

	if in.PreviousSQL != "" || len(in.Feedback) > 0 {
		b.WriteString("\n\n## Previous Attempt\n")
		if in.PreviousSQL != "" {
			b.WriteString("```sql\n")
			b.WriteString(in.PreviousSQL)
			b.WriteString("\n```\n")
		}
		if len(in.Feedback) > 0 {
			b.WriteString("The previous query was rejected:\n")
			for _, f := range in.Feedback {
				b.WriteString("- ")
				b.WriteString(f)
				b.WriteString("\n")
			}
		}
		b.WriteString("Write a corrected query.")
	}

	msgs := make([]domain.Message, 0, len(in.History)+1)
	msgs = append(msgs, in.History...)
	msgs = append(msgs, domain.UserMessage(b.String()))
	return msgs
}

// narratorPrompt renders the turn outcome for the narrator.
func narratorPrompt(st domain.AgentState) string {
	var parts []string
	parts = append(parts, "## Original Question\n"+st.Question)

	sql := st.GeneratedSQL
	if sql == "" {
		sql = "N/A"
	}
	parts = append(parts, "\n## Generated SQL\n```sql\n"+sql+"\n```")
	if st.SQLExplanation != "" {
		parts = append(parts, "\n## SQL Explanation\n"+st.SQLExplanation)
	}

	switch {
	case !st.IsValid.Valid():
		parts = append(parts, fmt.Sprintf("\n## Validation Failed\nErrors: %s", bulletList(st.ValidationErrors)))
	case !st.Executed:
		parts = append(parts, "\n## Query Not Executed")
		if st.ExecutionError != "" {
			parts = append(parts, "Error: "+st.ExecutionError)
		}
	default:
		parts = append(parts, "\n## Query Results", fmt.Sprintf("Rows returned: %d", st.RowCount))
		if len(st.Columns) > 0 {
			parts = append(parts, "Columns: "+strings.Join(st.Columns, ", "))
		}
		if len(st.Results) > 0 {
			shown := st.Results
			if len(shown) > maxNarratedRows {
				shown = shown[:maxNarratedRows]
			}
			data, err := json.MarshalIndent(shown, "", "  ")
			if err != nil {
				data = []byte(fmt.Sprintf("%v", shown))
			}
			parts = append(parts, fmt.Sprintf("\nData (first %d rows):", len(shown)), string(data))
			if extra := len(st.Results) - len(shown); extra > 0 {
				parts = append(parts, fmt.Sprintf("\n... and %d more rows", extra))
			}
		}
	}

	if len(st.ValidationWarnings) > 0 {
		parts = append(parts, "\n## Warnings\n"+bulletList(st.ValidationWarnings))
	}
	return strings.Join(parts, "\n")
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return "\n- " + strings.Join(items, "\n- ")
}

// resultsSummary describes results for the suggester.
func resultsSummary(st domain.AgentState) string {
	switch {
	case st.ExecutionError != "":
		return "The query failed: " + st.ExecutionError
	case !st.Executed:
		return "The query was not executed."
	case st.RowCount == 0:
		return "No rows returned."
	}
	return fmt.Sprintf("%d rows with columns %s", st.RowCount, strings.Join(st.Columns, ", "))
}
