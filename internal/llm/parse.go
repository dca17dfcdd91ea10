package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ashureev/sqlagent/internal/domain"
)

var (
	sqlFence       = regexp.MustCompile("(?is)```sql\\s*(.*?)\\s*```")
	anyFence       = regexp.MustCompile("(?s)```.*?```")
	bareSelect     = regexp.MustCompile(`(?is)((?:WITH\s+.*?\s+AS\s*\(.*?\)\s*)?SELECT\s+.*?)(?:;|$)`)
	specialPrefix  = regexp.MustCompile(`(?s)^\s*\[([A-Z_]+)\]\s*(.*)`)
	listItemPrefix = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s*`)
)

// ParseGeneration extracts SQL, explanation or a special response from raw
// model output.
func ParseGeneration(content string) domain.Generation {
	if m := specialPrefix.FindStringSubmatch(content); m != nil {
		if special, ok := domain.ParseSpecialResponse(m[1]); ok {
			return domain.Generation{
				Special:        special,
				SpecialMessage: strings.TrimSpace(m[2]),
			}
		}
	}

	var gen domain.Generation
	explanation := content
	if loc := sqlFence.FindStringSubmatchIndex(content); loc != nil {
		gen.SQL = strings.TrimSpace(content[loc[2]:loc[3]])
		after := strings.TrimSpace(content[loc[1]:])
		before := strings.TrimSpace(content[:loc[0]])
		explanation = after
		if explanation == "" {
			explanation = before
		}
	} else if m := bareSelect.FindStringSubmatch(content); m != nil {
		gen.SQL = strings.TrimSpace(m[1])
	}
	gen.Explanation = strings.TrimSpace(anyFence.ReplaceAllString(explanation, ""))
	return gen
}

// ParseQuestions reads a JSON array of strings, falling back to one question
// per line.
func ParseQuestions(content string, n int) []string {
	var out []string
	if start, end := strings.Index(content, "["), strings.LastIndex(content, "]"); start >= 0 && end > start {
		var qs []string
		if err := json.Unmarshal([]byte(content[start:end+1]), &qs); err == nil {
			for _, q := range qs {
				if q = strings.TrimSpace(q); q != "" {
					out = append(out, q)
				}
			}
			return capQuestions(out, n)
		}
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(listItemPrefix.ReplaceAllString(line, ""))
		if line == "" || !strings.Contains(line, "?") {
			continue
		}
		if start, end := strings.Index(line, `"`), strings.LastIndex(line, `"`); start >= 0 && end > start+1 {
			line = line[start+1 : end]
		}
		out = append(out, line)
	}
	return capQuestions(out, n)
}

func capQuestions(qs []string, n int) []string {
	if n > 0 && len(qs) > n {
		return qs[:n]
	}
	return qs
}
