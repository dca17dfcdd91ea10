package graph

import (
	"fmt"

	"github.com/ashureev/sqlagent/internal/domain"
)

const (
	textOutOfScope = "I can only answer questions about the data in the connected database. " +
		"Please ask a question about that data."
	textReadOnly = "This system only supports querying (reading) data. " +
		"Data modifications are not permitted. " +
		"How can I help you find information instead?"
	textResourceNotFound = "The information you requested cannot be provided because it is not tracked " +
		"in our database. Please try asking about a different kind of data."
	textNeedsClarification = "Could you clarify your question? Some details are ambiguous."
	textNoResults          = "No rows matched your question. " +
		"The data may not exist or may not match your filters. " +
		"Try adjusting your question or ask about different data."
)

var specialTemplates = map[domain.SpecialResponse]string{
	domain.SpecialOutOfScope:         textOutOfScope,
	domain.SpecialReadOnly:           textReadOnly,
	domain.SpecialResourceNotFound:   textResourceNotFound,
	domain.SpecialNeedsClarification: textNeedsClarification,
}

// TemplateResponse returns a fixed answer when the turn does not need
// narration, or "" when the responder should be called.
func TemplateResponse(st *domain.AgentState) string {
	if st.Settled() {
		if st.SpecialMessage != "" {
			return st.SpecialMessage
		}
		return specialTemplates[st.SpecialResponse]
	}
	if st.Executed && st.Results != nil && len(st.Results) == 0 {
		return textNoResults
	}
	return ""
}

// unnarratedSummary answers an executed turn whose narration failed.
func unnarratedSummary(st *domain.AgentState) string {
	return fmt.Sprintf("The query returned %d row(s). A narrated answer is not available right now; "+
		"the results are included with this response.", st.RowCount)
}
