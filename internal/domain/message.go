// Package domain contains the core types shared by the agent pipeline.
package domain

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a session's conversation log.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// CloneMessages copies a message log.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	copy(out, in)
	return out
}

// LastMessages returns at most n trailing messages.
func LastMessages(in []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if n >= len(in) {
		return in
	}
	return in[len(in)-n:]
}
