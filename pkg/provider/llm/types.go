package llm

import "unicode/utf8"

// Chat roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a prompt.
type Message struct {
	Role    string
	Content string
	Name    string
}

// UserMessage is shorthand for a single user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ModelCapabilities are the static limits of a model.
type ModelCapabilities struct {
	ContextWindow   int // input plus output tokens
	MaxOutputTokens int
}

// charsPerToken is a deliberately low estimate so budgets err on the short
// side for non-English transcripts.
const charsPerToken = 3

// clipMarker replaces the part of a transcript dropped by [ModelCapabilities.Fit].
const clipMarker = "\n[...]\n"

// Fit shortens text so that it, plus reserve tokens for prompt and reply,
// fits the context window. It keeps the opening and the closing of the text,
// which carry most of the summary-relevant content, and drops the middle.
// A zero ContextWindow means unknown and leaves text untouched.
func (c ModelCapabilities) Fit(text string, reserve int) string {
	if c.ContextWindow <= 0 {
		return text
	}
	budget := (c.ContextWindow - reserve) * charsPerToken
	n := utf8.RuneCountInString(text)
	if n <= budget {
		return text
	}
	if budget <= len(clipMarker) {
		return ""
	}
	keep := budget - len(clipMarker)
	head := keep / 2
	runes := []rune(text)
	return string(runes[:head]) + clipMarker + string(runes[n-(keep-head):])
}
