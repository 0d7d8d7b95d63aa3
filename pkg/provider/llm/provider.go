// Package llm is the narrow language-model interface murmur's judgements
// run on.
//
// The local extraction fallback, the discard judge and the urgency scanner
// each send one prompt and expect one JSON object back, which is what
// [CompleteJSON] does. Implementations must be safe for concurrent use and
// must return promptly when ctx is cancelled; every caller sets a deadline.
package llm

import "context"

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is a single-shot prompt. Messages must not be empty.
type CompletionRequest struct {
	Messages []Message

	// SystemPrompt is sent ahead of Messages.
	SystemPrompt string

	// Temperature is always sent, so zero really means zero.
	Temperature float64

	// MaxTokens caps the reply. Zero leaves the backend default.
	MaxTokens int

	// JSON asks backends that support it to constrain the reply to a JSON
	// object. Replies are still parsed leniently.
	JSON bool
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is one language-model backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Capabilities() ModelCapabilities
}
