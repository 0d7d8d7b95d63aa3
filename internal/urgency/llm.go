package urgency

import (
	"context"
	"fmt"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

const scanPrompt = `You monitor a live transcript of a person's conversations for anything that needs their attention right now.

Classify the excerpt with one JSON object and nothing else:
{"level": "none|low|medium|high|critical", "category": "<short label>", "reasoning": "<one sentence>", "action_needed": true|false, "confidence": 0.0-1.0}

critical: danger to health or safety. high: a time-critical task or commitment within hours. medium: something to remember today. low: mildly relevant. none: ordinary talk.
Set action_needed only when the owner should be notified immediately.`

// LLMScanner asks a language model to classify each batch.
type LLMScanner struct {
	provider llm.Provider
}

var _ Scanner = (*LLMScanner)(nil)

// NewLLMScanner returns a scanner backed by p.
func NewLLMScanner(p llm.Provider) *LLMScanner {
	return &LLMScanner{provider: p}
}

type scanReply struct {
	Level        string  `json:"level"`
	Category     string  `json:"category"`
	Reasoning    string  `json:"reasoning"`
	ActionNeeded bool    `json:"action_needed"`
	Confidence   float64 `json:"confidence"`
}

// Scan implements [Scanner].
func (s *LLMScanner) Scan(ctx context.Context, text string) (Result, error) {
	var reply scanReply
	_, err := llm.CompleteJSON(ctx, s.provider, llm.CompletionRequest{
		SystemPrompt: scanPrompt,
		Messages:     []llm.Message{llm.UserMessage("Excerpt:\n" + text)},
		MaxTokens:    150,
	}, &reply)
	if err != nil {
		return Result{}, fmt.Errorf("urgency: %w", err)
	}
	level := ParseLevel(reply.Level)
	conf := min(max(reply.Confidence, 0), 1)
	return Result{
		Level:        level,
		Category:     reply.Category,
		Reasoning:    reply.Reasoning,
		ActionNeeded: reply.ActionNeeded && level != LevelNone,
		Confidence:   conf,
	}, nil
}
