package discard

import (
	"context"
	"fmt"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

const judgePrompt = `You decide whether a short transcript of a real-world conversation is worth keeping.

Keep it if it contains an identifiable task, decision, commitment, plan, appointment or another meaningful exchange of information.
Discard it if it is small talk, a test recording, background noise, filler words or otherwise empty of content.

Reply with a single JSON object and nothing else: {"discard": true} or {"discard": false}.`

// LLMJudge asks a language model for the verdict.
type LLMJudge struct {
	provider llm.Provider
}

var _ Judge = (*LLMJudge)(nil)

// NewLLMJudge returns a judge backed by p.
func NewLLMJudge(p llm.Provider) *LLMJudge {
	return &LLMJudge{provider: p}
}

type judgeReply struct {
	Discard *bool `json:"discard"`
}

// Keep implements [Judge].
func (j *LLMJudge) Keep(ctx context.Context, in Input) (bool, error) {
	user := "Transcript:\n" + in.Text
	if in.Attachments > 0 {
		user += fmt.Sprintf("\n\nThe speaker also shared %d photo(s) or file(s).", in.Attachments)
	}

	var reply judgeReply
	_, err := llm.CompleteJSON(ctx, j.provider, llm.CompletionRequest{
		SystemPrompt: judgePrompt,
		Messages:     []llm.Message{llm.UserMessage(user)},
		MaxTokens:    20,
	}, &reply)
	if err != nil {
		return false, fmt.Errorf("discard judge: %w", err)
	}
	if reply.Discard == nil {
		return false, fmt.Errorf("discard judge: reply lacks \"discard\" field")
	}
	return !*reply.Discard, nil
}
