package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/types"
)

// LocalExtractor produces summaries and memory candidates with an
// in-process language model. It always answers synchronously and is the
// fallback when the remote backend fails.
type LocalExtractor struct {
	provider llm.Provider
}

var _ Backend = (*LocalExtractor)(nil)

// NewLocalExtractor returns an extractor backed by p.
func NewLocalExtractor(p llm.Provider) *LocalExtractor {
	return &LocalExtractor{provider: p}
}

// Name implements [Backend].
func (l *LocalExtractor) Name() string { return "local" }

var summaryPrompt = `You summarise transcripts of real-world conversations captured by a wearable device.

Reply with a single JSON object and nothing else, using exactly these fields:
{
  "title": "short title, at most 10 words",
  "overview": "two or three sentences",
  "emoji": "one emoji",
  "category": "one of: ` + categoryList() + `",
  "action_items": [{"description": "task in imperative form", "due_at": "when it is due, if mentioned"}],
  "events": [{"title": "event", "description": "details", "when": "the time exactly as spoken, e.g. next Tuesday at 2pm", "duration": 60}]
}

Only list action items and events that were actually stated. Use empty arrays when there are none.`

var memoryPrompt = `You extract durable facts about the speaker from a conversation transcript.

Rules:
- Each fact is one short standalone sentence that still makes sense months later.
- Never describe the conversation itself ("the conversation discussed ...").
- Most facts are "routine". Use "high-salience" only for rare, genuinely novel facts.
- Return at most 5 facts; return none if nothing is worth remembering.

Reply with a single JSON object and nothing else:
{"memories": [{"content": "fact", "category": "routine" or "high-salience", "visibility": "private" or "public", "tags": ["lowercase", "keywords"]}]}`

func categoryList() string {
	names := make([]string, len(types.Categories))
	for i, c := range types.Categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// Summarize implements [Backend].
func (l *LocalExtractor) Summarize(ctx context.Context, req SummaryRequest) (*SummaryPayload, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation started at %s", req.StartedAt.Format("Monday, 2006-01-02 15:04 MST"))
	if req.Timezone != "" {
		fmt.Fprintf(&b, " (speaker timezone %s)", req.Timezone)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, ". Write the summary in language %q", req.Language)
	}
	b.WriteString(".\n\nTranscript:\n")
	b.WriteString(l.fit(req.Transcript))

	var payload SummaryPayload
	if err := l.ask(ctx, summaryPrompt, b.String(), &payload); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ExtractMemories implements [Backend].
func (l *LocalExtractor) ExtractMemories(ctx context.Context, req MemoryRequest) ([]types.MemoryCandidate, error) {
	var payload MemoryPayload
	if err := l.ask(ctx, memoryPrompt, "Transcript:\n"+l.fit(types.JoinText(req.Segments)), &payload); err != nil {
		return nil, err
	}
	if payload.Memories == nil {
		payload.Memories = []types.MemoryCandidate{}
	}
	return payload.Memories, nil
}

// promptReserve is the token share kept free for the instructions and the
// reply when a transcript is clipped to the model's context window.
const promptReserve = 2_000

func (l *LocalExtractor) fit(transcript string) string {
	return l.provider.Capabilities().Fit(transcript, promptReserve)
}

// ask runs one JSON completion. Unusable replies are reported as
// [ErrMalformed] so the orchestrator treats them like a bad remote payload.
func (l *LocalExtractor) ask(ctx context.Context, system, user string, out any) error {
	_, err := llm.CompleteJSON(ctx, l.provider, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{llm.UserMessage(user)},
	}, out)
	switch {
	case errors.Is(err, llm.ErrBadReply):
		return fmt.Errorf("%w: local: %w", ErrMalformed, err)
	case err != nil:
		return fmt.Errorf("extraction: local: %w", err)
	}
	return nil
}
