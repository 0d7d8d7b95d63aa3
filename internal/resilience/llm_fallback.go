package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] over an ordered list of backends, each
// behind its own circuit breaker. The local extractor, the discard judge and
// the urgency scanner all share one instance, so a flaky primary trips once
// for all of them.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend tried after those already registered. Call
// it before the provider is shared.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Complete returns the first successful reply. Once ctx is done no further
// backend is tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := ExecuteTracked(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if res.FellBack() {
		slog.Info("llm request served by fallback", "served_by", res.Served, "skipped", len(res.Errors))
	}
	return res.Value, nil
}

// Capabilities is the most restrictive limit across all backends, so a
// prompt sized for it fits whichever backend ends up answering. Backends
// reporting an unknown (zero) limit are ignored.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	var out llm.ModelCapabilities
	for _, p := range f.group.Values() {
		c := p.Capabilities()
		out.ContextWindow = minKnown(out.ContextWindow, c.ContextWindow)
		out.MaxOutputTokens = minKnown(out.MaxOutputTokens, c.MaxOutputTokens)
	}
	return out
}

func minKnown(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	}
	return min(a, b)
}
