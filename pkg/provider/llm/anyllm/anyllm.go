// Package anyllm adapts github.com/mozilla-ai/any-llm-go, one client for
// many hosted and local model servers, to [llm.Provider].
//
// A local backend (ollama, llamacpp, llamafile) is the usual choice for the
// in-process extraction fallback because it keeps working while the remote
// extraction service is down.
//
//	p, err := anyllm.New("ollama", "llama3.1:8b")
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// wrap lifts a concrete any-llm constructor to the common signature.
func wrap[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return f(opts...)
	}
}

var backends = map[string]constructor{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

// local backends run on the operator's hardware with a small default
// context.
var local = map[string]bool{"ollama": true, "llamacpp": true, "llamafile": true}

// SupportedProviders lists the backend names accepted by [New], sorted.
var SupportedProviders = slices.Sorted(maps.Keys(backends))

// IsLocal reports whether name is a self-hosted backend that needs no API key.
func IsLocal(name string) bool { return local[strings.ToLower(name)] }

// Provider is an [llm.Provider] for one model on one any-llm backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

var errUnknownBackend = errors.New("anyllm: unknown backend")

// New connects to backend name. Without an API key option hosted backends
// read their usual environment variable, e.g. ANTHROPIC_API_KEY.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	name = strings.ToLower(name)
	build, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w %q; supported: %s", errUnknownBackend, name, strings.Join(SupportedProviders, ", "))
	}
	backend, err := build(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

// Name returns the backend name, e.g. "ollama".
func (p *Provider) Name() string { return p.name }

// Complete sends req. any-llm has no portable JSON mode, so req.JSON only
// relies on the prompt and on lenient parsing by the caller.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s/%s: %w", p.name, p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s/%s: response has no choices", p.name, p.model)
	}
	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	temp := req.Temperature
	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs, Temperature: &temp}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		params.MaxTokens = &maxTokens
	}
	return params
}

// Capabilities is keyed on the model family. Local servers default to a
// small context regardless of what the model could do.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	m := strings.ToLower(p.model)
	switch {
	case local[p.name]:
		return llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048}
	case strings.HasPrefix(m, "claude"):
		return llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}
	case strings.HasPrefix(m, "gemini"):
		return llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}
	case strings.HasPrefix(m, "gpt-4o"):
		return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}
	case strings.HasPrefix(m, "deepseek"):
		return llm.ModelCapabilities{ContextWindow: 64_000, MaxOutputTokens: 8_192}
	default:
		return llm.ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 4_096}
	}
}
