package anyllm

import (
	"errors"
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

func TestParams(t *testing.T) {
	p := &Provider{name: "ollama", model: "llama3.1:8b"}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "Reply with JSON.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "transcript", Name: "ana"}},
		MaxTokens:    512,
		JSON:         true,
	})

	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("messages = %+v, want system prompt first", params.Messages)
	}
	if u := params.Messages[1]; u.ContentString() != "transcript" || u.Name != "ana" {
		t.Errorf("user message = %+v", u)
	}
	if params.Temperature == nil || *params.Temperature != 0 {
		t.Errorf("temperature must be sent as an explicit 0, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
	if params.Model != "llama3.1:8b" {
		t.Errorf("model = %q", params.Model)
	}
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		backend, model string
		want           int
	}{
		{"ollama", "llama3.1:70b", 8_192},
		{"llamafile", "gemma", 8_192},
		{"anthropic", "claude-3-5-haiku-latest", 200_000},
		{"gemini", "gemini-2.0-flash", 1_048_576},
		{"openai", "gpt-4o-mini", 128_000},
		{"deepseek", "deepseek-chat", 64_000},
		{"groq", "mystery-model", 32_768},
	}
	for _, tc := range tests {
		p := &Provider{name: tc.backend, model: tc.model}
		if got := p.Capabilities().ContextWindow; got != tc.want {
			t.Errorf("%s/%s: context window = %d, want %d", tc.backend, tc.model, got, tc.want)
		}
	}
}

func TestSupportedProviders(t *testing.T) {
	if !slices.IsSorted(SupportedProviders) || len(SupportedProviders) != len(backends) {
		t.Errorf("SupportedProviders = %v", SupportedProviders)
	}
	for _, name := range []string{"ollama", "LlamaCpp"} {
		if !IsLocal(name) {
			t.Errorf("IsLocal(%q) = false", name)
		}
	}
	if IsLocal("openai") {
		t.Error("IsLocal(openai) = true")
	}
}

func TestNew(t *testing.T) {
	if _, err := New("ollama", ""); err == nil {
		t.Error("empty model accepted")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); !errors.Is(err, errUnknownBackend) {
		t.Errorf("unknown backend: err = %v", err)
	}
	for _, name := range []string{"ollama", "llamacpp", "LLAMAFILE"} {
		p, err := New(name, "llama3")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !IsLocal(p.Name()) {
			t.Errorf("Name() = %q", p.Name())
		}
	}
}

func TestNew_HostedBackendNeedsKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("openai backend created without an API key")
	}
}
