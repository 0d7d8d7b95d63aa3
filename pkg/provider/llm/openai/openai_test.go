package openai

import (
	"errors"
	"testing"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

func TestToParam(t *testing.T) {
	t.Parallel()

	for _, m := range []llm.Message{
		{Role: llm.RoleSystem, Content: "be terse"},
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "hi", Name: "bot"},
	} {
		u, err := toParam(m)
		if err != nil {
			t.Fatalf("%s: %v", m.Role, err)
		}
		set := map[string]bool{
			llm.RoleSystem:    u.OfSystem != nil,
			llm.RoleUser:      u.OfUser != nil,
			llm.RoleAssistant: u.OfAssistant != nil,
		}
		for role, ok := range set {
			if ok != (role == m.Role) {
				t.Errorf("%s message: variant %s set = %v", m.Role, role, ok)
			}
		}
	}
	if _, err := toParam(llm.Message{Role: "tool"}); err == nil {
		t.Error("tool role accepted")
	}
}

func TestParams(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL("http://localhost:8000/v1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plain, err := p.params(llm.CompletionRequest{
		SystemPrompt: "return JSON",
		Messages:     []llm.Message{llm.UserMessage("transcript")},
		MaxTokens:    256,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(plain.Messages) != 2 || plain.Messages[0].OfSystem == nil {
		t.Errorf("system prompt not first: %+v", plain.Messages)
	}
	if string(plain.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q", plain.Model)
	}
	if plain.ResponseFormat.OfJSONObject != nil {
		t.Error("JSON response format set on a plain request")
	}

	js, err := p.params(llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("x")}, JSON: true})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if js.ResponseFormat.OfJSONObject == nil {
		t.Error("JSON request did not set the json_object response format")
	}

	if _, err := p.params(llm.CompletionRequest{SystemPrompt: "x"}); !errors.Is(err, errNoMessages) {
		t.Errorf("empty messages: err = %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); !errors.Is(err, errNoKey) {
		t.Errorf("empty key: err = %v", err)
	}
	if _, err := New("sk", ""); !errors.Is(err, errNoModel) {
		t.Errorf("empty model: err = %v", err)
	}
}

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"gpt-4o-2024-08-06":   128_000,
		"gpt-4.1-mini":        1_047_576,
		"gpt-3.5-turbo":       16_385,
		"qwen2.5-7b-instruct": 32_768,
	}
	for model, want := range tests {
		if got := capabilitiesFor(model).ContextWindow; got != want {
			t.Errorf("%s context = %d, want %d", model, got, want)
		}
	}
}
