package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/murmur/pkg/provider/llm"
	llmmock "github.com/MrWong99/murmur/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from primary"}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}

	resp, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from primary" {
		t.Fatalf("content = %q, want 'from primary'", resp.Content)
	}
	if len(secondary.Calls()) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Calls()))
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}

	resp, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Fatalf("content = %q, want 'from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}

	_, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_Complete_CancelledContextSkipsFallbacks(t *testing.T) {
	primary := &llmmock.Provider{}
	secondary := &llmmock.Provider{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newLLMFallback(primary, secondary).Complete(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(primary.Calls())+len(secondary.Calls()) != 0 {
		t.Fatal("no provider should be called with a cancelled context")
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	tests := []struct {
		name      string
		primary   llm.ModelCapabilities
		secondary llm.ModelCapabilities
		want      llm.ModelCapabilities
	}{
		{
			name:      "smallest window wins",
			primary:   llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384},
			secondary: llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048},
			want:      llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048},
		},
		{
			name:      "unknown ignored",
			primary:   llm.ModelCapabilities{ContextWindow: 128_000},
			secondary: llm.ModelCapabilities{MaxOutputTokens: 1_024},
			want:      llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 1_024},
		},
	}
	for _, tt := range tests {
		primary := &llmmock.Provider{ModelCapabilities: tt.primary}
		secondary := &llmmock.Provider{ModelCapabilities: tt.secondary}
		if got := newLLMFallback(primary, secondary).Capabilities(); got != tt.want {
			t.Errorf("%s: Capabilities() = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}
