// Package mock is a scriptable [llm.Provider] for tests of the local
// extractor, the discard judge and the urgency scanner.
//
//	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"discard": true}`}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replies with CompleteResponse and CompleteErr, or with whatever
// ResponseFunc returns when it is set. Configure it before use; the recorded
// calls are safe to read concurrently through [Provider.Calls].
type Provider struct {
	CompleteResponse  *llm.CompletionResponse
	CompleteErr       error
	ResponseFunc      func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	ModelCapabilities llm.ModelCapabilities

	mu            sync.Mutex
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn, resp, err := p.ResponseFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

func (p *Provider) Capabilities() llm.ModelCapabilities { return p.ModelCapabilities }

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}

// Reset forgets the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	p.CompleteCalls = nil
	p.mu.Unlock()
}
