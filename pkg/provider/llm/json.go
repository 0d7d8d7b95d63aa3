package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

var (
	// ErrNoJSON is returned by [ExtractJSON] when the reply holds no JSON
	// object.
	ErrNoJSON = errors.New("llm: no JSON object in reply")

	// ErrBadReply wraps every [CompleteJSON] failure that is the model's
	// fault rather than the transport's: an empty reply, no JSON object, or
	// an object that does not decode into the target.
	ErrBadReply = errors.New("llm: unusable reply")
)

// ExtractJSON returns the outermost JSON object embedded in a model reply.
// Models frequently wrap JSON in prose or markdown fences; everything before
// the first '{' and after the last '}' is ignored.
func ExtractJSON(content string) ([]byte, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	return []byte(content[start : end+1]), nil
}

// CompleteJSON sends req in JSON mode and decodes the reply into out.
// Transport errors are returned as they come from p.
func CompleteJSON(ctx context.Context, p Provider, req CompletionRequest, out any) (Usage, error) {
	req.JSON = true
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return Usage{}, err
	}
	if resp == nil {
		return Usage{}, fmt.Errorf("%w: empty response", ErrBadReply)
	}
	raw, err := ExtractJSON(resp.Content)
	if err != nil {
		return resp.Usage, fmt.Errorf("%w: %w", ErrBadReply, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.Usage, fmt.Errorf("%w: decode: %w", ErrBadReply, err)
	}
	return resp.Usage, nil
}
