package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// DefaultTimeout bounds a single delivery when the caller sets no deadline.
const DefaultTimeout = 5 * time.Second

// HTTPNotifier posts each [Message] as JSON to a delivery endpoint.
type HTTPNotifier struct {
	url    string
	apiKey string
	client *http.Client
}

var _ Notifier = (*HTTPNotifier)(nil)

// HTTPOption configures an [HTTPNotifier].
type HTTPOption func(*HTTPNotifier)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(n *HTTPNotifier) { n.apiKey = key }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(n *HTTPNotifier) { n.client = c }
}

// NewHTTPNotifier returns a notifier posting to url.
func NewHTTPNotifier(url string, opts ...HTTPOption) (*HTTPNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("notify: url is required")
	}
	n := &HTTPNotifier{url: url, client: &http.Client{Timeout: DefaultTimeout}}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Notify implements [Notifier].
func (n *HTTPNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: deliver: unexpected status %d", resp.StatusCode)
	}
	return nil
}
