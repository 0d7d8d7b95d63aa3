package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
)

// Webhook posts batches as JSON to a URL. The owner id is appended as the
// uid query parameter.
type Webhook struct {
	url    string
	client *http.Client
}

var _ Forwarder = (*Webhook)(nil)

// NewWebhook validates rawURL and returns a webhook forwarder. A nil
// client selects one with [DefaultTimeout].
func NewWebhook(rawURL string, client *http.Client) (*Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("forward: invalid webhook url %q", rawURL)
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Webhook{url: rawURL, client: client}, nil
}

// Forward implements [Forwarder].
func (w *Webhook) Forward(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("forward: encode: %w", err)
	}
	u, _ := url.Parse(w.url)
	q := u.Query()
	q.Set("uid", b.OwnerID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forward: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward: webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("forward: webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
