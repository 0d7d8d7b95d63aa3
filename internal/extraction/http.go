package extraction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/MrWong99/murmur/pkg/types"
)

const (
	// DefaultSyncTimeout bounds a synchronous backend call.
	DefaultSyncTimeout = 30 * time.Second

	// DefaultConnectTimeout bounds connection setup and the acknowledgement
	// of an asynchronous submission.
	DefaultConnectTimeout = 2 * time.Second

	// maxResponseBytes caps how much of a backend reply is read.
	maxResponseBytes = 4 << 20
)

// HTTPBackend calls a remote extraction service over HTTP with JSON bodies.
//
// The service exposes two endpoints, one for summaries and one for
// memories. A 2xx reply with a result body is a synchronous answer; a 202,
// an empty body or {"status":"processing"} is an acknowledgement and yields
// [ErrPending].
type HTTPBackend struct {
	name        string
	summaryURL  string
	memoryURL   string
	callbackURL string
	apiKey      string
	mode        Mode
	client      *http.Client
}

var _ Backend = (*HTTPBackend)(nil)

// HTTPOption configures an [HTTPBackend].
type HTTPOption func(*HTTPBackend)

// WithName overrides the backend name used in logs and metrics.
func WithName(name string) HTTPOption {
	return func(b *HTTPBackend) { b.name = name }
}

// WithMode selects synchronous or asynchronous calls. Defaults to [ModeSync].
func WithMode(m Mode) HTTPOption {
	return func(b *HTTPBackend) { b.mode = m }
}

// WithCallbackURL is sent with every request so the service knows where to
// deliver asynchronous results.
func WithCallbackURL(u string) HTTPOption {
	return func(b *HTTPBackend) { b.callbackURL = u }
}

// WithAPIKey sets a bearer token on every request.
func WithAPIKey(key string) HTTPOption {
	return func(b *HTTPBackend) { b.apiKey = key }
}

// WithHTTPClient replaces the HTTP client. Callers are responsible for its
// timeouts.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// NewHTTPBackend returns a backend posting to summaryURL and memoryURL.
func NewHTTPBackend(summaryURL, memoryURL string, opts ...HTTPOption) (*HTTPBackend, error) {
	if summaryURL == "" || memoryURL == "" {
		return nil, fmt.Errorf("extraction: summary and memory URLs are required")
	}
	b := &HTTPBackend{
		name:       "remote",
		summaryURL: summaryURL,
		memoryURL:  memoryURL,
		mode:       ModeSync,
	}
	for _, o := range opts {
		o(b)
	}
	if !b.mode.IsValid() {
		return nil, fmt.Errorf("extraction: unknown mode %q", b.mode)
	}
	if b.client == nil {
		b.client = newClient(b.mode)
	}
	return b, nil
}

// newClient builds a client whose deadlines match the mode. Synchronous
// calls get the full extraction budget from the caller's context; the
// asynchronous client gives up quickly because it only waits for an
// acknowledgement.
func newClient(mode Mode) *http.Client {
	dialer := &net.Dialer{Timeout: DefaultConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: DefaultConnectTimeout,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if mode == ModeAsync {
		transport.ResponseHeaderTimeout = DefaultConnectTimeout
		return &http.Client{Transport: transport, Timeout: 2 * DefaultConnectTimeout}
	}
	return &http.Client{Transport: transport}
}

// Name implements [Backend].
func (b *HTTPBackend) Name() string { return b.name }

// Mode returns the configured call mode.
func (b *HTTPBackend) Mode() Mode { return b.mode }

type summaryEnvelope struct {
	SummaryRequest
	Mode Mode `json:"mode"`
}

type memoryEnvelope struct {
	MemoryRequest
	Mode Mode `json:"mode"`
}

// Summarize implements [Backend].
func (b *HTTPBackend) Summarize(ctx context.Context, req SummaryRequest) (*SummaryPayload, error) {
	req.CallbackURL = b.callbackURL
	body, err := b.post(ctx, b.summaryURL, summaryEnvelope{SummaryRequest: req, Mode: b.mode})
	if err != nil {
		return nil, err
	}
	var payload SummaryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: summary: %w", ErrMalformed, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ExtractMemories implements [Backend].
func (b *HTTPBackend) ExtractMemories(ctx context.Context, req MemoryRequest) ([]types.MemoryCandidate, error) {
	req.CallbackURL = b.callbackURL
	body, err := b.post(ctx, b.memoryURL, memoryEnvelope{MemoryRequest: req, Mode: b.mode})
	if err != nil {
		return nil, err
	}
	var payload MemoryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: memories: %w", ErrMalformed, err)
	}
	if payload.Memories == nil {
		return nil, fmt.Errorf("%w: memories: missing \"memories\" field", ErrMalformed)
	}
	return payload.Memories, nil
}

type statusMarker struct {
	Status string `json:"status"`
}

// post sends v and returns the response body of a result-bearing reply.
// Acknowledgements map to [ErrPending].
func (b *HTTPBackend) post(ctx context.Context, url string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("extraction: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("extraction: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extraction: %s: %w", b.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("extraction: %s: read body: %w", b.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: %d %s", ErrBackendStatus, b.name, resp.StatusCode, snippet(body))
	}
	if resp.StatusCode == http.StatusAccepted || len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrPending
	}

	var marker statusMarker
	if err := json.Unmarshal(body, &marker); err == nil && strings.EqualFold(marker.Status, "processing") {
		return nil, ErrPending
	}
	return body, nil
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "…"
	}
	return s
}
