// Package api exposes murmur over HTTP.
//
// Clients stream a session over a websocket at /v1/stream and read the
// resulting conversations and memories through a small JSON API. The remote
// extraction backend delivers asynchronous results to
// /v1/callbacks/extraction. Every client request names its owner in the
// X-Owner-ID header; authentication happens in front of this service.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/murmur/internal/conversation"
	"github.com/MrWong99/murmur/internal/extraction"
	"github.com/MrWong99/murmur/internal/forward"
	"github.com/MrWong99/murmur/internal/ingest"
	"github.com/MrWong99/murmur/internal/memory"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/types"
)

// OwnerHeader carries the owner id of every client request.
const OwnerHeader = "X-Owner-ID"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Conversations is the conversation surface the API serves.
// [*conversation.Manager] is the production implementation.
type Conversations interface {
	Get(ctx context.Context, ownerID, id string) (*types.Conversation, error)
	List(ctx context.Context, ownerID string, f store.ConversationFilter) ([]*types.Conversation, error)
	Reprocess(ctx context.Context, ownerID, id string) error
	HandleCallback(ctx context.Context, cb extraction.Callback) (conversation.CallbackOutcome, error)
}

// Memories is the memory surface the API serves. [*memory.Adapter] is the
// production implementation.
type Memories interface {
	List(ctx context.Context, ownerID string, f store.MemoryFilter) ([]types.Memory, error)
	AddManual(ctx context.Context, ownerID string, c types.MemoryCandidate) (types.Memory, error)
	SetReview(ctx context.Context, ownerID, id string, review types.ReviewState) (types.Memory, error)
}

var (
	_ Conversations = (*conversation.Manager)(nil)
	_ Memories      = (*memory.Adapter)(nil)
)

// Server holds the handlers. Create one with [New] and mount it with
// [Server.Register].
type Server struct {
	hub           *ingest.Hub
	conversations Conversations
	memories      Memories
	metrics       *observe.Metrics

	stt       stt.Provider
	sttSource string
	sttConfig stt.StreamConfig

	forwarders    map[string]forward.Forwarder
	callbackToken string
}

// Option configures a [Server].
type Option func(*Server)

// WithSTT enables binary audio frames on the stream endpoint. Final
// transcripts of p become fragments tagged with source.
func WithSTT(p stt.Provider, source string, cfg stt.StreamConfig) Option {
	return func(s *Server) {
		s.stt = p
		s.sttSource = source
		s.sttConfig = cfg
	}
}

// WithForwarders registers the named forward targets a stream may select
// with the forward query parameter.
func WithForwarders(targets map[string]forward.Forwarder) Option {
	return func(s *Server) { s.forwarders = targets }
}

// WithCallbackToken requires the extraction backend to present token as a
// bearer credential. Empty disables the check.
func WithCallbackToken(token string) Option {
	return func(s *Server) { s.callbackToken = token }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New returns a server streaming through hub and serving the given
// conversation and memory surfaces.
func New(hub *ingest.Hub, conversations Conversations, memories Memories, opts ...Option) *Server {
	s := &Server{
		hub:           hub,
		conversations: conversations,
		memories:      memories,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream", s.owned(s.handleStream))
	mux.HandleFunc("POST /v1/callbacks/extraction", s.handleCallback)

	mux.HandleFunc("GET /v1/conversations", s.owned(s.handleListConversations))
	mux.HandleFunc("GET /v1/conversations/{id}", s.owned(s.handleGetConversation))
	mux.HandleFunc("POST /v1/conversations/{id}/reprocess", s.owned(s.handleReprocess))

	mux.HandleFunc("GET /v1/memories", s.owned(s.handleListMemories))
	mux.HandleFunc("POST /v1/memories", s.owned(s.handleAddMemory))
	mux.HandleFunc("PATCH /v1/memories/{id}", s.owned(s.handleReviewMemory))
}

type ownedHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

// owned rejects requests without an owner id.
func (s *Server) owned(h ownedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			owner = strings.TrimSpace(r.URL.Query().Get("uid"))
		}
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(observe.AttrOwnerID.String(owner))
		h(w, r, owner)
	}
}

func (s *Server) authorizedCallback(r *http.Request) bool {
	if s.callbackToken == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.callbackToken)) == 1
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrNotProcessing), errors.Is(err, types.ErrIllegalTransition),
		errors.Is(err, memory.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, extraction.ErrMalformed), errors.Is(err, memory.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged and
// their detail is not echoed.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
