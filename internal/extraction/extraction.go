// Package extraction turns a finished conversation into a structured summary
// and a list of memory candidates.
//
// A [Backend] produces both artifacts. The remote [HTTPBackend] may answer
// synchronously or acknowledge the request and deliver the result later
// through a callback; the [LocalExtractor] runs an in-process model and
// always answers synchronously. The [Orchestrator] decides which backend
// serves a conversation, enforces deadlines, falls back to the local
// extractor on failure and consumes asynchronous callbacks.
package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/murmur/pkg/types"
)

var (
	// ErrPending is returned by a backend that acknowledged the request and
	// will deliver the result through a callback.
	ErrPending = errors.New("extraction: result pending")

	// ErrMalformed is returned when a backend reply or callback payload
	// cannot be decoded or fails validation.
	ErrMalformed = errors.New("extraction: malformed payload")

	// ErrBackendStatus is returned for non-2xx backend replies.
	ErrBackendStatus = errors.New("extraction: backend returned error status")
)

// Mode selects how the remote backend is called.
type Mode string

const (
	// ModeSync blocks for the result within a bounded timeout.
	ModeSync Mode = "sync"

	// ModeAsync submits the request and waits for a callback.
	ModeAsync Mode = "async"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool { return m == ModeSync || m == ModeAsync }

// SummaryRequest asks a backend for a conversation summary.
type SummaryRequest struct {
	OwnerID        string           `json:"uid"`
	ConversationID string           `json:"conversation_id"`
	Transcript     string           `json:"transcript"`
	Segments       []types.Fragment `json:"segments"`
	StartedAt      time.Time        `json:"started_at"`
	Language       string           `json:"language,omitempty"`
	Timezone       string           `json:"timezone,omitempty"`
	CallbackURL    string           `json:"callback_url,omitempty"`
}

// MemoryRequest asks a backend for memory candidates.
type MemoryRequest struct {
	OwnerID        string           `json:"uid"`
	ConversationID string           `json:"conversation_id"`
	Segments       []types.Fragment `json:"segments"`
	CallbackURL    string           `json:"callback_url,omitempty"`
}

// Backend produces summaries and memory candidates.
//
// Implementations must be safe for concurrent use and must honour ctx
// deadlines.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Summarize returns the raw summary payload, or [ErrPending] when the
	// result will arrive through a callback.
	Summarize(ctx context.Context, req SummaryRequest) (*SummaryPayload, error)

	// ExtractMemories returns memory candidates, or [ErrPending].
	ExtractMemories(ctx context.Context, req MemoryRequest) ([]types.MemoryCandidate, error)
}

// NewSummaryRequest builds the summary request for c.
func NewSummaryRequest(c *types.Conversation) SummaryRequest {
	return SummaryRequest{
		OwnerID:        c.OwnerID,
		ConversationID: c.ID,
		Transcript:     c.Transcript(),
		Segments:       c.Fragments,
		StartedAt:      c.StartedAt,
		Language:       c.Language,
		Timezone:       c.Timezone,
	}
}

// NewMemoryRequest builds the memory request for c.
func NewMemoryRequest(c *types.Conversation) MemoryRequest {
	return MemoryRequest{
		OwnerID:        c.OwnerID,
		ConversationID: c.ID,
		Segments:       c.Fragments,
	}
}
