// Package jobs tracks asynchronous extraction submissions that are waiting
// for an out-of-band callback.
//
// A [Job] is created when a conversation is handed to an asynchronous
// backend and removed when the matching callback completes it. Every entry
// carries a TTL so abandoned submissions expire on their own instead of
// accumulating. Two [Store] implementations are provided: [CacheStore] for a
// single process and [RedisStore] when several replicas share callbacks.
package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Store.Get] when no pending job exists for the
// requested conversation.
var ErrNotFound = errors.New("jobs: no pending job")

// DefaultTTL bounds how long a pending job is remembered.
const DefaultTTL = 2 * time.Hour

// Job is the expectation registered for one asynchronous submission.
type Job struct {
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	SubmittedAt    time.Time `json:"submitted_at"`

	// AwaitSummary and AwaitMemories record which parts of the result are
	// still outstanding. A callback may deliver them together or separately.
	AwaitSummary  bool `json:"await_summary"`
	AwaitMemories bool `json:"await_memories"`
}

// Done reports whether nothing is outstanding any more.
func (j Job) Done() bool {
	return !j.AwaitSummary && !j.AwaitMemories
}

// Store holds pending jobs keyed by (owner id, conversation id).
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put creates or replaces the job.
	Put(ctx context.Context, job Job) error

	// Get returns the job or [ErrNotFound].
	Get(ctx context.Context, ownerID, conversationID string) (Job, error)

	// Delete removes the job. Deleting a missing job is not an error.
	Delete(ctx context.Context, ownerID, conversationID string) error
}

func key(ownerID, conversationID string) string {
	return ownerID + "/" + conversationID
}
