// Package store defines the persistence contract for conversations and
// memories.
//
// Every record is scoped by owner id and every write is an idempotent upsert
// keyed by a deterministic id (the conversation id, or the content hash of a
// memory), so retried or duplicated writes never corrupt state. Two
// implementations are provided: [memstore] for development and tests, and
// [postgres] for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/murmur/pkg/types"
)

// ErrNotFound is returned when no record matches the requested owner and id.
var ErrNotFound = errors.New("store: record not found")

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// ConversationFilter narrows [ConversationStore.ListConversations].
type ConversationFilter struct {
	// Status restricts results to one lifecycle state. Empty means any.
	Status types.Status

	// Limit caps the result size. Zero means [DefaultListLimit].
	Limit int
}

// MemoryFilter narrows [MemoryStore.ListMemories].
type MemoryFilter struct {
	// Since drops memories created before it. Zero means no lower bound.
	Since time.Time

	// Category restricts results to one salience class. Empty means any.
	Category types.MemoryCategory

	// IncludeRejected keeps memories the owner rejected.
	IncludeRejected bool

	// Newest orders by creation time, newest first, instead of by
	// retrieval score.
	Newest bool

	// Limit caps the result size. Zero means [DefaultListLimit].
	Limit int
}

// ConversationStore persists conversations keyed by (owner id, id).
type ConversationStore interface {
	// UpsertConversation inserts or replaces c.
	UpsertConversation(ctx context.Context, c *types.Conversation) error

	// GetConversation returns the conversation or [ErrNotFound].
	GetConversation(ctx context.Context, ownerID, id string) (*types.Conversation, error)

	// ListConversations returns the owner's conversations, newest first.
	ListConversations(ctx context.Context, ownerID string, f ConversationFilter) ([]*types.Conversation, error)

	// ListProcessingBefore returns conversations of every owner that entered
	// processing before the given instant and are still processing.
	ListProcessingBefore(ctx context.Context, before time.Time) ([]*types.Conversation, error)
}

// MemoryStore persists memories keyed by (owner id, id).
type MemoryStore interface {
	// UpsertMemory inserts m or replaces an existing memory with the same id
	// while keeping its original creation time, which is written back into m.
	UpsertMemory(ctx context.Context, m *types.Memory) error

	// GetMemory returns the memory or [ErrNotFound].
	GetMemory(ctx context.Context, ownerID, id string) (*types.Memory, error)

	// ListMemories returns the owner's memories sorted by retrieval score,
	// highest first.
	ListMemories(ctx context.Context, ownerID string, f MemoryFilter) ([]types.Memory, error)
}

// Store is the full persistence surface used by murmur.
type Store interface {
	ConversationStore
	MemoryStore

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources.
	Close()
}

// Limit resolves a filter limit against [DefaultListLimit].
func Limit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}
