// Package memstore provides an in-memory implementation of [store.Store].
//
// It is intended for local development and tests. All records are deep
// copied on the way in and out so callers can never mutate stored state.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/types"
)

type key struct{ owner, id string }

// Store is a thread-safe in-memory [store.Store].
type Store struct {
	mu            sync.RWMutex
	conversations map[key]*types.Conversation
	memories      map[key]types.Memory
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		conversations: make(map[key]*types.Conversation),
		memories:      make(map[key]types.Memory),
	}
}

// UpsertConversation implements [store.ConversationStore].
func (s *Store) UpsertConversation(_ context.Context, c *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[key{c.OwnerID, c.ID}] = c.Clone()
	return nil
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(_ context.Context, ownerID, id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[key{ownerID, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

// ListConversations implements [store.ConversationStore].
func (s *Store) ListConversations(_ context.Context, ownerID string, f store.ConversationFilter) ([]*types.Conversation, error) {
	s.mu.RLock()
	out := []*types.Conversation{}
	for k, c := range s.conversations {
		if k.owner != ownerID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *types.Conversation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit := store.Limit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListProcessingBefore implements [store.ConversationStore].
func (s *Store) ListProcessingBefore(_ context.Context, before time.Time) ([]*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*types.Conversation{}
	for _, c := range s.conversations {
		if c.Status == types.StatusProcessing && c.ProcessingStartedAt.Before(before) {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *types.Conversation) int {
		return a.ProcessingStartedAt.Compare(b.ProcessingStartedAt)
	})
	return out, nil
}

// UpsertMemory implements [store.MemoryStore].
func (s *Store) UpsertMemory(_ context.Context, m *types.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{m.OwnerID, m.ID}
	cp := cloneMemory(*m)
	if prev, ok := s.memories[k]; ok {
		cp.CreatedAt = prev.CreatedAt
		m.CreatedAt = prev.CreatedAt
	}
	s.memories[k] = cp
	return nil
}

// GetMemory implements [store.MemoryStore].
func (s *Store) GetMemory(_ context.Context, ownerID, id string) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[key{ownerID, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := cloneMemory(m)
	return &cp, nil
}

// ListMemories implements [store.MemoryStore].
func (s *Store) ListMemories(_ context.Context, ownerID string, f store.MemoryFilter) ([]types.Memory, error) {
	s.mu.RLock()
	out := []types.Memory{}
	for k, m := range s.memories {
		if k.owner != ownerID {
			continue
		}
		if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
			continue
		}
		if f.Category != "" && m.Category != f.Category {
			continue
		}
		if !f.IncludeRejected && m.Review == types.ReviewRejected {
			continue
		}
		out = append(out, cloneMemory(m))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Memory) int {
		if f.Newest {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
		}
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit := store.Limit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func cloneMemory(m types.Memory) types.Memory {
	m.Tags = slices.Clone(m.Tags)
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return m
}
