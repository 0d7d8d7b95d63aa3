package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/types"
)

// ErrDuplicate is returned by [Adapter.AddManual] when a near-identical
// memory with a different id already exists.
var ErrDuplicate = errors.New("memory: duplicate of an existing memory")

// ErrInvalid is returned for empty content or an unknown review state.
var ErrInvalid = errors.New("memory: invalid input")

// dedupeScanLimit bounds how many of the newest memories are loaded for
// duplicate checks.
const dedupeScanLimit = 1000

// ID derives the deterministic memory id from owner and content.
func ID(ownerID, content string) string {
	sum := sha256.Sum256([]byte(ownerID + "\x00" + Normalize(content)))
	return hex.EncodeToString(sum[:16])
}

// NormalizeTags lowercases, trims, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Adapter applies a [Policy] to candidates and writes the survivors to a
// [store.MemoryStore]. It is safe for concurrent use; the policy can be
// swapped at runtime with [Adapter.SetPolicy].
type Adapter struct {
	store   store.MemoryStore
	policy  atomic.Pointer[Policy]
	metrics *observe.Metrics
	now     func() time.Time
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithPolicy sets the initial policy. Defaults to [DefaultPolicy].
func WithPolicy(p Policy) Option {
	return func(a *Adapter) { a.policy.Store(&p) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter returns an Adapter writing to s.
func NewAdapter(s store.MemoryStore, opts ...Option) *Adapter {
	a := &Adapter{store: s, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	if a.policy.Load() == nil {
		p := DefaultPolicy()
		a.policy.Store(&p)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Policy returns the current policy.
func (a *Adapter) Policy() Policy { return *a.policy.Load() }

// SetPolicy replaces the policy for subsequent calls.
func (a *Adapter) SetPolicy(p Policy) { a.policy.Store(&p) }

// recent returns the normalised contents of the owner's memories created
// within the dedupe window, rejected ones included.
func (a *Adapter) recent(ctx context.Context, ownerID string, window time.Duration) ([]string, error) {
	var since time.Time
	if window > 0 {
		since = a.now().Add(-window)
	}
	existing, err := a.store.ListMemories(ctx, ownerID, store.MemoryFilter{
		Since:           since,
		IncludeRejected: true,
		Newest:          true,
		Limit:           dedupeScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: load recent: %w", err)
	}
	out := make([]string, len(existing))
	for i, m := range existing {
		out[i] = Normalize(m.Content)
	}
	return out, nil
}

// Store runs the policy over candidates extracted from conversationID and
// persists the accepted ones. It returns the stored memories in backend
// order.
func (a *Adapter) Store(ctx context.Context, ownerID, conversationID string, candidates []types.MemoryCandidate) ([]types.Memory, error) {
	if len(candidates) == 0 {
		return []types.Memory{}, nil
	}
	policy := a.Policy()

	existing, err := a.recent(ctx, ownerID, policy.DedupeWindow)
	if err != nil {
		return nil, err
	}

	outcome := policy.Apply(candidates, existing)
	log := observe.Logger(ctx)
	for _, r := range outcome.Rejected {
		observe.Count(ctx, a.metrics.MemoriesRejected, "reason", r.Reason)
		log.Debug("memory candidate rejected", "owner_id", ownerID, "conversation_id", conversationID, "reason", r.Reason)
	}
	if outcome.OverClassified {
		a.metrics.OverClassification.Add(ctx, 1)
		log.Warn("every memory candidate labelled high-salience",
			"owner_id", ownerID,
			"conversation_id", conversationID,
			"candidates", len(candidates),
		)
	}

	now := a.now().UTC()
	stored := make([]types.Memory, 0, len(outcome.Accepted))
	for _, c := range outcome.Accepted {
		m := a.build(ownerID, c, now)
		m.ConversationID = conversationID

		// The same content may already be stored outside the dedupe scan.
		// The existing memory and the owner's verdict on it win.
		_, err := a.store.GetMemory(ctx, ownerID, m.ID)
		switch {
		case err == nil:
			observe.Count(ctx, a.metrics.MemoriesRejected, "reason", ReasonDuplicate)
			log.Debug("memory candidate already stored", "owner_id", ownerID, "conversation_id", conversationID, "memory_id", m.ID)
			continue
		case !errors.Is(err, store.ErrNotFound):
			return stored, fmt.Errorf("memory: lookup: %w", err)
		}

		if err := a.store.UpsertMemory(ctx, &m); err != nil {
			return stored, fmt.Errorf("memory: store: %w", err)
		}
		a.metrics.MemoriesStored.Add(ctx, 1)
		stored = append(stored, m)
	}
	return stored, nil
}

func (a *Adapter) build(ownerID string, c types.MemoryCandidate, now time.Time) types.Memory {
	content := strings.TrimSpace(c.Content)
	category := types.ParseMemoryCategory(string(c.Category))
	return types.Memory{
		ID:         ID(ownerID, content),
		OwnerID:    ownerID,
		Content:    content,
		Category:   category,
		Tags:       NormalizeTags(c.Tags),
		Visibility: types.ParseVisibility(string(c.Visibility)),
		CreatedAt:  now,
		UpdatedAt:  now,
		Score:      types.RetrievalScore(false, category, now),
	}
}

// AddManual stores a memory entered by the owner. Re-adding the same content
// is idempotent; a near-duplicate of a different memory returns
// [ErrDuplicate].
func (a *Adapter) AddManual(ctx context.Context, ownerID string, c types.MemoryCandidate) (types.Memory, error) {
	if strings.TrimSpace(c.Content) == "" {
		return types.Memory{}, fmt.Errorf("%w: empty content", ErrInvalid)
	}
	policy := a.Policy()
	now := a.now().UTC()
	m := a.build(ownerID, c, now)
	m.Manual = true
	m.Review = types.ReviewAccepted

	prev, err := a.store.GetMemory(ctx, ownerID, m.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing, err := a.recent(ctx, ownerID, policy.DedupeWindow)
		if err != nil {
			return types.Memory{}, err
		}
		if policy.isDuplicate(Normalize(m.Content), existing) {
			return types.Memory{}, ErrDuplicate
		}
	case err != nil:
		return types.Memory{}, fmt.Errorf("memory: lookup: %w", err)
	default:
		m.CreatedAt = prev.CreatedAt
		m.ConversationID = prev.ConversationID
	}
	m.Score = types.RetrievalScore(true, m.Category, m.CreatedAt)

	if err := a.store.UpsertMemory(ctx, &m); err != nil {
		return types.Memory{}, fmt.Errorf("memory: store: %w", err)
	}
	a.metrics.MemoriesStored.Add(ctx, 1)
	return m, nil
}

// SetReview records the owner's verdict on a memory.
func (a *Adapter) SetReview(ctx context.Context, ownerID, id string, review types.ReviewState) (types.Memory, error) {
	if !review.IsValid() {
		return types.Memory{}, fmt.Errorf("%w: review state %q", ErrInvalid, review)
	}
	m, err := a.store.GetMemory(ctx, ownerID, id)
	if err != nil {
		return types.Memory{}, err
	}
	m.Review = review
	m.UpdatedAt = a.now().UTC()
	if err := a.store.UpsertMemory(ctx, m); err != nil {
		return types.Memory{}, fmt.Errorf("memory: store: %w", err)
	}
	return *m, nil
}

// List returns the owner's memories by retrieval score.
func (a *Adapter) List(ctx context.Context, ownerID string, f store.MemoryFilter) ([]types.Memory, error) {
	return a.store.ListMemories(ctx, ownerID, f)
}
