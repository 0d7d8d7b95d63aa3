package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/memory"
	"github.com/MrWong99/murmur/internal/observe/observetest"
	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/store/memstore"
	"github.com/MrWong99/murmur/pkg/types"
)

var t0 = time.Date(2024, 6, 6, 15, 0, 0, 0, time.UTC)

func newAdapter(t *testing.T) (*memory.Adapter, *memstore.Store, *observetest.Reader) {
	t.Helper()
	m, reader := observetest.NewMetrics(t)
	s := memstore.New()
	a := memory.NewAdapter(s, memory.WithMetrics(m), memory.WithClock(func() time.Time { return t0 }))
	return a, s, reader
}

func TestID_Deterministic(t *testing.T) {
	t.Parallel()

	a := memory.ID("alice", "Likes green tea.")
	b := memory.ID("alice", "  likes GREEN tea ")
	c := memory.ID("bob", "Likes green tea.")
	if a != b {
		t.Errorf("same normalised content produced different ids: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different owners produced the same id")
	}
}

func TestNormalizeTags(t *testing.T) {
	t.Parallel()

	got := memory.NormalizeTags([]string{"Health", " dentist", "health", "", "Appointments"})
	want := []string{"appointments", "dentist", "health"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("NormalizeTags = %v, want %v", got, want)
	}
}

func TestAdapter_Store(t *testing.T) {
	t.Parallel()

	a, s, reader := newAdapter(t)
	ctx := context.Background()

	cands := []types.MemoryCandidate{
		{Content: "Works as a nurse at the county hospital", Category: "routine", Tags: []string{"Work", "work"}},
		{Content: "Is allergic to penicillin", Category: "high-salience", Visibility: "public"},
		{Content: "ok", Category: "routine"},
	}
	stored, err := a.Store(ctx, "alice", "conv-1", cands)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d, want 2", len(stored))
	}
	if stored[0].ConversationID != "conv-1" || stored[0].Tags[0] != "work" || len(stored[0].Tags) != 1 {
		t.Errorf("stored[0] = %+v", stored[0])
	}
	if stored[1].Visibility != types.VisibilityPublic || stored[1].Category != types.MemoryHighSalience {
		t.Errorf("stored[1] = %+v", stored[1])
	}

	got, err := s.GetMemory(ctx, "alice", memory.ID("alice", cands[0].Content))
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Score != types.RetrievalScore(false, types.MemoryRoutine, t0) {
		t.Errorf("Score = %d", got.Score)
	}

	if n := reader.Sum("murmur.memories.stored", "", ""); n != 2 {
		t.Errorf("stored metric = %d, want 2", n)
	}
	if n := reader.Sum("murmur.memories.rejected", "reason", memory.ReasonTooShort); n != 1 {
		t.Errorf("too_short metric = %d, want 1", n)
	}
}

func TestAdapter_Store_DedupesAcrossCalls(t *testing.T) {
	t.Parallel()

	a, s, _ := newAdapter(t)
	ctx := context.Background()
	cands := []types.MemoryCandidate{{Content: "Works as a nurse at the county hospital", Category: "routine"}}

	if _, err := a.Store(ctx, "alice", "conv-1", cands); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	stored, err := a.Store(ctx, "alice", "conv-2", cands)
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("duplicate stored again: %+v", stored)
	}

	all, _ := s.ListMemories(ctx, "alice", store.MemoryFilter{})
	if len(all) != 1 {
		t.Errorf("owner has %d memories, want 1", len(all))
	}

	// Another owner is unaffected.
	stored, _ = a.Store(ctx, "bob", "conv-3", cands)
	if len(stored) != 1 {
		t.Errorf("bob stored %d, want 1", len(stored))
	}
}

func TestAdapter_Store_KeepsOwnerVerdict(t *testing.T) {
	t.Parallel()

	now := t0
	m, reader := observetest.NewMetrics(t)
	s := memstore.New()
	a := memory.NewAdapter(s, memory.WithMetrics(m), memory.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	manual, err := a.AddManual(ctx, "alice", types.MemoryCandidate{Content: "Volunteers at the food bank on Sundays"})
	if err != nil {
		t.Fatalf("AddManual: %v", err)
	}
	if _, err := a.SetReview(ctx, "alice", manual.ID, types.ReviewRejected); err != nil {
		t.Fatalf("SetReview: %v", err)
	}

	// Extracted again long after the dedupe window closed.
	now = t0.Add(31 * 24 * time.Hour)
	stored, err := a.Store(ctx, "alice", "conv-2", []types.MemoryCandidate{{Content: "volunteers at the food bank on sundays", Category: "routine"}})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("existing memory written again: %+v", stored)
	}

	got, err := s.GetMemory(ctx, "alice", manual.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if !got.Manual || got.Review != types.ReviewRejected || got.ConversationID != "" || !got.CreatedAt.Equal(t0) || got.Score != manual.Score {
		t.Errorf("memory changed by re-extraction: %+v", got)
	}
	if n := reader.Sum("murmur.memories.rejected", "reason", memory.ReasonDuplicate); n != 1 {
		t.Errorf("duplicate metric = %d, want 1", n)
	}
}

func TestAdapter_Store_DedupeScansNewest(t *testing.T) {
	t.Parallel()

	a, s, _ := newAdapter(t)
	a.SetPolicy(memory.Policy{MinLength: 5, MaxPerConversation: 10, NearDuplicate: 0.9})
	ctx := context.Background()

	// Enough high-scoring old memories to fill a score-ordered scan.
	for i := range 1000 {
		_ = s.UpsertMemory(ctx, &types.Memory{
			ID: fmt.Sprintf("old-%04d", i), OwnerID: "alice", Content: fmt.Sprintf("Old fact number %d", i),
			Category: types.MemoryHighSalience, Manual: true, CreatedAt: t0.Add(-time.Hour),
			Score: types.RetrievalScore(true, types.MemoryHighSalience, t0.Add(-time.Hour)),
		})
	}
	if _, err := a.Store(ctx, "alice", "conv-1", []types.MemoryCandidate{{Content: "Walks the dog every morning before work", Category: "routine"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	stored, err := a.Store(ctx, "alice", "conv-2", []types.MemoryCandidate{{Content: "Walks the dogs every morning before work", Category: "routine"}})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("near duplicate of the newest memory stored: %+v", stored)
	}
}

func TestAdapter_Store_OverClassificationSignal(t *testing.T) {
	t.Parallel()

	a, _, reader := newAdapter(t)
	stored, err := a.Store(context.Background(), "alice", "conv-1", []types.MemoryCandidate{
		{Content: "Climbed Kilimanjaro last summer", Category: "high-salience"},
		{Content: "Met the president at a fundraiser", Category: "high-salience"},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored %d, want 2", len(stored))
	}
	if n := reader.Sum("murmur.memories.over_classification", "", ""); n != 1 {
		t.Errorf("over_classification = %d, want 1", n)
	}
}

func TestAdapter_Store_RespectsCap(t *testing.T) {
	t.Parallel()

	a, _, _ := newAdapter(t)
	a.SetPolicy(memory.Policy{MinLength: 5, MaxPerConversation: 2})

	stored, err := a.Store(context.Background(), "alice", "conv-1", []types.MemoryCandidate{
		{Content: "Owns a golden retriever named Max"},
		{Content: "Grew up in Lisbon, Portugal"},
		{Content: "Plays bass in a jazz quartet"},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored %d, want 2", len(stored))
	}
}

func TestAdapter_AddManual(t *testing.T) {
	t.Parallel()

	a, _, _ := newAdapter(t)
	ctx := context.Background()

	m, err := a.AddManual(ctx, "alice", types.MemoryCandidate{Content: "Prefers green tea in the morning"})
	if err != nil {
		t.Fatalf("AddManual: %v", err)
	}
	if !m.Manual || m.Review != types.ReviewAccepted {
		t.Errorf("manual memory = %+v", m)
	}
	if m.Score != types.RetrievalScore(true, types.MemoryRoutine, t0) {
		t.Errorf("Score = %d, want manual band", m.Score)
	}

	again, err := a.AddManual(ctx, "alice", types.MemoryCandidate{Content: "prefers green tea in the morning."})
	if err != nil {
		t.Fatalf("AddManual (same content): %v", err)
	}
	if again.ID != m.ID {
		t.Errorf("re-add produced new id %s, want %s", again.ID, m.ID)
	}

	_, err = a.AddManual(ctx, "alice", types.MemoryCandidate{Content: "Prefers green tea in the mornings"})
	if !errors.Is(err, memory.ErrDuplicate) {
		t.Errorf("near duplicate err = %v, want ErrDuplicate", err)
	}

	_, err = a.AddManual(ctx, "alice", types.MemoryCandidate{Content: "   "})
	if !errors.Is(err, memory.ErrInvalid) {
		t.Errorf("empty content err = %v, want ErrInvalid", err)
	}
}

func TestAdapter_SetReview(t *testing.T) {
	t.Parallel()

	a, _, _ := newAdapter(t)
	ctx := context.Background()
	stored, _ := a.Store(ctx, "alice", "conv-1", []types.MemoryCandidate{{Content: "Works as a nurse at the county hospital"}})

	m, err := a.SetReview(ctx, "alice", stored[0].ID, types.ReviewRejected)
	if err != nil {
		t.Fatalf("SetReview: %v", err)
	}
	if m.Review != types.ReviewRejected {
		t.Errorf("Review = %q", m.Review)
	}

	visible, _ := a.List(ctx, "alice", store.MemoryFilter{})
	if len(visible) != 0 {
		t.Errorf("rejected memory still listed: %+v", visible)
	}

	if _, err := a.SetReview(ctx, "alice", "missing", types.ReviewAccepted); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing id err = %v, want ErrNotFound", err)
	}
	if _, err := a.SetReview(ctx, "alice", stored[0].ID, "maybe"); !errors.Is(err, memory.ErrInvalid) {
		t.Errorf("bad review err = %v, want ErrInvalid", err)
	}
}
