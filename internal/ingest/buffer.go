package ingest

import (
	"sync"

	"github.com/MrWong99/murmur/pkg/types"
)

// Buffer accumulates fragments between ticks. Push and Swap may be called
// from different goroutines.
type Buffer struct {
	mu        sync.Mutex
	fragments []types.Fragment
}

// Push appends f.
func (b *Buffer) Push(f types.Fragment) {
	b.mu.Lock()
	b.fragments = append(b.fragments, f)
	b.mu.Unlock()
}

// Swap replaces the pending fragments with an empty buffer and returns
// them in push order. It returns nil when nothing is pending. A fragment
// pushed concurrently lands either in the returned batch or in the next
// one, never in neither.
func (b *Buffer) Swap() []types.Fragment {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.fragments) == 0 {
		return nil
	}
	batch := b.fragments
	b.fragments = nil
	return batch
}

// Len returns the number of pending fragments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fragments)
}
