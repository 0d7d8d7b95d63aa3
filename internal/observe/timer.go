package observe

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Timer measures named phases of one request, e.g. the extraction call and
// the end-to-end enrichment of a conversation. A Timer is safe for
// concurrent use so phases may overlap.
type Timer struct {
	m     *Metrics
	start time.Time
	now   func() time.Time

	mu     sync.Mutex
	phases map[string]time.Duration
}

// NewTimer starts a timer whose phases are recorded into m.PhaseDuration.
func (m *Metrics) NewTimer() *Timer {
	return &Timer{m: m, start: time.Now(), now: time.Now, phases: make(map[string]time.Duration)}
}

// Phase starts the named phase and returns a function that ends it. The
// elapsed time is recorded once; later calls to the returned function are
// no-ops.
func (t *Timer) Phase(ctx context.Context, name string) func() time.Duration {
	begin := t.now()
	var once sync.Once
	var d time.Duration
	return func() time.Duration {
		once.Do(func() {
			d = t.now().Sub(begin)
			t.record(ctx, name, d)
		})
		return d
	}
}

// Stop records the total elapsed time since NewTimer under [PhaseTotal] and
// returns every phase measured so far.
func (t *Timer) Stop(ctx context.Context) map[string]time.Duration {
	t.record(ctx, PhaseTotal, t.now().Sub(t.start))
	return t.Phases()
}

// Phases returns a copy of the recorded phase durations.
func (t *Timer) Phases() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.phases)
}

func (t *Timer) record(ctx context.Context, name string, d time.Duration) {
	t.mu.Lock()
	t.phases[name] += d
	t.mu.Unlock()
	t.m.PhaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("phase", name)))
}
