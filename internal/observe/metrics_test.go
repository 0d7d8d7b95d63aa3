package observe_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/observe/observetest"
)

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := observetest.NewMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestCounters(t *testing.T) {
	m, reader := observetest.NewMetrics(t)
	ctx := context.Background()

	m.RecordConversation(ctx, "completed")
	m.RecordConversation(ctx, "completed")
	m.RecordConversation(ctx, "discarded")
	m.RecordBackendRequest(ctx, "remote", "error")
	m.RecordPoolTask(ctx, "enrichment", "panic")
	m.RecordForward(ctx, "nats", "ok")
	m.RecordUrgencyAlert(ctx, "critical", "sent")
	m.RecordBreakerTransition(ctx, "remote", "open")
	observe.Count(ctx, m.MemoriesRejected, "reason", "too_short")

	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"murmur.conversations", "status", "completed", 2},
		{"murmur.conversations", "status", "discarded", 1},
		{"murmur.conversations", "", "", 3},
		{"murmur.extraction.requests", "status", "error", 1},
		{"murmur.pool.tasks", "status", "panic", 1},
		{"murmur.forward.batches", "target", "nats", 1},
		{"murmur.urgency.alerts", "level", "critical", 1},
		{"murmur.memories.rejected", "reason", "too_short", 1},
		{"murmur.breaker.transitions", "to", "open", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name+"/"+tc.value, func(t *testing.T) {
			if got := reader.Sum(tc.name, tc.key, tc.value); got != tc.want {
				t.Errorf("sum = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestGauge_ActiveSessions(t *testing.T) {
	m, reader := observetest.NewMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	if got := reader.Sum("murmur.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestTimer_PhasesAndTotal(t *testing.T) {
	m, reader := observetest.NewMetrics(t)
	ctx := context.Background()

	timer := m.NewTimer()
	stopExtract := timer.Phase(ctx, observe.PhaseExtraction)
	time.Sleep(5 * time.Millisecond)
	d := stopExtract()
	if d <= 0 {
		t.Errorf("phase duration = %v, want > 0", d)
	}
	// A second call must not record again.
	if again := stopExtract(); again != d {
		t.Errorf("second stop returned %v, want %v", again, d)
	}

	phases := timer.Stop(ctx)
	if phases[observe.PhaseExtraction] != d {
		t.Errorf("phases[extraction] = %v, want %v", phases[observe.PhaseExtraction], d)
	}
	if phases[observe.PhaseTotal] < d {
		t.Errorf("total %v shorter than extraction %v", phases[observe.PhaseTotal], d)
	}

	if got := reader.HistogramCount("murmur.phase.duration", "phase", observe.PhaseExtraction); got != 1 {
		t.Errorf("extraction samples = %d, want 1", got)
	}
	if got := reader.HistogramCount("murmur.phase.duration", "phase", observe.PhaseTotal); got != 1 {
		t.Errorf("total samples = %d, want 1", got)
	}
}

func TestHTTPRequestDuration_IsHistogram(t *testing.T) {
	m, reader := observetest.NewMetrics(t)
	m.HTTPRequestDuration.Record(context.Background(), 0.05)

	met := observetest.Find(reader.Collect(), "murmur.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	if _, ok := met.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatal("metric is not a histogram")
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := observe.DefaultMetrics()
	b := observe.DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
