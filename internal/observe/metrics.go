// Package observe holds murmur's observability plumbing: OpenTelemetry
// metrics and traces, trace-aware slog loggers, and the HTTP middleware that
// ties a request to all three.
//
// Instruments are created through the OTel metrics API and scraped from
// /metrics through the Prometheus bridge installed by [InitProvider].
// Production code shares [DefaultMetrics]; tests build their own with
// [NewMetrics] over a manual reader so counts do not leak between tests.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/murmur"

// Phase names recorded by [Timer].
const (
	PhaseTranscription = "transcription"
	PhaseExtraction    = "extraction"
	PhaseMemory        = "memory"
	PhaseUrgency       = "urgency"
	PhaseTotal         = "total"
)

// Metrics is the full set of murmur instruments. The attribute keys each
// counter expects are listed next to it.
type Metrics struct {
	PhaseDuration metric.Float64Histogram // phase

	Conversations       metric.Int64Counter // status
	ExtractionFallbacks metric.Int64Counter // part
	BackendRequests     metric.Int64Counter // backend, status
	BreakerTransitions  metric.Int64Counter // breaker, to
	MemoriesStored      metric.Int64Counter
	MemoriesRejected    metric.Int64Counter // reason
	OverClassification  metric.Int64Counter
	StaleConversations  metric.Int64Counter
	UrgencyScans        metric.Int64Counter // result
	UrgencyAlerts       metric.Int64Counter // level, status
	Callbacks           metric.Int64Counter // outcome
	PoolTasks           metric.Int64Counter // pool, status
	ForwardedBatches    metric.Int64Counter // target, status
	FragmentsIngested   metric.Int64Counter // source

	ActiveSessions metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram // method, path
}

// Seconds. The tail covers slow synchronous extraction.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Conversations, "murmur.conversations", "Conversation lifecycle outcomes by status."},
		{&met.ExtractionFallbacks, "murmur.extraction.fallbacks", "Extractions served by the local fallback."},
		{&met.BackendRequests, "murmur.extraction.requests", "Extraction backend requests by backend and status."},
		{&met.BreakerTransitions, "murmur.breaker.transitions", "Circuit breaker state changes by breaker and new state."},
		{&met.MemoriesStored, "murmur.memories.stored", "Memories persisted."},
		{&met.MemoriesRejected, "murmur.memories.rejected", "Memory candidates rejected by reason."},
		{&met.OverClassification, "murmur.memories.over_classification", "Candidate batches labelled entirely high-salience."},
		{&met.StaleConversations, "murmur.conversations.stale", "Conversations stuck in processing past the stale ceiling."},
		{&met.UrgencyScans, "murmur.urgency.scans", "Urgency scans by result."},
		{&met.UrgencyAlerts, "murmur.urgency.alerts", "Urgency notifications by level and status."},
		{&met.Callbacks, "murmur.callbacks", "Async extraction callbacks by outcome."},
		{&met.PoolTasks, "murmur.pool.tasks", "Background tasks by pool and status."},
		{&met.ForwardedBatches, "murmur.forward.batches", "Fragment batches forwarded by target and status."},
		{&met.FragmentsIngested, "murmur.fragments.ingested", "Transcript fragments ingested by source."},
	}
	for _, c := range counters {
		ctr, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}

	var err error
	met.PhaseDuration, err = m.Float64Histogram("murmur.phase.duration",
		metric.WithDescription("Latency of ingestion and enrichment phases."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	if err != nil {
		return nil, err
	}
	met.HTTPRequestDuration, err = m.Float64Histogram("murmur.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	met.ActiveSessions, err = m.Int64UpDownCounter("murmur.active_sessions",
		metric.WithDescription("Number of live streaming sessions."))
	if err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments, registered on the
// global meter provider at first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Count adds one to c with a single string attribute.
func Count(ctx context.Context, c metric.Int64Counter, key, value string) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
}

// count2 adds one to c labelled with two string attributes.
func count2(ctx context.Context, c metric.Int64Counter, k1, v1, k2, v2 string) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String(k1, v1), attribute.String(k2, v2)))
}

func (m *Metrics) RecordConversation(ctx context.Context, status string) {
	Count(ctx, m.Conversations, "status", status)
}

func (m *Metrics) RecordBackendRequest(ctx context.Context, backend, status string) {
	count2(ctx, m.BackendRequests, "backend", backend, "status", status)
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	count2(ctx, m.BreakerTransitions, "breaker", breaker, "to", to)
}

func (m *Metrics) RecordPoolTask(ctx context.Context, pool, status string) {
	count2(ctx, m.PoolTasks, "pool", pool, "status", status)
}

func (m *Metrics) RecordForward(ctx context.Context, target, status string) {
	count2(ctx, m.ForwardedBatches, "target", target, "status", status)
}

func (m *Metrics) RecordUrgencyAlert(ctx context.Context, level, status string) {
	count2(ctx, m.UrgencyAlerts, "level", level, "status", status)
}
