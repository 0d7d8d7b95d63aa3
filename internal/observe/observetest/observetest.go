// Package observetest provides helpers for asserting metrics recorded
// through [observe.Metrics] in unit tests.
package observetest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/murmur/internal/observe"
)

// Reader wraps a ManualReader bound to a private MeterProvider.
type Reader struct {
	t      testing.TB
	reader *sdkmetric.ManualReader
}

// NewMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func NewMetrics(t testing.TB) (*observe.Metrics, *Reader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, &Reader{t: t, reader: reader}
}

// Collect gathers all metric data from the reader.
func (r *Reader) Collect() metricdata.ResourceMetrics {
	r.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		r.t.Fatalf("Collect: %v", err)
	}
	return rm
}

// Find searches for a metric by name across all scope metrics.
func Find(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// Sum returns the total of an int64 sum metric across data points whose
// attribute key equals value. An empty key matches every data point.
func (r *Reader) Sum(name, key, value string) int64 {
	r.t.Helper()
	met := Find(r.Collect(), name)
	if met == nil {
		return 0
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		r.t.Fatalf("metric %q is not an int64 sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attrKey(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

// HistogramCount returns the number of samples recorded in a float64
// histogram for data points whose attribute key equals value.
func (r *Reader) HistogramCount(name, key, value string) uint64 {
	r.t.Helper()
	met := Find(r.Collect(), name)
	if met == nil {
		return 0
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		r.t.Fatalf("metric %q is not a float64 histogram", name)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		if key == "" {
			total += dp.Count
			continue
		}
		if v, ok := dp.Attributes.Value(attrKey(key)); ok && v.AsString() == value {
			total += dp.Count
		}
	}
	return total
}

func attrKey(k string) attribute.Key { return attribute.Key(k) }
