package observe

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestProviderConfig_Sampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{-3, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := ProviderConfig{SampleRatio: tt.ratio}.sampler().Description()
		if !strings.HasPrefix(got, "ParentBased{") || !strings.Contains(got, tt.want) {
			t.Errorf("ratio %v: sampler = %s, want parent-based %s", tt.ratio, got, tt.want)
		}
	}
}

func TestProviderConfig_Resource(t *testing.T) {
	res, err := ProviderConfig{ServiceName: "murmur", ServiceVersion: "1.2.3", Environment: "staging"}.resource()
	if err != nil {
		t.Fatalf("resource() error: %v", err)
	}
	if res.SchemaURL() != resource.Default().SchemaURL() {
		t.Errorf("schema url = %q, want the SDK default %q", res.SchemaURL(), resource.Default().SchemaURL())
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range map[string]string{
		"service.name":                "murmur",
		"service.version":             "1.2.3",
		"deployment.environment.name": "staging",
	} {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestInitProvider_InstallsGlobals(t *testing.T) {
	prevTP, prevMP, prevProp := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
		otel.SetTextMapPropagator(prevProp)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider() error: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "ingest")
	if !span.SpanContext().IsSampled() {
		t.Error("root span not sampled with default ratio")
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if !strings.Contains(carrier.Get("traceparent"), CorrelationID(ctx)) {
		t.Errorf("traceparent = %q, want trace id %s", carrier.Get("traceparent"), CorrelationID(ctx))
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}
