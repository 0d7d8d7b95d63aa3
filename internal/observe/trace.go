package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the murmur tracer.
const tracerName = "github.com/MrWong99/murmur"

// Span attribute keys shared by every conversation-scoped span.
const (
	AttrOwnerID        = attribute.Key("murmur.owner_id")
	AttrConversationID = attribute.Key("murmur.conversation_id")
)

// Tracer returns the murmur tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartConversationSpan starts a span tagged with the owner and conversation
// it works on, plus any extra attributes.
func StartConversationSpan(ctx context.Context, name, ownerID, conversationID string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, 2+len(extra))
	attrs = append(attrs, AttrOwnerID.String(ownerID), AttrConversationID.String(conversationID))
	attrs = append(attrs, extra...)
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// CorrelationID returns the trace id of the span in ctx, or "". It is echoed
// to clients as the X-Correlation-ID header.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id attached when
// ctx carries a recording span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
