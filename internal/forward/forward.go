// Package forward relays each ingestion batch to a real-time consumer
// registered for the session, such as a webhook or a NATS subject.
//
// Forwarding is best effort. Failures are logged and counted by
// [Instrumented] and never reach the ingestion loop.
package forward

import (
	"context"
	"time"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/types"
)

// DefaultTimeout bounds one forward.
const DefaultTimeout = 3 * time.Second

// Batch is the set of fragments swapped out of a session buffer on one
// tick.
type Batch struct {
	OwnerID   string           `json:"uid"`
	SessionID string           `json:"session_id"`
	Seq       uint64           `json:"seq"`
	SentAt    time.Time        `json:"sent_at"`
	Fragments []types.Fragment `json:"segments"`
}

// Forwarder delivers a [Batch]. Implementations must be safe for concurrent
// use.
type Forwarder interface {
	Forward(ctx context.Context, b Batch) error
}

// Instrumented wraps a [Forwarder] with a deadline, metrics and logging.
type Instrumented struct {
	name    string
	next    Forwarder
	timeout time.Duration
	metrics *observe.Metrics
}

var _ Forwarder = (*Instrumented)(nil)

// Instrument wraps next. A non-positive timeout selects [DefaultTimeout]
// and a nil m selects [observe.DefaultMetrics].
func Instrument(name string, next Forwarder, timeout time.Duration, m *observe.Metrics) *Instrumented {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Instrumented{name: name, next: next, timeout: timeout, metrics: m}
}

// Forward implements [Forwarder]. The returned error is informational;
// it has already been logged and counted.
func (f *Instrumented) Forward(ctx context.Context, b Batch) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.next.Forward(ctx, b); err != nil {
		f.metrics.RecordForward(ctx, f.name, "error")
		observe.Logger(ctx).Warn("forward failed",
			"target", f.name, "owner_id", b.OwnerID, "session_id", b.SessionID, "seq", b.Seq, "err", err)
		return err
	}
	f.metrics.RecordForward(ctx, f.name, "ok")
	return nil
}
