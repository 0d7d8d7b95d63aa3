package urgency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/internal/notify"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/taskpool"
	"github.com/MrWong99/murmur/pkg/types"
)

const (
	// DefaultScanTimeout bounds one scan.
	DefaultScanTimeout = 800 * time.Millisecond

	// DefaultNotifyTimeout bounds one notification hand-off.
	DefaultNotifyTimeout = 3 * time.Second
)

// Monitor runs urgency scans for ingestion batches and dispatches
// notifications for actionable results. Its methods never return errors.
type Monitor struct {
	scanner       Scanner
	notifier      notify.Notifier
	pool          *taskpool.Pool
	metrics       *observe.Metrics
	timeout       atomic.Int64
	notifyTimeout time.Duration
	minLevel      Level
	audioLevel    Level
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithScanTimeout sets the per-scan deadline.
func WithScanTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout.Store(int64(d))
		}
	}
}

// WithNotifyTimeout sets the deadline of each notification hand-off.
func WithNotifyTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.notifyTimeout = d
		}
	}
}

// WithMinLevel sets the lowest level that may trigger a notification.
// Defaults to [LevelHigh].
func WithMinLevel(l Level) MonitorOption {
	return func(m *Monitor) { m.minLevel = l }
}

// WithAudioLevel sets the lowest level for which spoken audio is requested.
// Defaults to [LevelCritical].
func WithAudioLevel(l Level) MonitorOption {
	return func(m *Monitor) { m.audioLevel = l }
}

// WithPool runs notification hand-offs on p. Without a pool each hand-off
// gets its own goroutine.
func WithPool(p *taskpool.Pool) MonitorOption {
	return func(m *Monitor) { m.pool = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor returns a monitor that scans with s and notifies through n.
func NewMonitor(s Scanner, n notify.Notifier, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		scanner:       s,
		notifier:      n,
		notifyTimeout: DefaultNotifyTimeout,
		minLevel:      LevelHigh,
		audioLevel:    LevelCritical,
	}
	m.timeout.Store(int64(DefaultScanTimeout))
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// ScanTimeout returns the current per-scan deadline.
func (m *Monitor) ScanTimeout() time.Duration { return time.Duration(m.timeout.Load()) }

// SetScanTimeout changes the per-scan deadline at runtime.
func (m *Monitor) SetScanTimeout(d time.Duration) {
	if d > 0 {
		m.timeout.Store(int64(d))
	}
}

// Check scans one batch for ownerID. Failures are logged and reported as
// [LevelNone]. An actionable result is handed to the notifier in the
// background; Check does not wait for delivery.
func (m *Monitor) Check(ctx context.Context, ownerID string, batch []types.Fragment) Result {
	text := types.JoinText(batch)
	if text == "" {
		return Result{Level: LevelNone}
	}

	timer := m.metrics.NewTimer()
	stop := timer.Phase(ctx, observe.PhaseUrgency)
	sctx, cancel := context.WithTimeout(ctx, m.ScanTimeout())
	res, err := m.scanner.Scan(sctx, text)
	cancel()
	stop()

	if err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		observe.Count(ctx, m.metrics.UrgencyScans, "result", result)
		observe.Logger(ctx).Warn("urgency scan dropped", "owner_id", ownerID, "result", result, "err", err)
		return Result{Level: LevelNone}
	}
	observe.Count(ctx, m.metrics.UrgencyScans, "result", "ok")

	if res.ActionNeeded && res.Level.AtLeast(m.minLevel) {
		m.dispatch(ctx, ownerID, res)
	}
	return res
}

func (m *Monitor) dispatch(ctx context.Context, ownerID string, res Result) {
	msg := notify.Message{
		OwnerID:       ownerID,
		Text:          message(res),
		Level:         string(res.Level),
		GenerateAudio: res.Level.AtLeast(m.audioLevel),
	}
	task := func(ctx context.Context) error {
		nctx, cancel := context.WithTimeout(ctx, m.notifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(nctx, msg); err != nil {
			status := "error"
			if errors.Is(err, notify.ErrThrottled) {
				status = "throttled"
			}
			m.metrics.RecordUrgencyAlert(ctx, msg.Level, status)
			observe.Logger(ctx).Warn("urgency notification failed", "owner_id", ownerID, "level", msg.Level, "err", err)
			return nil
		}
		m.metrics.RecordUrgencyAlert(ctx, msg.Level, "sent")
		return nil
	}

	if m.pool == nil {
		go func() { _ = task(context.WithoutCancel(ctx)) }()
		return
	}
	if err := m.pool.TryGo(ctx, "urgency.notify", task); err != nil {
		m.metrics.RecordUrgencyAlert(ctx, msg.Level, "dropped")
	}
}

func message(res Result) string {
	if res.Reasoning != "" {
		return res.Reasoning
	}
	if res.Category != "" {
		return "Urgent: " + res.Category
	}
	return "Something in your conversation needs attention."
}
