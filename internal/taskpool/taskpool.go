// Package taskpool runs supervised background work with a bounded number of
// concurrent goroutines.
//
// Every task runs detached from the submitting request's cancellation but
// keeps its values (trace context, loggers). Panics are recovered and
// counted, errors are logged and counted, and [Pool.Wait] drains everything
// still running at shutdown.
//
// Two submission styles are offered. [Pool.Go] blocks while the pool is full
// and is meant for work that must happen (conversation enrichment).
// [Pool.TryGo] drops the task when the pool is full and is meant for
// best-effort side channels (urgency scans, forwarding) that must never
// slow down the caller.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/observe"
)

// ErrClosed is returned when submitting to a pool that is draining.
var ErrClosed = errors.New("taskpool: closed")

// ErrFull is returned by [Pool.TryGo] when no slot is free.
var ErrFull = errors.New("taskpool: full")

// DefaultLimit is the concurrency limit used when none is configured.
const DefaultLimit = 32

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Pool is a bounded task runner. The zero value is not usable; create
// instances with [New].
type Pool struct {
	name    string
	metrics *observe.Metrics
	g       errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// Option configures a [Pool].
type Option func(*Pool)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New returns a pool named name that runs at most limit tasks at once. A
// non-positive limit selects [DefaultLimit].
func New(name string, limit int, opts ...Option) *Pool {
	if limit <= 0 {
		limit = DefaultLimit
	}
	p := &Pool{name: name}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.g.SetLimit(limit)
	return p
}

// Name returns the pool name used in logs and metrics.
func (p *Pool) Name() string { return p.name }

// Go runs task, blocking until a slot is free. The task's context carries
// ctx's values but is never cancelled by ctx.
func (p *Pool) Go(ctx context.Context, label string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.RecordPoolTask(ctx, p.name, "dropped")
		return ErrClosed
	}
	p.g.Go(p.wrap(context.WithoutCancel(ctx), label, task))
	return nil
}

// TryGo runs task if a slot is free and returns [ErrFull] otherwise. Dropped
// tasks are counted.
func (p *Pool) TryGo(ctx context.Context, label string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.RecordPoolTask(ctx, p.name, "dropped")
		return ErrClosed
	}
	if !p.g.TryGo(p.wrap(context.WithoutCancel(ctx), label, task)) {
		p.metrics.RecordPoolTask(ctx, p.name, "dropped")
		slog.Debug("task dropped, pool full", "pool", p.name, "task", label)
		return ErrFull
	}
	return nil
}

// wrap turns task into an errgroup function that never reports an error, so
// one failing task cannot poison the group.
func (p *Pool) wrap(ctx context.Context, label string, task Task) func() error {
	return func() (ret error) {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.RecordPoolTask(ctx, p.name, "panic")
				observe.Logger(ctx).Error("task panicked",
					"pool", p.name,
					"task", label,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				ret = nil
			}
		}()

		if err := task(ctx); err != nil {
			p.metrics.RecordPoolTask(ctx, p.name, "error")
			observe.Logger(ctx).Warn("task failed", "pool", p.name, "task", label, "err", err)
			return nil
		}
		p.metrics.RecordPoolTask(ctx, p.name, "ok")
		return nil
	}
}

// Wait stops accepting new tasks and blocks until every running task has
// returned or ctx is done. It is safe to call more than once.
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("taskpool %s: drain: %w", p.name, ctx.Err())
	}
}
