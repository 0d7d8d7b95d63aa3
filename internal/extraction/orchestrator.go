package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/jobs"
	"github.com/MrWong99/murmur/internal/memory"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/internal/timeparse"
	"github.com/MrWong99/murmur/pkg/types"
)

// DefaultLocalTimeout bounds one local extraction call.
const DefaultLocalTimeout = 60 * time.Second

// Config tunes the [Orchestrator].
type Config struct {
	// Mode selects how the remote backend is called. Defaults to [ModeSync].
	Mode Mode

	// SyncTimeout bounds each synchronous remote call.
	SyncTimeout time.Duration

	// LocalTimeout bounds each local extraction call.
	LocalTimeout time.Duration

	// MaxEventDuration caps summary event durations.
	MaxEventDuration time.Duration

	// CircuitBreaker configures the breaker guarding each backend.
	CircuitBreaker resilience.CircuitBreakerConfig
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSync
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.LocalTimeout <= 0 {
		c.LocalTimeout = DefaultLocalTimeout
	}
	if c.MaxEventDuration <= 0 {
		c.MaxEventDuration = DefaultMaxEventDuration
	}
}

// Outcome is the result of [Orchestrator.Extract].
type Outcome struct {
	// Summary is nil only when Pending is set and the summary is still
	// outstanding.
	Summary *types.Summary

	// Memories holds the memories persisted so far.
	Memories []types.Memory

	// Pending is set when at least one part will arrive through a callback.
	// Job then lists the outstanding parts; hand it to
	// [Orchestrator.Register] once Summary has been stored on the
	// conversation.
	Pending bool
	Job     jobs.Job

	// SummaryBackend and MemoryBackend name the backends that served each
	// part. They are empty for pending parts.
	SummaryBackend string
	MemoryBackend  string

	// Phases holds the measured phase durations.
	Phases map[string]time.Duration
}

// Callback is an asynchronous result delivered by the remote backend. At
// least one of Structured and Memories must be present.
type Callback struct {
	OwnerID        string                   `json:"uid"`
	ConversationID string                   `json:"conversation_id"`
	Structured     *SummaryPayload          `json:"structured,omitempty"`
	Memories       *[]types.MemoryCandidate `json:"memories,omitempty"`
}

// Validate checks the callback envelope and the summary payload.
func (cb *Callback) Validate() error {
	if cb.OwnerID == "" || cb.ConversationID == "" {
		return fmt.Errorf("%w: uid and conversation_id are required", ErrMalformed)
	}
	if cb.Structured == nil && cb.Memories == nil {
		return fmt.Errorf("%w: callback carries neither structured nor memories", ErrMalformed)
	}
	if cb.Structured != nil {
		return cb.Structured.Validate()
	}
	return nil
}

// Resolution is the result of [Orchestrator.Resolve].
type Resolution struct {
	// Summary is the summary delivered by this callback, if any.
	Summary *types.Summary

	// Memories holds the memories persisted from this callback.
	Memories []types.Memory

	// Done is set when nothing is outstanding and the conversation can be
	// completed.
	Done bool
}

// Orchestrator coordinates extraction for finished conversations.
//
// In synchronous mode the remote backend and the local extractor form a
// [resilience.FallbackGroup]: the remote is tried first under
// [Config.SyncTimeout] and any failure (timeout, non-2xx, malformed reply,
// connection error, open circuit) hands the request to the local extractor
// exactly once. Summary and memories are extracted concurrently.
//
// In asynchronous mode the remote backend is only asked to acknowledge. Each
// acknowledged part is registered in the [jobs.Store] and later completed by
// [Orchestrator.Resolve]. Submissions go through their own breaker, on which
// an acknowledgement counts as success. A part whose submission fails
// outright, or is refused by an open breaker, is served by the local
// extractor instead.
type Orchestrator struct {
	cfg      Config
	remote   Backend
	local    Backend
	group    *resilience.FallbackGroup[Backend]
	submits  *resilience.CircuitBreaker
	memories *memory.Adapter
	jobs     jobs.Store
	metrics  *observe.Metrics
	now      func() time.Time
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithRemote sets the remote backend.
func WithRemote(b Backend) Option {
	return func(o *Orchestrator) { o.remote = b }
}

// WithLocal sets the local fallback extractor.
func WithLocal(b Backend) Option {
	return func(o *Orchestrator) { o.local = b }
}

// WithJobs sets the pending job store. Defaults to an in-process
// [jobs.CacheStore].
func WithJobs(s jobs.Store) Option {
	return func(o *Orchestrator) { o.jobs = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator validates the backend configuration and returns an
// Orchestrator that persists memories through memories.
func NewOrchestrator(cfg Config, memories *memory.Adapter, opts ...Option) (*Orchestrator, error) {
	cfg.applyDefaults()
	if !cfg.Mode.IsValid() {
		return nil, fmt.Errorf("extraction: unknown mode %q", cfg.Mode)
	}
	o := &Orchestrator{cfg: cfg, memories: memories, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.remote == nil && o.local == nil {
		return nil, errors.New("extraction: at least one of remote and local backend is required")
	}
	if cfg.Mode == ModeAsync && o.remote == nil {
		return nil, errors.New("extraction: async mode requires a remote backend")
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.jobs == nil {
		o.jobs = jobs.NewCacheStore(jobs.DefaultTTL)
	}

	fbCfg := resilience.FallbackConfig{CircuitBreaker: cfg.CircuitBreaker}
	if cfg.Mode == ModeAsync {
		bc := cfg.CircuitBreaker
		bc.Name = o.remote.Name() + "-submit"
		bc.IsFailure = func(err error) bool { return err != nil && !errors.Is(err, ErrPending) }
		o.submits = resilience.NewCircuitBreaker(bc)
	}
	if o.remote != nil {
		o.group = resilience.NewFallbackGroup(o.remote, o.remote.Name(), fbCfg)
		if o.local != nil {
			o.group.AddFallback(o.local.Name(), o.local)
		}
	} else {
		o.group = resilience.NewFallbackGroup(o.local, o.local.Name(), fbCfg)
	}
	return o, nil
}

// Mode returns the configured mode.
func (o *Orchestrator) Mode() Mode { return o.cfg.Mode }

// Extract obtains the summary and memory candidates for c, persists the
// accepted memories and returns the outcome. An error means no summary
// could be produced by any backend and the conversation should fail.
func (o *Orchestrator) Extract(ctx context.Context, c *types.Conversation) (Outcome, error) {
	ctx, span := observe.StartConversationSpan(ctx, "extraction.Extract", c.OwnerID, c.ID,
		attribute.String("murmur.extraction_mode", string(o.cfg.Mode)),
	)
	defer span.End()

	timer := o.metrics.NewTimer()
	var (
		out Outcome
		err error
	)
	if o.cfg.Mode == ModeAsync {
		out, err = o.submit(ctx, c, timer)
	} else {
		out, err = o.extractSync(ctx, c, timer)
	}
	out.Phases = timer.Stop(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (o *Orchestrator) extractSync(ctx context.Context, c *types.Conversation, timer *observe.Timer) (Outcome, error) {
	var (
		g       errgroup.Group
		out     Outcome
		sumErr  error
		memErr  error
		summary *SummaryPayload
		cands   []types.MemoryCandidate
	)

	g.Go(func() error {
		defer timer.Phase(ctx, observe.PhaseExtraction)()
		var res resilience.Result[*SummaryPayload]
		res, sumErr = resilience.ExecuteTracked(o.group, func(b Backend) (*SummaryPayload, error) {
			cctx, cancel := context.WithTimeout(ctx, o.timeoutFor(b))
			defer cancel()
			p, err := b.Summarize(cctx, NewSummaryRequest(c))
			return p, o.recordCall(ctx, b, err)
		})
		if sumErr == nil {
			summary = res.Value
			out.SummaryBackend = res.Served
			o.noteFallback(ctx, c, "summary", res.FellBack(), res.Errors)
		}
		return nil
	})

	g.Go(func() error {
		defer timer.Phase(ctx, observe.PhaseMemory)()
		var res resilience.Result[[]types.MemoryCandidate]
		res, memErr = resilience.ExecuteTracked(o.group, func(b Backend) ([]types.MemoryCandidate, error) {
			cctx, cancel := context.WithTimeout(ctx, o.timeoutFor(b))
			defer cancel()
			m, err := b.ExtractMemories(cctx, NewMemoryRequest(c))
			return m, o.recordCall(ctx, b, err)
		})
		if memErr == nil {
			cands = res.Value
			out.MemoryBackend = res.Served
			o.noteFallback(ctx, c, "memories", res.FellBack(), res.Errors)
		}
		return nil
	})
	_ = g.Wait()

	if sumErr != nil {
		return out, fmt.Errorf("extraction: summary: %w", sumErr)
	}
	out.Summary = summary.Summary(c.StartedAt, o.location(ctx, c), o.cfg.MaxEventDuration)

	if memErr != nil {
		observe.Logger(ctx).Warn("memory extraction failed, continuing without memories",
			"conversation_id", c.ID, "owner_id", c.OwnerID, "err", memErr)
	}
	out.Memories = o.storeMemories(ctx, c, cands)
	return out, nil
}

// submit hands c to the remote backend in asynchronous mode.
func (o *Orchestrator) submit(ctx context.Context, c *types.Conversation, timer *observe.Timer) (Outcome, error) {
	var (
		g      errgroup.Group
		out    Outcome
		sumErr error
		cands  []types.MemoryCandidate
	)
	job := jobs.Job{ConversationID: c.ID, OwnerID: c.OwnerID, SubmittedAt: o.now().UTC()}

	g.Go(func() error {
		defer timer.Phase(ctx, observe.PhaseExtraction)()
		var p *SummaryPayload
		err := o.submits.Execute(func() (err error) {
			p, err = o.remote.Summarize(ctx, NewSummaryRequest(c))
			return o.recordCall(ctx, o.remote, err)
		})
		switch {
		case errors.Is(err, ErrPending):
			job.AwaitSummary = true
			return nil
		case err == nil:
			out.SummaryBackend = o.remote.Name()
			out.Summary = p.Summary(c.StartedAt, o.location(ctx, c), o.cfg.MaxEventDuration)
			return nil
		}
		if o.local == nil {
			sumErr = err
			return nil
		}
		o.noteFallback(ctx, c, "summary", true, map[string]error{o.remote.Name(): err})
		lctx, cancel := context.WithTimeout(ctx, o.cfg.LocalTimeout)
		defer cancel()
		p, lerr := o.local.Summarize(lctx, NewSummaryRequest(c))
		if lerr = o.recordCall(ctx, o.local, lerr); lerr != nil {
			sumErr = fmt.Errorf("%w: %w", resilience.ErrAllFailed, errors.Join(err, lerr))
			return nil
		}
		out.SummaryBackend = o.local.Name()
		out.Summary = p.Summary(c.StartedAt, o.location(ctx, c), o.cfg.MaxEventDuration)
		return nil
	})

	g.Go(func() error {
		defer timer.Phase(ctx, observe.PhaseMemory)()
		var m []types.MemoryCandidate
		err := o.submits.Execute(func() (err error) {
			m, err = o.remote.ExtractMemories(ctx, NewMemoryRequest(c))
			return o.recordCall(ctx, o.remote, err)
		})
		switch {
		case errors.Is(err, ErrPending):
			job.AwaitMemories = true
			return nil
		case err == nil:
			out.MemoryBackend = o.remote.Name()
			cands = m
			return nil
		}
		if o.local == nil {
			observe.Logger(ctx).Warn("memory submission failed, continuing without memories",
				"conversation_id", c.ID, "err", err)
			return nil
		}
		o.noteFallback(ctx, c, "memories", true, map[string]error{o.remote.Name(): err})
		lctx, cancel := context.WithTimeout(ctx, o.cfg.LocalTimeout)
		defer cancel()
		m, lerr := o.local.ExtractMemories(lctx, NewMemoryRequest(c))
		if lerr = o.recordCall(ctx, o.local, lerr); lerr != nil {
			observe.Logger(ctx).Warn("local memory extraction failed, continuing without memories",
				"conversation_id", c.ID, "err", lerr)
			return nil
		}
		out.MemoryBackend = o.local.Name()
		cands = m
		return nil
	})
	_ = g.Wait()

	if sumErr != nil {
		return out, fmt.Errorf("extraction: summary: %w", sumErr)
	}
	out.Memories = o.storeMemories(ctx, c, cands)

	if !job.Done() {
		out.Pending = true
		out.Job = job
	}
	return out, nil
}

// Register records the parts of an asynchronous submission that are still
// owed by callbacks. c must already carry the summary the submission
// produced, if any. The caller serialises Register with [Orchestrator.Resolve]
// for the same conversation.
//
// A callback can land before the submission is registered. The job it left
// behind is merged in, and when nothing remains outstanding Register removes
// the job and reports done.
func (o *Orchestrator) Register(ctx context.Context, c *types.Conversation, job jobs.Job) (done bool, err error) {
	prev, err := o.jobs.Get(ctx, c.OwnerID, c.ID)
	switch {
	case err == nil:
		job.AwaitSummary = job.AwaitSummary && prev.AwaitSummary
		job.AwaitMemories = job.AwaitMemories && prev.AwaitMemories
	case !errors.Is(err, jobs.ErrNotFound):
		return false, fmt.Errorf("extraction: load job: %w", err)
	}

	if job.Done() && c.Summary != nil {
		if err := o.jobs.Delete(ctx, c.OwnerID, c.ID); err != nil {
			observe.Logger(ctx).Warn("failed to delete finished job", "conversation_id", c.ID, "err", err)
		}
		return true, nil
	}
	if err := o.jobs.Put(ctx, job); err != nil {
		return false, fmt.Errorf("extraction: register job: %w", err)
	}
	return false, nil
}

// Resolve applies an asynchronous callback to c, which must be in
// processing. It parses and validates the payload with the same rules as the
// synchronous path and persists any delivered memories.
//
// When no job is registered (not yet registered, expired, or lost with a
// restarted process) the callback is trusted to be the last one: a delivered
// or already attached summary completes the conversation. A job recording
// what is still missing is left for [Orchestrator.Register] to merge.
func (o *Orchestrator) Resolve(ctx context.Context, c *types.Conversation, cb Callback) (Resolution, error) {
	ctx, span := observe.StartConversationSpan(ctx, "extraction.Resolve", c.OwnerID, c.ID)
	defer span.End()

	if err := cb.Validate(); err != nil {
		return Resolution{}, err
	}

	job, err := o.jobs.Get(ctx, c.OwnerID, c.ID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		job = jobs.Job{ConversationID: c.ID, OwnerID: c.OwnerID, AwaitSummary: c.Summary == nil}
	case err != nil:
		return Resolution{}, fmt.Errorf("extraction: load job: %w", err)
	}

	var res Resolution
	haveSummary := c.Summary != nil
	if cb.Structured != nil {
		res.Summary = cb.Structured.Summary(c.StartedAt, o.location(ctx, c), o.cfg.MaxEventDuration)
		job.AwaitSummary = false
		haveSummary = true
	}
	if cb.Memories != nil {
		res.Memories = o.storeMemories(ctx, c, *cb.Memories)
		job.AwaitMemories = false
	}

	res.Done = job.Done() && haveSummary
	if res.Done {
		if err := o.jobs.Delete(ctx, c.OwnerID, c.ID); err != nil {
			observe.Logger(ctx).Warn("failed to delete finished job", "conversation_id", c.ID, "err", err)
		}
	} else if err := o.jobs.Put(ctx, job); err != nil {
		observe.Logger(ctx).Warn("failed to update pending job", "conversation_id", c.ID, "err", err)
	}
	return res, nil
}

// Forget drops any pending job for the conversation.
func (o *Orchestrator) Forget(ctx context.Context, ownerID, conversationID string) error {
	return o.jobs.Delete(ctx, ownerID, conversationID)
}

func (o *Orchestrator) storeMemories(ctx context.Context, c *types.Conversation, cands []types.MemoryCandidate) []types.Memory {
	if len(cands) == 0 {
		return []types.Memory{}
	}
	stored, err := o.memories.Store(ctx, c.OwnerID, c.ID, cands)
	if err != nil {
		observe.Logger(ctx).Error("failed to persist memories",
			"conversation_id", c.ID, "owner_id", c.OwnerID, "stored", len(stored), "err", err)
	}
	if stored == nil {
		stored = []types.Memory{}
	}
	return stored
}

func (o *Orchestrator) timeoutFor(b Backend) time.Duration {
	if b == o.local {
		return o.cfg.LocalTimeout
	}
	return o.cfg.SyncTimeout
}

// recordCall counts the call and, in synchronous mode, turns a pending
// acknowledgement into a failure so the fallback takes over.
func (o *Orchestrator) recordCall(ctx context.Context, b Backend, err error) error {
	o.metrics.RecordBackendRequest(ctx, b.Name(), callStatus(err))
	if errors.Is(err, ErrPending) && o.cfg.Mode == ModeSync {
		return fmt.Errorf("%w: acknowledgement in synchronous mode", ErrMalformed)
	}
	return err
}

func (o *Orchestrator) noteFallback(ctx context.Context, c *types.Conversation, part string, fellBack bool, errs map[string]error) {
	if !fellBack {
		return
	}
	observe.Count(ctx, o.metrics.ExtractionFallbacks, "part", part)
	observe.Logger(ctx).Warn("extraction served by fallback",
		"conversation_id", c.ID,
		"owner_id", c.OwnerID,
		"part", part,
		"err", errors.Join(mapErrors(errs)...),
	)
}

func mapErrors(m map[string]error) []error {
	out := make([]error, 0, len(m))
	for name, err := range m {
		out = append(out, fmt.Errorf("%s: %w", name, err))
	}
	return out
}

func (o *Orchestrator) location(ctx context.Context, c *types.Conversation) *time.Location {
	loc, err := timeparse.Location(c.Timezone)
	if err != nil {
		observe.Logger(ctx).Warn("invalid owner timezone, using UTC", "conversation_id", c.ID, "timezone", c.Timezone, "err", err)
		return time.UTC
	}
	return loc
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPending):
		return "pending"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrBackendStatus):
		return "status"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}
