// Package conversation owns the lifecycle of conversations: creation when a
// session starts, the hand-off from ingestion to enrichment, asynchronous
// callbacks, explicit reprocessing and the stale-processing sweep.
//
// Every status change goes through the transition methods of
// [types.Conversation] while the per-conversation lock is held, and every
// change is persisted with an idempotent upsert. Enrichment runs on a
// [taskpool.Pool], never on the caller's goroutine, and a panic while
// enriching one conversation fails that conversation only.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/discard"
	"github.com/MrWong99/murmur/internal/extraction"
	"github.com/MrWong99/murmur/internal/jobs"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/taskpool"
	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/types"
)

var (
	// ErrNotFound is returned when the owner has no conversation with the
	// requested id.
	ErrNotFound = errors.New("conversation: not found")

	// ErrNotProcessing is returned when a callback targets a conversation
	// that is neither processing nor completed.
	ErrNotProcessing = errors.New("conversation: not processing")

	// ErrIllegalTransition is returned when the requested lifecycle move is
	// not permitted from the current status.
	ErrIllegalTransition = types.ErrIllegalTransition
)

// Enricher produces the derived artifacts of a conversation.
// [*extraction.Orchestrator] is the production implementation.
type Enricher interface {
	Extract(ctx context.Context, c *types.Conversation) (extraction.Outcome, error)
	Register(ctx context.Context, c *types.Conversation, job jobs.Job) (done bool, err error)
	Resolve(ctx context.Context, c *types.Conversation, cb extraction.Callback) (extraction.Resolution, error)
	Forget(ctx context.Context, ownerID, conversationID string) error
}

var _ Enricher = (*extraction.Orchestrator)(nil)

// CallbackOutcome describes what [Manager.HandleCallback] did.
type CallbackOutcome string

const (
	// CallbackCompleted means the callback completed the conversation.
	CallbackCompleted CallbackOutcome = "completed"

	// CallbackPartial means the callback was applied but other parts are
	// still outstanding.
	CallbackPartial CallbackOutcome = "partial"

	// CallbackIgnored means the conversation was already completed.
	CallbackIgnored CallbackOutcome = "ignored"
)

// lockStripes is the number of mutexes conversation ids are hashed onto.
const lockStripes = 64

// StartOptions carries client-supplied session attributes.
type StartOptions struct {
	// ID overrides the generated conversation id.
	ID string

	Language string
	Timezone string
}

// Manager drives conversations through their lifecycle.
type Manager struct {
	store    store.ConversationStore
	filter   *discard.Filter
	enricher Enricher
	pool     *taskpool.Pool
	metrics  *observe.Metrics
	now      func() time.Time

	locks [lockStripes]sync.Mutex
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(mg *Manager) { mg.now = now }
}

// NewManager returns a Manager persisting to s, filtering with f, enriching
// with e and running enrichment on pool.
func NewManager(s store.ConversationStore, f *discard.Filter, e Enricher, pool *taskpool.Pool, opts ...Option) *Manager {
	m := &Manager{store: s, filter: f, enricher: e, pool: pool, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

func (m *Manager) lock(ownerID, id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id))
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) load(ctx context.Context, ownerID, id string) (*types.Conversation, error) {
	c, err := m.store.GetConversation(ctx, ownerID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load %s: %w", id, err)
	}
	return c, nil
}

func (m *Manager) save(ctx context.Context, c *types.Conversation) error {
	if err := m.store.UpsertConversation(ctx, c); err != nil {
		return fmt.Errorf("conversation: save %s: %w", c.ID, err)
	}
	return nil
}

// Start creates and persists an in_progress conversation for ownerID.
func (m *Manager) Start(ctx context.Context, ownerID string, opts StartOptions) (*types.Conversation, error) {
	if ownerID == "" {
		return nil, errors.New("conversation: owner id is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := types.NewConversation(id, ownerID, m.now().UTC())
	c.Language = opts.Language
	c.Timezone = opts.Timezone
	if err := m.save(ctx, c); err != nil {
		return nil, err
	}
	observe.Logger(ctx).Debug("conversation started", "conversation_id", id, "owner_id", ownerID)
	return c, nil
}

// Get returns the owner's conversation.
func (m *Manager) Get(ctx context.Context, ownerID, id string) (*types.Conversation, error) {
	return m.load(ctx, ownerID, id)
}

// List returns the owner's conversations, newest first.
func (m *Manager) List(ctx context.Context, ownerID string, f store.ConversationFilter) ([]*types.Conversation, error) {
	return m.store.ListConversations(ctx, ownerID, f)
}

// Finish freezes fragments into the conversation and schedules enrichment.
// A conversation without fragments is discarded on the spot. attachments
// counts side content (photos, files) sent during the session.
//
// Finish blocks only while the enrichment pool is full; it never waits for
// enrichment itself.
func (m *Manager) Finish(ctx context.Context, ownerID, id string, fragments []types.Fragment, attachments int) error {
	unlock := m.lock(ownerID, id)
	c, err := m.load(ctx, ownerID, id)
	if err != nil {
		unlock()
		return err
	}
	now := m.now().UTC()

	if len(fragments) == 0 && attachments == 0 {
		err := c.Discard(now)
		if err == nil {
			err = m.save(ctx, c)
		}
		unlock()
		if err == nil {
			m.metrics.RecordConversation(ctx, "discarded")
			observe.Logger(ctx).Info("empty conversation discarded", "conversation_id", id, "owner_id", ownerID)
		}
		return err
	}

	if err := c.BeginProcessing(fragments, now); err != nil {
		unlock()
		return err
	}
	if err := m.save(ctx, c); err != nil {
		unlock()
		return err
	}
	unlock()

	return m.schedule(ctx, ownerID, id, attachments, true)
}

// Reprocess re-runs enrichment for a failed conversation. The discard
// filter is not consulted again.
func (m *Manager) Reprocess(ctx context.Context, ownerID, id string) error {
	unlock := m.lock(ownerID, id)
	c, err := m.load(ctx, ownerID, id)
	if err != nil {
		unlock()
		return err
	}
	if err := c.BeginProcessing(nil, m.now().UTC()); err != nil {
		unlock()
		return err
	}
	if err := m.save(ctx, c); err != nil {
		unlock()
		return err
	}
	unlock()

	observe.Logger(ctx).Info("conversation reprocessing", "conversation_id", id, "owner_id", ownerID)
	return m.schedule(ctx, ownerID, id, 0, false)
}

func (m *Manager) schedule(ctx context.Context, ownerID, id string, attachments int, judge bool) error {
	err := m.pool.Go(ctx, "conversation.process", func(ctx context.Context) error {
		return m.process(ctx, ownerID, id, attachments, judge)
	})
	if err != nil {
		// The pool is draining. The conversation stays processing and the
		// sweeper will report it.
		return fmt.Errorf("conversation: schedule %s: %w", id, err)
	}
	return nil
}

// process runs the discard filter and extraction for one conversation. Any
// panic fails the conversation.
func (m *Manager) process(ctx context.Context, ownerID, id string, attachments int, judge bool) (err error) {
	ctx, span := observe.StartConversationSpan(ctx, "conversation.process", ownerID, id)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("conversation: panic while processing %s: %v", id, r)
			span.RecordError(err)
			m.fail(ctx, ownerID, id, err)
		}
	}()

	c, err := m.load(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if c.Status != types.StatusProcessing {
		return nil
	}

	if judge {
		in := discard.InputFromFragments(c.Fragments)
		in.Attachments = attachments
		decision := m.filter.Evaluate(ctx, in)
		if !decision.Keep {
			return m.discard(ctx, ownerID, id, decision.Reason)
		}
	}

	out, exErr := m.enricher.Extract(ctx, c)

	unlock := m.lock(ownerID, id)
	defer unlock()
	c, err = m.load(ctx, ownerID, id)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	log := observe.Logger(ctx).With("conversation_id", id, "owner_id", ownerID)

	if c.Status != types.StatusProcessing {
		// An async callback raced ahead of us. Keep what it stored and only
		// add our references.
		c.AttachMemories(memoryIDs(out.Memories))
		if c.Summary == nil {
			c.Summary = out.Summary
		}
		return m.save(ctx, c)
	}

	switch {
	case exErr != nil:
		if err := c.Fail(exErr.Error(), now); err != nil {
			return err
		}
		m.metrics.RecordConversation(ctx, "failed")
		log.Error("conversation enrichment failed", "err", exErr)
		if err := m.enricher.Forget(ctx, ownerID, id); err != nil {
			log.Warn("failed to drop pending extraction job", "err", err)
		}
	case out.Pending:
		if out.Summary != nil {
			c.Summary = out.Summary
		}
		c.AttachMemories(memoryIDs(out.Memories))
		c.UpdatedAt = now
		// Registered under the lock so a callback sees either no job or the
		// job together with the summary saved below.
		done, err := m.enricher.Register(ctx, c, out.Job)
		if err != nil {
			// Resolve tolerates a missing job, so the callback still lands.
			log.Error("failed to register pending extraction", "err", err)
		}
		if done {
			if err := c.Complete(c.Summary, nil, now); err != nil {
				return err
			}
			m.metrics.RecordConversation(ctx, "completed")
			log.Info("conversation completed by an early callback")
			break
		}
		m.metrics.RecordConversation(ctx, "pending")
		log.Info("conversation awaiting callback", "summary_ready", out.Summary != nil)
	default:
		if err := c.Complete(out.Summary, memoryIDs(out.Memories), now); err != nil {
			return err
		}
		m.metrics.RecordConversation(ctx, "completed")
		log.Info("conversation completed",
			"summary_backend", out.SummaryBackend,
			"memory_backend", out.MemoryBackend,
			"memories", len(out.Memories),
			"duration", out.Phases[observe.PhaseTotal],
		)
	}
	return m.save(ctx, c)
}

func (m *Manager) discard(ctx context.Context, ownerID, id, reason string) error {
	unlock := m.lock(ownerID, id)
	defer unlock()
	c, err := m.load(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := c.Discard(m.now().UTC()); err != nil {
		return err
	}
	if err := m.save(ctx, c); err != nil {
		return err
	}
	m.metrics.RecordConversation(ctx, "discarded")
	observe.Logger(ctx).Info("conversation discarded", "conversation_id", id, "owner_id", ownerID, "reason", reason)
	return nil
}

// fail moves a processing conversation to failed after an unexpected error.
func (m *Manager) fail(ctx context.Context, ownerID, id string, cause error) {
	unlock := m.lock(ownerID, id)
	defer unlock()
	log := observe.Logger(ctx).With("conversation_id", id, "owner_id", ownerID)
	c, err := m.load(ctx, ownerID, id)
	if err != nil {
		log.Error("failed to load conversation to mark it failed", "err", err, "cause", cause)
		return
	}
	if c.Status != types.StatusProcessing {
		return
	}
	if err := c.Fail(cause.Error(), m.now().UTC()); err != nil {
		log.Error("failed to mark conversation failed", "err", err)
		return
	}
	if err := m.save(ctx, c); err != nil {
		log.Error("failed to persist failed conversation", "err", err)
		return
	}
	m.metrics.RecordConversation(ctx, "failed")
	log.Error("conversation failed", "err", cause)
}

// HandleCallback applies an asynchronous extraction result. Callbacks for
// completed conversations are acknowledged without effect.
func (m *Manager) HandleCallback(ctx context.Context, cb extraction.Callback) (CallbackOutcome, error) {
	ctx, span := observe.StartConversationSpan(ctx, "conversation.HandleCallback", cb.OwnerID, cb.ConversationID)
	defer span.End()

	unlock := m.lock(cb.OwnerID, cb.ConversationID)
	defer unlock()

	c, err := m.load(ctx, cb.OwnerID, cb.ConversationID)
	if err != nil {
		observe.Count(ctx, m.metrics.Callbacks, "outcome", "rejected")
		return "", err
	}
	log := observe.Logger(ctx).With("conversation_id", c.ID, "owner_id", c.OwnerID)

	switch c.Status {
	case types.StatusCompleted:
		observe.Count(ctx, m.metrics.Callbacks, "outcome", string(CallbackIgnored))
		log.Info("late callback for completed conversation ignored")
		return CallbackIgnored, nil
	case types.StatusProcessing:
	default:
		observe.Count(ctx, m.metrics.Callbacks, "outcome", "rejected")
		return "", fmt.Errorf("%w: %s is %s", ErrNotProcessing, c.ID, c.Status)
	}

	res, err := m.enricher.Resolve(ctx, c, cb)
	if err != nil {
		observe.Count(ctx, m.metrics.Callbacks, "outcome", "rejected")
		return "", err
	}

	now := m.now().UTC()
	if res.Summary != nil {
		c.Summary = res.Summary
	}
	c.AttachMemories(memoryIDs(res.Memories))
	c.UpdatedAt = now

	outcome := CallbackPartial
	if res.Done {
		if err := c.Complete(c.Summary, nil, now); err != nil {
			return "", err
		}
		outcome = CallbackCompleted
	}
	if err := m.save(ctx, c); err != nil {
		return "", err
	}
	observe.Count(ctx, m.metrics.Callbacks, "outcome", string(outcome))
	if outcome == CallbackCompleted {
		m.metrics.RecordConversation(ctx, "completed")
	}
	log.Info("extraction callback applied", "outcome", outcome, "memories", len(res.Memories))
	return outcome, nil
}

func memoryIDs(ms []types.Memory) []string {
	ids := make([]string, len(ms))
	for i, mem := range ms {
		ids[i] = mem.ID
	}
	return ids
}
