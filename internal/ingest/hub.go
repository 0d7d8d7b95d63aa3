package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/conversation"
	"github.com/MrWong99/murmur/internal/forward"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/taskpool"
)

// OpenOptions carries the client-supplied attributes of a new session.
type OpenOptions struct {
	Language string
	Timezone string

	// Forwarder receives every tick batch. Optional.
	Forwarder forward.Forwarder
}

// Hub creates sessions and tracks the live ones.
//
// All methods are safe for concurrent use.
type Hub struct {
	cfg       Config
	lifecycle Lifecycle
	scanner   Scanner
	side      *taskpool.Pool
	metrics   *observe.Metrics
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub returns a hub whose sessions finish through lifecycle, scan with
// scanner (which may be nil) and run side work on side.
func NewHub(cfg Config, lifecycle Lifecycle, scanner Scanner, side *taskpool.Pool, opts ...HubOption) *Hub {
	cfg.applyDefaults()
	h := &Hub{
		cfg:       cfg,
		lifecycle: lifecycle,
		scanner:   scanner,
		side:      side,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ErrShuttingDown is returned by [Hub.Open] once [Hub.Shutdown] started.
var ErrShuttingDown = errors.New("ingest: shutting down")

// Open starts a conversation for ownerID and a session recording into it.
// The session runs until it is closed or falls silent; ctx only supplies
// values such as the trace context.
func (h *Hub) Open(ctx context.Context, ownerID string, opts OpenOptions) (*Session, error) {
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}

	c, err := h.lifecycle.Start(ctx, ownerID, conversation.StartOptions{Language: opts.Language, Timezone: opts.Timezone})
	if err != nil {
		return nil, err
	}

	now := h.now()
	s := &Session{
		id:             uuid.NewString(),
		ownerID:        ownerID,
		conversationID: c.ID,
		cfg:            h.cfg,
		lifecycle:      h.lifecycle,
		scanner:        h.scanner,
		forwarder:      opts.Forwarder,
		side:           h.side,
		metrics:        h.metrics,
		now:            h.now,
		startedAt:      now,
		stop:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		done:           make(chan struct{}),
		onDone:         h.remove,
	}
	s.lastActivity.Store(now.UnixNano())

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.metrics.ActiveSessions.Add(ctx, 1)

	go s.run(context.WithoutCancel(ctx))
	observe.Logger(ctx).Info("session opened", "session_id", s.id, "conversation_id", c.ID, "owner_id", ownerID)
	return s, nil
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if ok {
		h.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Get returns the live session with the given id.
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown refuses new sessions and closes every live one so that each
// hands its transcript to the lifecycle.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	live := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, s := range live {
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
