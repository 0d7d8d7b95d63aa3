package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/types"
)

const (
	// DefaultSweepInterval is the period between stale sweeps.
	DefaultSweepInterval = time.Minute

	// DefaultStaleAfter is how long a conversation may stay processing
	// before it is reported. It is several multiples of the synchronous
	// extraction budget so that slow callbacks are not flagged.
	DefaultStaleAfter = 15 * time.Minute
)

// StaleHook is called once for every conversation newly flagged as stale.
type StaleHook func(ctx context.Context, c *types.Conversation, age time.Duration)

// Sweeper periodically reports conversations stuck in processing. It never
// changes their status: an asynchronous callback may still arrive.
//
// All methods are safe for concurrent use.
type Sweeper struct {
	store      store.ConversationStore
	metrics    *observe.Metrics
	interval   time.Duration
	staleAfter time.Duration
	hook       StaleHook
	now        func() time.Time

	// flagged remembers reported conversations so each is reported once
	// per staleAfter window.
	flagged *cache.Cache

	done     chan struct{}
	stopOnce sync.Once
}

// SweeperConfig configures a [Sweeper].
type SweeperConfig struct {
	Store store.ConversationStore

	// Interval defaults to [DefaultSweepInterval].
	Interval time.Duration

	// StaleAfter defaults to [DefaultStaleAfter].
	StaleAfter time.Duration

	// Hook is optional.
	Hook StaleHook

	Metrics *observe.Metrics
	Now     func() time.Time
}

// NewSweeper returns a stopped sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		hook:       cfg.Hook,
		now:        cfg.Now,
		done:       make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.flagged = cache.New(s.staleAfter, 2*s.staleAfter)
	return s
}

// Start runs sweeps in a background goroutine until [Sweeper.Stop] is
// called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the sweep loop. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				observe.Logger(ctx).Warn("stale sweep failed", "err", err)
			}
		}
	}
}

// Sweep reports every conversation that entered processing more than
// StaleAfter ago and returns how many were newly flagged.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	stale, err := s.store.ListProcessingBefore(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, c := range stale {
		k := c.OwnerID + "/" + c.ID
		if _, seen := s.flagged.Get(k); seen {
			continue
		}
		s.flagged.SetDefault(k, struct{}{})
		flagged++

		age := now.Sub(c.ProcessingStartedAt)
		s.metrics.StaleConversations.Add(ctx, 1)
		observe.Logger(ctx).Warn("conversation stuck in processing",
			"conversation_id", c.ID,
			"owner_id", c.OwnerID,
			"processing_since", c.ProcessingStartedAt,
			"age", age.Round(time.Second),
		)
		if s.hook != nil {
			s.hook(ctx, c, age)
		}
	}
	return flagged, nil
}
