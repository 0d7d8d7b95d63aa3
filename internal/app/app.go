// Package app wires all murmur subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP surface and the stale sweeper, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithJobStore, WithNotifier, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/murmur/internal/api"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/conversation"
	"github.com/MrWong99/murmur/internal/discard"
	"github.com/MrWong99/murmur/internal/extraction"
	"github.com/MrWong99/murmur/internal/forward"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/ingest"
	"github.com/MrWong99/murmur/internal/jobs"
	"github.com/MrWong99/murmur/internal/memory"
	"github.com/MrWong99/murmur/internal/notify"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/internal/taskpool"
	"github.com/MrWong99/murmur/internal/urgency"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/store/memstore"
	"github.com/MrWong99/murmur/pkg/store/postgres"
	"github.com/MrWong99/murmur/pkg/types"
)

// NamedLLM pairs a provider with the registry name it was created under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM     llm.Provider
	LLMName string

	// LLMFallbacks are tried in order when LLM fails or its breaker is open.
	LLMFallbacks []NamedLLM

	STT     stt.Provider
	STTName string
}

// App owns all subsystem lifetimes and orchestrates the ingestion pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	store        store.Store
	jobs         jobs.Store
	llm          llm.Provider
	memories     *memory.Adapter
	filter       *discard.Filter
	orchestrator *extraction.Orchestrator
	enrichPool   *taskpool.Pool
	sidePool     *taskpool.Pool
	manager      *conversation.Manager
	sweeper      *conversation.Sweeper
	notifier     notify.Notifier
	monitor      *urgency.Monitor
	forwarders   map[string]forward.Forwarder
	hub          *ingest.Hub
	checkers     []health.Checker
	health       *health.Handler
	handler      http.Handler
	server       *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation and memory store instead of creating one
// from config. The caller keeps ownership: Shutdown does not close it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithJobStore injects a job store instead of creating one from config.
func WithJobStore(s jobs.Store) Option {
	return func(a *App) { a.jobs = s }
}

// WithNotifier injects the urgency notifier. It is still rate limited
// according to notify.interval.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level variable backing the process logger
// so that config reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection and
// migration, job store, LLM fallback chain, extraction backends, urgency
// monitor, forward targets and the HTTP surface.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init store: %w", err))
	}

	// ── 2. Job store ─────────────────────────────────────────────────────
	if err := a.initJobs(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init jobs: %w", err))
	}

	// ── 3. LLM chain ─────────────────────────────────────────────────────
	a.initLLM()

	// ── 4. Memory adapter + discard filter ───────────────────────────────
	a.memories = memory.NewAdapter(a.store,
		memory.WithPolicy(memoryPolicy(cfg.Memory)),
		memory.WithMetrics(a.metrics),
	)
	a.filter = discard.New(a.judge(),
		discard.WithThreshold(cfg.Discard.WordThreshold),
		discard.WithJudgeTimeout(cfg.Discard.JudgeTimeout),
	)

	// ── 5. Extraction ────────────────────────────────────────────────────
	if err := a.initExtraction(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init extraction: %w", err))
	}

	// ── 6. Pools + conversation lifecycle ────────────────────────────────
	a.enrichPool = taskpool.New("enrichment", cfg.Pool.Enrichment, taskpool.WithMetrics(a.metrics))
	a.sidePool = taskpool.New("side", cfg.Pool.Side, taskpool.WithMetrics(a.metrics))
	a.manager = conversation.NewManager(a.store, a.filter, a.orchestrator, a.enrichPool,
		conversation.WithMetrics(a.metrics),
	)
	a.sweeper = conversation.NewSweeper(conversation.SweeperConfig{
		Store:      a.store,
		Interval:   cfg.Sweep.Interval,
		StaleAfter: cfg.Sweep.StaleAfter,
		Hook:       logStale,
		Metrics:    a.metrics,
	})

	// ── 7. Urgency ───────────────────────────────────────────────────────
	if err := a.initUrgency(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init urgency: %w", err))
	}

	// ── 8. Forward targets ───────────────────────────────────────────────
	if err := a.initForwarders(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init forwarders: %w", err))
	}

	// ── 9. Ingest hub + HTTP surface ─────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// abort runs the closers registered so far so that a failed New does not
// leak connections, then returns err.
func (a *App) abort(err error) error {
	for _, closer := range a.closers {
		if cerr := closer(); cerr != nil {
			slog.Warn("closer error during failed init", "err", cerr)
		}
	}
	a.closers = nil
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects PostgreSQL or creates the in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Store.Backend {
		case config.StorePostgres:
			s, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, func() error {
				s.Close()
				return nil
			})
		default:
			a.store = memstore.New()
		}
	}
	a.checkers = append(a.checkers, health.Ping("store", a.store))
	return nil
}

// initJobs connects Redis or creates the in-process job cache.
func (a *App) initJobs(ctx context.Context) error {
	if a.jobs != nil {
		return nil
	}
	switch a.cfg.Jobs.Backend {
	case config.JobsRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Jobs.RedisAddr,
			Password: a.cfg.Jobs.RedisPassword,
			DB:       a.cfg.Jobs.RedisDB,
		})
		rs := jobs.NewRedisStore(client, a.cfg.Jobs.RedisPrefix, a.cfg.Jobs.TTL)
		a.closers = append(a.closers, client.Close)
		if err := rs.Ping(ctx); err != nil {
			// Redis may come up after us; readiness reports it meanwhile.
			slog.Warn("redis not reachable at startup", "addr", a.cfg.Jobs.RedisAddr, "err", err)
		}
		a.jobs = rs
		a.checkers = append(a.checkers, health.Ping("redis", rs))
	default:
		a.jobs = jobs.NewCacheStore(a.cfg.Jobs.TTL)
	}
	return nil
}

// initLLM wraps the primary LLM and its fallbacks in a [resilience.LLMFallback].
func (a *App) initLLM() {
	p := a.providers
	if p.LLM == nil {
		if len(p.LLMFallbacks) > 0 {
			slog.Warn("llm fallbacks configured without a primary llm, ignoring them")
		}
		return
	}
	if len(p.LLMFallbacks) == 0 {
		a.llm = p.LLM
		return
	}
	fb := resilience.NewLLMFallback(p.LLM, p.LLMName, resilience.FallbackConfig{
		CircuitBreaker: a.breakerConfig(),
	})
	for _, f := range p.LLMFallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}
	a.llm = fb
}

// judge picks the discard judge. The LLM judge needs an LLM; without one the
// keyword heuristics decide.
func (a *App) judge() discard.Judge {
	if a.cfg.Discard.Judge == config.JudgeLLM && a.llm != nil {
		return discard.NewLLMJudge(a.llm)
	}
	if a.cfg.Discard.Judge == config.JudgeLLM {
		slog.Warn("discard judge falls back to keywords: no llm configured")
	}
	return discard.KeywordJudge{}
}

// initExtraction builds the remote and local backends and the orchestrator
// routing between them.
func (a *App) initExtraction() error {
	ec := a.cfg.Extraction
	opts := []extraction.Option{
		extraction.WithJobs(a.jobs),
		extraction.WithMetrics(a.metrics),
	}

	if ec.Remote() {
		remote, err := extraction.NewHTTPBackend(ec.SummaryURL, ec.MemoryURL,
			extraction.WithName("remote"),
			extraction.WithMode(extraction.Mode(ec.Mode)),
			extraction.WithCallbackURL(ec.CallbackURL),
			extraction.WithAPIKey(ec.APIKey),
		)
		if err != nil {
			return err
		}
		opts = append(opts, extraction.WithRemote(remote))
	}
	if a.llm != nil {
		opts = append(opts, extraction.WithLocal(extraction.NewLocalExtractor(a.llm)))
	}

	orch, err := extraction.NewOrchestrator(extraction.Config{
		Mode:             extraction.Mode(ec.Mode),
		SyncTimeout:      ec.SyncTimeout,
		LocalTimeout:     ec.LocalTimeout,
		MaxEventDuration: ec.MaxEventDuration,
		CircuitBreaker:   a.breakerConfig(),
	}, a.memories, opts...)
	if err != nil {
		return err
	}
	a.orchestrator = orch
	return nil
}

// breakerConfig translates the configured breaker tuning and counts every
// state change.
func (a *App) breakerConfig() resilience.CircuitBreakerConfig {
	cb := a.cfg.Extraction.CircuitBreaker
	return resilience.CircuitBreakerConfig{
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
		HalfOpenMax:  cb.HalfOpenMax,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}
}

// initUrgency builds the notifier chain and, when enabled, the monitor.
func (a *App) initUrgency() error {
	nc := a.cfg.Notify
	if a.notifier == nil {
		if nc.URL != "" {
			hn, err := notify.NewHTTPNotifier(nc.URL,
				notify.WithAPIKey(nc.APIKey),
				notify.WithHTTPClient(&http.Client{Timeout: nc.Timeout}),
			)
			if err != nil {
				return err
			}
			a.notifier = hn
		} else {
			a.notifier = notify.LogNotifier{Logger: slog.Default()}
		}
	}
	if nc.Interval > 0 {
		a.notifier = notify.NewLimited(a.notifier, nc.Interval, nc.Burst)
	}

	uc := a.cfg.Urgency
	if !uc.IsEnabled() {
		return nil
	}
	var scanner urgency.Scanner = urgency.KeywordScanner{}
	switch {
	case uc.Scanner == config.JudgeLLM && a.llm != nil:
		scanner = urgency.NewLLMScanner(a.llm)
	case uc.Scanner == config.JudgeLLM:
		slog.Warn("urgency scanner falls back to keywords: no llm configured")
	}
	a.monitor = urgency.NewMonitor(scanner, a.notifier,
		urgency.WithScanTimeout(uc.ScanTimeout),
		urgency.WithNotifyTimeout(nc.Timeout),
		urgency.WithMinLevel(uc.MinLevel),
		urgency.WithAudioLevel(uc.AudioLevel),
		urgency.WithPool(a.sidePool),
		urgency.WithMetrics(a.metrics),
	)
	return nil
}

// initForwarders connects every configured forward target.
func (a *App) initForwarders() error {
	a.forwarders = make(map[string]forward.Forwarder, len(a.cfg.Forward.Targets))
	for _, t := range a.cfg.Forward.Targets {
		var fw forward.Forwarder
		switch t.Kind {
		case config.ForwardNATS:
			nc, err := forward.DialNATS(t.URL)
			if err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}
			a.closers = append(a.closers, func() error {
				nc.Close()
				return nil
			})
			n := forward.NewNATS(nc, t.SubjectPrefix)
			a.checkers = append(a.checkers, health.Connected("forward:"+t.Name, n.Connected))
			fw = n
		default:
			wh, err := forward.NewWebhook(t.URL, &http.Client{Timeout: t.Timeout})
			if err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}
			fw = wh
		}
		a.forwarders[t.Name] = forward.Instrument(t.Name, fw, t.Timeout, a.metrics)
		slog.Info("registered forward target", "name", t.Name, "kind", t.Kind)
	}
	return nil
}

// initHTTP builds the ingest hub, the API server and the HTTP mux.
func (a *App) initHTTP() {
	var scanner ingest.Scanner
	if a.monitor != nil {
		scanner = a.monitor
	}
	a.hub = ingest.NewHub(ingest.Config{
		TickInterval:   a.cfg.Ingest.TickInterval,
		SilenceTimeout: a.cfg.Ingest.SilenceTimeout,
	}, a.manager, scanner, a.sidePool, ingest.WithMetrics(a.metrics))

	apiOpts := []api.Option{
		api.WithForwarders(a.forwarders),
		api.WithCallbackToken(a.cfg.Extraction.CallbackToken),
		api.WithMetrics(a.metrics),
	}
	if a.providers.STT != nil {
		apiOpts = append(apiOpts, api.WithSTT(a.providers.STT, a.providers.STTName, stt.StreamConfig{
			SampleRate: 16000,
			Channels:   1,
			Diarize:    true,
		}))
	}
	srv := api.New(a.hub, a.manager, a.memories, apiOpts...)

	mux := http.NewServeMux()
	srv.Register(mux)
	a.health = health.New(a.checkers...)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the fully wired HTTP handler, including middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the stale sweeper and serves HTTP until ctx is cancelled or the
// listener fails. When ctx is done, Run returns context.Canceled (or the
// underlying cause). Call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	a.sweeper.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", a.cfg.Server.ListenAddr, "forward_targets", len(a.forwarders))
	if rep := a.health.Check(ctx); rep.Status != health.StatusOK {
		for name, res := range rep.Checks {
			if res.Status != health.StatusOK {
				slog.Warn("dependency not ready at startup", "check", name, "err", res.Error)
			}
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig pushes the hot-reloadable parts of a changed configuration
// into the running subsystems. It matches [config.ChangeFunc].
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DiscardThresholdChanged {
		a.filter.SetThreshold(d.NewDiscardThreshold)
		slog.Info("discard threshold changed", "words", d.NewDiscardThreshold)
	}
	if d.MemoryPolicyChanged {
		a.memories.SetPolicy(memoryPolicy(d.NewMemoryPolicy))
		slog.Info("memory policy changed")
	}
	if d.UrgencyTimeoutChanged && a.monitor != nil {
		a.monitor.SetScanTimeout(d.NewUrgencyTimeout)
		slog.Info("urgency scan timeout changed", "timeout", d.NewUrgencyTimeout)
	}
	a.cfg = cfg
}

// SlogLevel maps a configured log level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. Live sessions are closed first so that
// their transcripts reach the lifecycle, then pending enrichment drains, then
// connections are released. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.hub.Len(), "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		if err := a.hub.Shutdown(ctx); err != nil {
			slog.Warn("ingest hub shutdown error", "err", err)
		}
		a.sweeper.Stop()

		for _, p := range []*taskpool.Pool{a.enrichPool, a.sidePool} {
			if err := p.Wait(ctx); err != nil {
				slog.Warn("task pool did not drain", "err", err)
				shutdownErr = err
				return
			}
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// memoryPolicy converts the config section into a [memory.Policy].
func memoryPolicy(mc config.MemoryConfig) memory.Policy {
	return memory.Policy{
		MinLength:          mc.MinLength,
		MaxPerConversation: mc.MaxPerConversation,
		DedupeWindow:       mc.DedupeWindow,
		NearDuplicate:      mc.NearDuplicate,
	}
}

// logStale is the sweeper hook: stale conversations are reported, never
// changed, because a late callback may still complete them.
func logStale(ctx context.Context, c *types.Conversation, age time.Duration) {
	observe.Logger(ctx).Warn("conversation stuck in processing",
		"conversation_id", c.ID,
		"owner_id", c.OwnerID,
		"age", age.Round(time.Second),
	)
}
