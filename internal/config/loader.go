package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/murmur/internal/conversation"
	"github.com/MrWong99/murmur/internal/discard"
	"github.com/MrWong99/murmur/internal/extraction"
	"github.com/MrWong99/murmur/internal/forward"
	"github.com/MrWong99/murmur/internal/ingest"
	"github.com/MrWong99/murmur/internal/jobs"
	"github.com/MrWong99/murmur/internal/memory"
	"github.com/MrWong99/murmur/internal/notify"
	"github.com/MrWong99/murmur/internal/taskpool"
	"github.com/MrWong99/murmur/internal/urgency"
	"github.com/MrWong99/murmur/pkg/provider/llm/anyllm"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": append(slices.Clone(anyllm.SupportedProviders), "openai-compatible"),
	"stt": {"deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. ${VAR} references are expanded from the environment
// before decoding. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its production default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Ingest.TickInterval <= 0 {
		cfg.Ingest.TickInterval = ingest.DefaultTickInterval
	}
	if cfg.Ingest.SilenceTimeout <= 0 {
		cfg.Ingest.SilenceTimeout = ingest.DefaultSilenceTimeout
	}

	d := &cfg.Discard
	if d.WordThreshold <= 0 {
		d.WordThreshold = discard.DefaultWordThreshold
	}
	if d.Judge == "" {
		d.Judge = JudgeLLM
	}
	if d.JudgeTimeout <= 0 {
		d.JudgeTimeout = discard.DefaultJudgeTimeout
	}

	e := &cfg.Extraction
	if e.Mode == "" {
		e.Mode = ExtractionSync
	}
	if e.SyncTimeout <= 0 {
		e.SyncTimeout = extraction.DefaultSyncTimeout
	}
	if e.LocalTimeout <= 0 {
		e.LocalTimeout = extraction.DefaultLocalTimeout
	}
	if e.MaxEventDuration <= 0 {
		e.MaxEventDuration = extraction.DefaultMaxEventDuration
	}

	def := memory.DefaultPolicy()
	m := &cfg.Memory
	if m.MinLength <= 0 {
		m.MinLength = def.MinLength
	}
	if m.MaxPerConversation <= 0 {
		m.MaxPerConversation = def.MaxPerConversation
	}
	if m.DedupeWindow <= 0 {
		m.DedupeWindow = def.DedupeWindow
	}
	if m.NearDuplicate == 0 {
		m.NearDuplicate = def.NearDuplicate
	}

	u := &cfg.Urgency
	if u.Scanner == "" {
		u.Scanner = JudgeLLM
	}
	if u.ScanTimeout <= 0 {
		u.ScanTimeout = urgency.DefaultScanTimeout
	}
	if u.MinLevel == "" {
		u.MinLevel = urgency.LevelHigh
	}
	if u.AudioLevel == "" {
		u.AudioLevel = urgency.LevelCritical
	}

	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = notify.DefaultTimeout
	}
	if cfg.Notify.Burst <= 0 {
		cfg.Notify.Burst = 1
	}

	for i := range cfg.Forward.Targets {
		t := &cfg.Forward.Targets[i]
		if t.Timeout <= 0 {
			t.Timeout = forward.DefaultTimeout
		}
		if t.Kind == ForwardNATS && t.SubjectPrefix == "" {
			t.SubjectPrefix = forward.DefaultSubjectPrefix
		}
	}

	j := &cfg.Jobs
	if j.Backend == "" {
		j.Backend = JobsMemory
	}
	if j.TTL <= 0 {
		j.TTL = jobs.DefaultTTL
	}
	if j.RedisPrefix == "" {
		j.RedisPrefix = jobs.DefaultRedisPrefix
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}

	if cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = conversation.DefaultSweepInterval
	}
	if cfg.Sweep.StaleAfter <= 0 {
		cfg.Sweep.StaleAfter = conversation.DefaultStaleAfter
	}

	if cfg.Pool.Enrichment <= 0 {
		cfg.Pool.Enrichment = taskpool.DefaultLimit
	}
	if cfg.Pool.Side <= 0 {
		cfg.Pool.Side = taskpool.DefaultLimit
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	if cfg.Providers.LLM.Name == "" && len(cfg.Providers.LLMFallbacks) > 0 {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	needsLLM := cfg.Discard.Judge == JudgeLLM ||
		(cfg.Urgency.IsEnabled() && cfg.Urgency.Scanner == JudgeLLM)
	if cfg.Providers.LLM.Name == "" && needsLLM {
		slog.Warn("providers.llm is not configured; local extraction is unavailable and keyword judges are used instead")
	}

	// Discard
	if cfg.Discard.Judge != "" && !cfg.Discard.Judge.IsValid() {
		errs = append(errs, fmt.Errorf("discard.judge %q is invalid; valid values: llm, keyword", cfg.Discard.Judge))
	}

	// Extraction
	e := cfg.Extraction
	if e.Mode != "" && !e.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("extraction.mode %q is invalid; valid values: sync, async", e.Mode))
	}
	if e.Remote() && (e.SummaryURL == "" || e.MemoryURL == "") {
		errs = append(errs, errors.New("extraction.summary_url and extraction.memory_url must be set together"))
	}
	if e.Mode == ExtractionAsync {
		if !e.Remote() {
			errs = append(errs, errors.New("extraction.mode async requires summary_url and memory_url"))
		}
		if e.CallbackURL == "" {
			errs = append(errs, errors.New("extraction.mode async requires callback_url"))
		}
	}
	if !e.Remote() && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("no extraction backend: configure extraction.summary_url/memory_url or providers.llm"))
	}

	// Memory
	if m := cfg.Memory.NearDuplicate; m < 0 || m > 1 {
		errs = append(errs, fmt.Errorf("memory.near_duplicate %.2f is out of range [0, 1]", m))
	}

	// Urgency
	u := cfg.Urgency
	if u.Scanner != "" && !u.Scanner.IsValid() {
		errs = append(errs, fmt.Errorf("urgency.scanner %q is invalid; valid values: llm, keyword", u.Scanner))
	}
	for name, l := range map[string]urgency.Level{"min_level": u.MinLevel, "audio_level": u.AudioLevel} {
		if l != "" && !l.IsValid() {
			errs = append(errs, fmt.Errorf("urgency.%s %q is invalid; valid values: none, low, medium, high, critical", name, l))
		}
	}

	// Notify
	if cfg.Notify.Interval < 0 {
		errs = append(errs, errors.New("notify.interval must not be negative"))
	}

	// Forward targets
	seen := make(map[string]int, len(cfg.Forward.Targets))
	for i, t := range cfg.Forward.Targets {
		prefix := fmt.Sprintf("forward.targets[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[t.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of forward.targets[%d]", prefix, t.Name, prev))
			}
			seen[t.Name] = i
		}
		if !t.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: webhook, nats", prefix, t.Kind))
		}
		if t.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", prefix))
		}
	}

	// Jobs
	if cfg.Jobs.Backend != "" && !cfg.Jobs.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("jobs.backend %q is invalid; valid values: memory, redis", cfg.Jobs.Backend))
	}
	if cfg.Jobs.Backend == JobsRedis && cfg.Jobs.RedisAddr == "" {
		errs = append(errs, errors.New("jobs.redis_addr is required when jobs.backend is redis"))
	}

	// Store
	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Store.Backend == StoreMemory {
		slog.Warn("store.backend is memory; conversations and memories are lost on restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
