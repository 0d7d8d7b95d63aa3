package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the reloaded config and the hot-reloadable part of
// what changed. It is only called when [ConfigDiff.Any] holds.
type ChangeFunc func(cfg *Config, d ConfigDiff)

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher keeps the hot-reloadable settings of a running server in sync with
// its config file. It polls the file's modification time and size, and
// compares a content checksum before reparsing, so touching the file is a
// no-op. A file that fails to load or validate is logged once and the last
// good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	// reloadMu serialises polling with [Watcher.Reload] and guards seen
	// and sum.
	reloadMu sync.Mutex
	seen     fileStamp
	sum      [sha256.Size]byte

	mu      sync.RWMutex
	current *Config

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed; later failures only log.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	w.current, w.seen, w.sum = cfg, stamp, stamp.sum

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload rereads the file immediately, for example on SIGHUP. It reports
// whether a new config was adopted.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if _, err := w.reload(false); err != nil {
				slog.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// reload adopts the file's content when it differs from the current
// config. Unless force is set, a file whose mtime and size match the last
// version seen is not read at all.
func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		if info.ModTime().Equal(w.seen.modTime) && info.Size() == w.seen.size {
			return false, nil
		}
	}

	data, stamp, err := w.read()
	if err != nil {
		return false, err
	}
	w.seen = stamp
	if stamp.sum == w.sum {
		return false, nil
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	w.sum = stamp.sum

	w.mu.Lock()
	prev := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(prev, cfg)
	if len(d.Restart) > 0 {
		slog.Warn("config sections changed that only apply after a restart", "path", w.path, "sections", d.Restart)
	}
	if !d.Any() {
		return true, nil
	}
	slog.Info("config reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"discard_threshold", d.DiscardThresholdChanged,
		"memory_policy", d.MemoryPolicyChanged,
		"urgency_timeout", d.UrgencyTimeoutChanged,
	)
	if w.onChange != nil {
		w.onChange(cfg, d)
	}
	return true, nil
}

func (w *Watcher) read() ([]byte, fileStamp, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return data, fileStamp{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
