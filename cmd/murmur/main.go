// Command murmur runs the conversation ingestion and enrichment server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "apply hot-reloadable settings when the config file changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(os.Stderr, "murmur: no config at %q; start from configs/example.yaml\n", *configPath)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		return 1
	}

	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))
	slog.Info("murmur starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel)

	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "murmur",
		ServiceVersion: version,
		Environment:    cfg.Server.Environment,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerProviders(reg)
	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("provider setup failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, providers, app.WithLogLevel(&level))
	if err != nil {
		slog.Error("app init failed", "err", err)
		return 1
	}
	summarize(os.Stdout, cfg)

	if *watch {
		if w, err := config.NewWatcher(*configPath, a.ApplyConfig); err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	code := 0
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server stopped", "err", err)
		code = 1
	}

	slog.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry flush failed", "err", err)
	}
	return code
}

// reloadOnHangup rereads the config file whenever the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("SIGHUP reload failed", "err", err)
				continue
			}
			slog.Info("SIGHUP reload", "changed", changed)
		}
	}
}

// summarize prints the effective wiring as a two-column table.
func summarize(out io.Writer, cfg *config.Config) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "  %s\t%s\n", k, v) }

	fmt.Fprintln(tw, "murmur")
	row("llm", describe(cfg.Providers.LLM))
	row("llm fallbacks", fmt.Sprint(len(cfg.Providers.LLMFallbacks)))
	row("stt", describe(cfg.Providers.STT))
	extraction := string(cfg.Extraction.Mode) + " (local only)"
	if cfg.Extraction.Remote() {
		extraction = string(cfg.Extraction.Mode) + " + remote"
	}
	row("extraction", extraction)
	row("store", string(cfg.Store.Backend))
	row("jobs", string(cfg.Jobs.Backend))
	urgency := "off"
	if cfg.Urgency.IsEnabled() {
		urgency = string(cfg.Urgency.Scanner)
	}
	row("urgency", urgency)
	row("forward targets", fmt.Sprint(len(cfg.Forward.Targets)))
	if cfg.Server.ListenAddr != "" {
		row("listen", cfg.Server.ListenAddr)
	}
	_ = tw.Flush()
}

func describe(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "-"
	case e.Model == "":
		return e.Name
	}
	return e.Name + "/" + e.Model
}
