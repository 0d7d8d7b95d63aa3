package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/provider/llm/anyllm"
	"github.com/MrWong99/murmur/pkg/provider/llm/openai"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/deepgram"
)

// registerProviders installs a factory for every backend murmur ships.
func registerProviders(reg *config.Registry) {
	for _, backend := range anyllm.SupportedProviders {
		reg.RegisterLLM(backend, anyLLM(backend))
	}
	reg.RegisterLLM("openai-compatible", openAICompatible)
	reg.RegisterSTT("deepgram", deepgramSTT)
}

func anyLLM(backend string) config.Factory[llm.Provider] {
	return func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if e.APIKey != "" && !anyllm.IsLocal(backend) {
			opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		p, err := anyllm.New(backend, e.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// openAICompatible talks to any server exposing the OpenAI chat API, such as
// vLLM, LM Studio or an Azure deployment, through the official SDK.
func openAICompatible(e config.ProviderEntry) (llm.Provider, error) {
	var opts []openai.Option
	if e.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(e.BaseURL))
	}
	if org, ok := option[string](e.Options, "organization"); ok {
		opts = append(opts, openai.WithOrganization(org))
	}
	if d := optDuration(e.Options, "timeout"); d > 0 {
		opts = append(opts, openai.WithTimeout(d))
	}
	p, err := openai.New(e.APIKey, e.Model, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func deepgramSTT(e config.ProviderEntry) (stt.Provider, error) {
	var opts []deepgram.Option
	if e.Model != "" {
		opts = append(opts, deepgram.WithModel(e.Model))
	}
	if e.BaseURL != "" {
		opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
	}
	if lang, ok := option[string](e.Options, "language"); ok {
		opts = append(opts, deepgram.WithLanguage(lang))
	}
	if d := optDuration(e.Options, "keepalive"); d > 0 {
		opts = append(opts, deepgram.WithKeepAlive(d))
	}
	p, err := deepgram.New(e.APIKey, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// buildProviders creates the providers cfg names. An unknown fallback LLM is
// skipped with a warning; any other failure aborts startup.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	if missing := reg.Missing(cfg); len(missing) > 0 {
		slog.Warn("configured providers have no implementation", "providers", missing)
	}

	ps := &app.Providers{}
	if e := cfg.Providers.LLM; e.Name != "" {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("llm %q: %w", e.Name, err)
		}
		ps.LLM, ps.LLMName = p, e.Name
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(e)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("skipping unknown fallback llm", "index", i, "name", e.Name)
			continue
		case err != nil:
			return nil, fmt.Errorf("fallback llm %q: %w", e.Name, err)
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, app.NamedLLM{Name: e.Name, Provider: p})
	}
	if e := cfg.Providers.STT; e.Name != "" {
		p, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("stt %q: %w", e.Name, err)
		}
		ps.STT, ps.STTName = p, e.Name
	}

	slog.Info("providers ready",
		"llm", ps.LLMName,
		"llm_fallbacks", len(ps.LLMFallbacks),
		"stt", ps.STTName)
	return ps, nil
}

// option reads a typed value from a provider's free-form options.
func option[T any](opts map[string]any, key string) (T, bool) {
	v, ok := opts[key].(T)
	return v, ok
}

// optDuration accepts "45s" style strings. Anything else reads as zero.
func optDuration(opts map[string]any, key string) time.Duration {
	s, _ := option[string](opts, key)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
