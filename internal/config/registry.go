package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// exists under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type P from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is the per-kind half of a [Registry].
type factories[P any] struct {
	kind   string
	byName map[string]Factory[P]
}

func newFactories[P any](kind string) factories[P] {
	return factories[P]{kind: kind, byName: make(map[string]Factory[P])}
}

func (f factories[P]) create(entry ProviderEntry) (P, error) {
	build, ok := f.byName[entry.Name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := build(entry)
	if err != nil {
		var zero P
		return zero, fmt.Errorf("%s/%s: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

func (f factories[P]) names() []string {
	return slices.Sorted(maps.Keys(f.byName))
}

// Registry maps provider names from the config file to constructors. main
// fills it once at startup with every built-in backend. Registering a name
// twice replaces the earlier factory. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	stt factories[stt.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactories[llm.Provider]("llm"),
		stt: newFactories[stt.Provider]("stt"),
	}
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.byName[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	r.stt.byName[name] = f
	r.mu.Unlock()
}

// CreateLLM builds the LLM provider named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}

// CreateSTT builds the speech-to-text provider named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry)
}

// Names returns the sorted registered names per provider kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.llm.kind: r.llm.names(),
		r.stt.kind: r.stt.names(),
	}
}

// Missing lists the provider names in cfg that have no registered factory,
// formatted as kind/name.
func (r *Registry) Missing(cfg *Config) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	check := func(kind string, has bool, name string) {
		if name != "" && !has {
			out = append(out, kind+"/"+name)
		}
	}
	_, ok := r.llm.byName[cfg.Providers.LLM.Name]
	check(r.llm.kind, ok, cfg.Providers.LLM.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		_, ok := r.llm.byName[fb.Name]
		check(r.llm.kind, ok, fb.Name)
	}
	_, ok = r.stt.byName[cfg.Providers.STT.Name]
	check(r.stt.kind, ok, cfg.Providers.STT.Name)
	return out
}
