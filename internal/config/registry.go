package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/cleanstream/pkg/provider/stt"
	"github.com/MrWong99/cleanstream/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a config names a provider no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is a name-keyed set of constructors for one provider kind.
type factories[C, P any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]func(C) (P, error)
}

func (f *factories[C, P]) register(name string, fn func(C) (P, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]func(C) (P, error))
	}
	f.m[name] = fn
}

func (f *factories[C, P]) create(name string, cfg C) (P, error) {
	f.mu.RLock()
	fn, ok := f.m[name]
	f.mu.RUnlock()
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q (registered: %v)", ErrProviderNotRegistered, f.kind, name, f.names())
	}
	return fn(cfg)
}

func (f *factories[C, P]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.m))
	for n := range f.m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Registry resolves the provider names used in a [Config] to constructors.
// Safe for concurrent use.
type Registry struct {
	stt factories[ProviderEntry, stt.Provider]
	vad factories[VADConfig, vad.Engine]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stt: factories[ProviderEntry, stt.Provider]{kind: "stt"},
		vad: factories[VADConfig, vad.Engine]{kind: "vad"},
	}
}

// RegisterSTT registers a transcription provider factory, replacing any
// earlier one of the same name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.stt.register(name, factory)
}

// RegisterVAD registers a VAD engine factory, replacing any earlier one of
// the same name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.vad.register(name, factory)
}

// CreateSTT builds the provider entry names.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(entry.Name, entry)
}

// CreateVAD builds the VAD engine cfg names.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	return r.vad.create(cfg.Name, cfg)
}

// STTNames returns the registered transcription provider names, sorted.
func (r *Registry) STTNames() []string { return r.stt.names() }

// VADNames returns the registered VAD engine names, sorted.
func (r *Registry) VADNames() []string { return r.vad.names() }
