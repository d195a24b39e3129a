package resilience

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/cleanstream/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] by creating engines on the first
// healthy backend of a [Chain]. An engine stays bound to the backend that
// created it; failover only happens when the next engine is requested, which
// the pipeline does after invalidating a broken one.
type STTFallback struct {
	chain  *Chain[stt.Provider]
	active atomic.Pointer[string]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	f := &STTFallback{chain: NewChain[stt.Provider](cfg)}
	f.chain.Add(primaryName, primary)
	return f
}

// AddFallback appends a backend tried after the ones already registered.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.chain.Add(name, p)
}

// Backends returns the backend names in preference order.
func (f *STTFallback) Backends() []string { return f.chain.Names() }

// Active returns the backend that created the most recent engine, or "" if
// none has been created yet.
func (f *STTFallback) Active() string {
	if p := f.active.Load(); p != nil {
		return *p
	}
	return ""
}

// NewEngine implements [stt.Provider].
func (f *STTFallback) NewEngine(ctx context.Context, cfg stt.EngineConfig) (stt.Engine, error) {
	eng, name, err := Try(ctx, f.chain, func(p stt.Provider) (stt.Engine, error) {
		return p.NewEngine(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	if prev := f.active.Swap(&name); prev != nil && *prev != name {
		slog.Info("stt backend switched", "from", *prev, "to", name)
	}
	return eng, nil
}
