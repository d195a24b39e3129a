package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/cleanstream/pkg/provider/stt"
)

// Guard wraps an [stt.Engine] with a [CircuitBreaker]. Only transient
// failures (errors wrapping [stt.ErrTransient]) count against the breaker;
// other errors pass through untouched so the pipeline can invalidate the
// engine. While the breaker is open Transcribe returns [ErrCircuitOpen]
// without calling the engine.
type Guard struct {
	engine  stt.Engine
	breaker *CircuitBreaker
}

// Compile-time interface assertion.
var _ stt.Engine = (*Guard)(nil)

// NewGuard wraps engine. cfg.IsFailure is overridden.
func NewGuard(engine stt.Engine, cfg CircuitBreakerConfig) *Guard {
	cfg.IsFailure = isTransient
	return &Guard{engine: engine, breaker: NewCircuitBreaker(cfg)}
}

// Transcribe implements [stt.Engine].
func (g *Guard) Transcribe(ctx context.Context, samples []float32) (stt.Result, error) {
	done, err := g.breaker.Allow()
	if err != nil {
		return stt.Result{}, fmt.Errorf("transcribe: %w", err)
	}
	res, err := g.engine.Transcribe(ctx, samples)
	done(err)
	return res, err
}

// Close implements [stt.Engine].
func (g *Guard) Close() error {
	return g.engine.Close()
}

// State returns the breaker state.
func (g *Guard) State() State {
	return g.breaker.State()
}

// GuardedProvider wraps an [stt.Provider] so that every engine it creates is
// wrapped in its own [Guard].
type GuardedProvider struct {
	provider stt.Provider
	cfg      CircuitBreakerConfig
}

// Compile-time interface assertion.
var _ stt.Provider = (*GuardedProvider)(nil)

// NewGuardedProvider returns a provider whose engines are guarded with cfg.
func NewGuardedProvider(p stt.Provider, cfg CircuitBreakerConfig) *GuardedProvider {
	return &GuardedProvider{provider: p, cfg: cfg}
}

// NewEngine implements [stt.Provider].
func (gp *GuardedProvider) NewEngine(ctx context.Context, cfg stt.EngineConfig) (stt.Engine, error) {
	e, err := gp.provider.NewEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewGuard(e, gp.cfg), nil
}

func isTransient(err error) bool {
	return errors.Is(err, stt.ErrTransient)
}
