// Package resilience protects the pipeline from misbehaving transcription
// backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open). [Guard]
// wraps an stt.Engine with a breaker so that a backend which keeps timing out
// or rate-limiting is skipped quickly instead of stalling every window for the
// full request timeout. [STTFallback] fails over between providers when an
// engine cannot be created.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker rejects calls. The pipeline treats
// it like a transient failure: the window is forwarded without transcription.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen
	// StateHalfOpen admits up to HalfOpenMax probe calls. All must succeed for
	// the breaker to close; any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and OnStateChange calls.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the time an open breaker waits before probing. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes admitted in half-open. Default 1.
	HalfOpenMax int

	// IsFailure classifies errors. Errors it rejects neither trip nor reset the
	// breaker. Default: any error except context cancellation.
	IsFailure func(error) bool

	// OnStateChange is called after each transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = countsAsFailure
	}
}

func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker guards calls to one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // time of the failure that last opened the breaker
	probes   int       // half-open probes admitted
	passed   int       // half-open probes that succeeded
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow asks for admission of one call. On success the caller must invoke
// done exactly once with the call's outcome.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	var moved []transition
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		moved = append(moved, cb.moveTo(StateHalfOpen))
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.probes++
	}
	cb.mu.Unlock()
	cb.announce(moved)

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.settle(probe, err) })
	}, nil
}

// Execute runs fn when the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	var moved []transition
	switch {
	case err == nil && probe:
		cb.passed++
		if cb.state == StateHalfOpen && cb.passed >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			moved = append(moved, cb.moveTo(StateClosed))
		}
	case err == nil:
		cb.failures = 0
	case !cb.cfg.IsFailure(err):
		if probe {
			cb.probes--
		}
	case probe:
		cb.openedAt = cb.now()
		if cb.state == StateHalfOpen {
			moved = append(moved, cb.moveTo(StateOpen))
		}
	default:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.openedAt = cb.now()
			moved = append(moved, cb.moveTo(StateOpen))
		}
	}
	cb.mu.Unlock()
	cb.announce(moved)
}

type transition struct{ from, to State }

// moveTo must be called with cb.mu held.
func (cb *CircuitBreaker) moveTo(to State) transition {
	from := cb.state
	cb.state = to
	if to == StateHalfOpen {
		cb.probes, cb.passed = 0, 0
	}
	return transition{from, to}
}

func (cb *CircuitBreaker) announce(moved []transition) {
	for _, t := range moved {
		if t.from == t.to {
			continue
		}
		switch t.to {
		case StateOpen:
			slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", t.from.String())
		case StateClosed:
			slog.Info("circuit breaker closed", "name", cb.cfg.Name, "from", t.from.String())
		default:
			slog.Debug("circuit breaker probing", "name", cb.cfg.Name)
		}
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
		}
	}
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// admission.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.moveTo(StateClosed)
	cb.failures, cb.probes, cb.passed = 0, 0, 0
	cb.mu.Unlock()
	cb.announce([]transition{t})
}
