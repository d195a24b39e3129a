package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Try] when no member of a [Chain] succeeded.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the breaker template applied to every [Chain] member. Its
// Name is replaced with the member name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain is an ordered list of interchangeable backends, each behind its own
// [CircuitBreaker]. Members are added during setup; [Try] may then be called
// concurrently.
type Chain[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

// NewChain returns an empty chain.
func NewChain[T any](cfg FallbackConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a member. Members are tried in the order they were added.
func (c *Chain[T]) Add(name string, v T) {
	bc := c.cfg.CircuitBreaker
	bc.Name = name
	c.members = append(c.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names returns the member names in try order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.members))
	for i, m := range c.members {
		names[i] = m.name
	}
	return names
}

// Try calls fn on each member in order and returns the first success together
// with the name of the member that produced it. Members with an open breaker
// are skipped. Cancellation of ctx stops the walk; the remaining members are
// not tried. When every member fails the error wraps [ErrAllFailed] and each
// member's error.
func Try[T, R any](ctx context.Context, c *Chain[T], fn func(T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for i := range c.members {
		m := &c.members[i]
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		var out R
		err := m.breaker.Execute(func() error {
			var ferr error
			out, ferr = fn(m.value)
			return ferr
		})
		switch {
		case err == nil:
			return out, m.name, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback member skipped, circuit open", "member", m.name)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return zero, "", err
		default:
			slog.Warn("fallback member failed", "member", m.name, "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
