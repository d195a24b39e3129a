package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/cleanstream/internal/resilience"
)

// ErrDegraded is reported by [PipelineCheck] when the pipeline has lost its
// transcription engine and passes audio through untouched.
var ErrDegraded = errors.New("pipeline degraded: transcription engine invalidated")

// Degrader is implemented by *pipeline.Pipeline.
type Degrader interface {
	Degraded() bool
}

// PipelineCheck is an optional check failing once p is degraded. A degraded
// pipeline still passes audio through.
func PipelineCheck(name string, p Degrader) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if p.Degraded() {
				return ErrDegraded
			}
			return nil
		},
	}
}

// BreakerCheck fails while the breaker reported by state is open. Half-open
// counts as ready: the next window is the probe.
func BreakerCheck(name string, state func() resilience.State) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if s := state(); s == resilience.StateOpen {
				return fmt.Errorf("circuit breaker %s", s)
			}
			return nil
		},
	}
}

// Pinger is implemented by database handles such as the report store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck is an optional check failing when p cannot be reached within the
// check deadline. Reports are best effort, so an unreachable store only
// degrades the service.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping, Optional: true}
}
