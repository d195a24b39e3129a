// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that engines are created with the expected
// EngineConfig. Use Engine to script transcription results and inspect which
// windows were submitted.
//
// Example:
//
//	eng := &mock.Engine{Result: stt.Result{Text: "uh, okay"}}
//	p := &mock.Provider{Engine: eng}
//	e, _ := p.NewEngine(ctx, cfg)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/cleanstream/pkg/provider/stt"
)

// NewEngineCall records a single invocation of Provider.NewEngine.
type NewEngineCall struct {
	// Ctx is the context passed to NewEngine.
	Ctx context.Context
	// Cfg is the EngineConfig passed to NewEngine.
	Cfg stt.EngineConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Engine is returned by NewEngine. If nil, NewEngine returns a new default
	// Engine.
	Engine stt.Engine

	// NewEngineErr, if non-nil, is returned as the error from NewEngine.
	NewEngineErr error

	// NewEngineCalls records every call to NewEngine.
	NewEngineCalls []NewEngineCall
}

// NewEngine records the call and returns Engine, NewEngineErr.
func (p *Provider) NewEngine(ctx context.Context, cfg stt.EngineConfig) (stt.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewEngineCalls = append(p.NewEngineCalls, NewEngineCall{Ctx: ctx, Cfg: cfg})
	if p.NewEngineErr != nil {
		return nil, p.NewEngineErr
	}
	if p.Engine != nil {
		return p.Engine, nil
	}
	return &Engine{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewEngineCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// errClosed is returned by Transcribe after Close.
var errClosed = errors.New("mock: engine closed")

// TranscribeCall records a single invocation of Engine.Transcribe.
type TranscribeCall struct {
	// Samples is a copy of the window passed to Transcribe.
	Samples []float32
}

// Engine is a mock implementation of stt.Engine.
type Engine struct {
	mu sync.Mutex

	// Result is returned by every Transcribe call unless ResultFunc is set.
	Result stt.Result

	// ResultFunc, if non-nil, computes the result and error for each call. The
	// argument is the zero-based call index.
	ResultFunc func(call int, samples []float32) (stt.Result, error)

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// Delay, if positive, is slept (honouring ctx) before returning.
	Delay time.Duration

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

// Transcribe records the call and returns the scripted result.
func (e *Engine) Transcribe(ctx context.Context, samples []float32) (stt.Result, error) {
	e.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	e.TranscribeCalls = append(e.TranscribeCalls, TranscribeCall{Samples: cp})
	idx := len(e.TranscribeCalls) - 1
	closed, delay, fn := e.closed, e.Delay, e.ResultFunc
	res, err := e.Result, e.TranscribeErr
	e.mu.Unlock()

	if closed {
		return stt.Result{}, errClosed
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(idx, samples)
	}
	return res, err
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	e.closed = true
	return e.CloseErr
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.TranscribeCalls)
}

// Closed reports whether Close has been called. Thread-safe.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.TranscribeCalls = nil
	e.CloseCallCount = 0
}

// Ensure Engine implements stt.Engine at compile time.
var _ stt.Engine = (*Engine)(nil)
