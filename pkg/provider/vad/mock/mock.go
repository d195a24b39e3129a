// Package mock provides test doubles for the vad package interfaces.
//
// Use Detector to script gate decisions and inspect the windows that were
// submitted. Use Engine to verify that detectors are created with the expected
// Config.
//
// Example:
//
//	det := &mock.Detector{Result: vad.Decision{Speech: true, Boundary: true}}
//	eng := &mock.Engine{Detector: det}
package mock

import (
	"sync"

	"github.com/MrWong99/cleanstream/pkg/provider/vad"
)

// NewDetectorCall records a single invocation of Engine.NewDetector.
type NewDetectorCall struct {
	// Cfg is the Config passed to NewDetector.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, a new default Detector is
	// returned.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records every call to NewDetector in order.
	NewDetectorCalls []NewDetectorCall
}

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, NewDetectorCall{Cfg: cfg})
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// DetectCall records a single invocation of Detector.Detect.
type DetectCall struct {
	// Samples is a copy of the window passed to Detect.
	Samples []float32
}

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Result is returned by every Detect call unless ResultFunc is set.
	Result vad.Decision

	// ResultFunc, if non-nil, computes the decision for each call.
	ResultFunc func(samples []float32) vad.Decision

	// DetectErr, if non-nil, is returned by every Detect call.
	DetectErr error

	// DetectCalls records every call to Detect in order.
	DetectCalls []DetectCall
}

// Detect records the call and returns Result (or ResultFunc's value), DetectErr.
func (d *Detector) Detect(samples []float32) (vad.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	d.DetectCalls = append(d.DetectCalls, DetectCall{Samples: cp})
	if d.DetectErr != nil {
		return vad.Decision{}, d.DetectErr
	}
	if d.ResultFunc != nil {
		return d.ResultFunc(samples), nil
	}
	return d.Result, nil
}

// CallCount returns the number of Detect calls. Thread-safe.
func (d *Detector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DetectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DetectCalls = nil
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
