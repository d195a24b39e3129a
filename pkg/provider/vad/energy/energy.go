// Package energy provides an amplitude-based [vad.Detector].
//
// The detector is a two-stage gate. First a single-pole high-pass filter removes
// DC offset and low-frequency rumble in place, and the mean absolute amplitude of
// the whole window is compared to a threshold. Windows above the threshold then
// get a word-boundary check: the mean amplitude of a short head and tail region
// must both fall below a fraction of the peak amplitude in between.
//
// No phoneme detection happens here; the gate only filters out windows that are
// silent or that would cut a word in half.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/cleanstream/pkg/provider/vad"
)

// Defaults used for zero-valued Config fields.
const (
	DefaultThreshold        = 0.0001
	DefaultHighPassHz       = 100.0
	DefaultBoundaryWindowMs = 50
	DefaultBoundaryFraction = 0.25
)

// ErrEmptyWindow is returned by Detect for a zero-length window.
var ErrEmptyWindow = errors.New("energy: empty window")

// Engine creates energy Detectors. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = Engine{}

// NewDetector implements [vad.Engine]. Zero fields of cfg take the package
// defaults; SampleRate is required.
func (Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	return New(cfg)
}

// Detector is the energy-gate implementation of [vad.Detector]. It is stateless
// between calls and safe for concurrent use.
type Detector struct {
	cfg    vad.Config
	alpha  float64 // high-pass coefficient, 0 when filtering is disabled
	window int     // boundary head/tail length in samples
}

var _ vad.Detector = (*Detector)(nil)

// New validates cfg, fills in defaults and returns a Detector.
func New(cfg vad.Config) (*Detector, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.HighPassHz == 0 {
		cfg.HighPassHz = DefaultHighPassHz
	}
	if cfg.BoundaryWindowMs == 0 {
		cfg.BoundaryWindowMs = DefaultBoundaryWindowMs
	}
	if cfg.BoundaryFraction == 0 {
		cfg.BoundaryFraction = DefaultBoundaryFraction
	}

	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("energy: threshold must be non-negative, got %g", cfg.Threshold)
	}
	if cfg.BoundaryWindowMs < 0 {
		return nil, fmt.Errorf("energy: boundary window must be positive, got %d ms", cfg.BoundaryWindowMs)
	}
	if cfg.BoundaryFraction < 0 || cfg.BoundaryFraction > 1 {
		return nil, fmt.Errorf("energy: boundary fraction must be in (0, 1], got %g", cfg.BoundaryFraction)
	}
	if cfg.HighPassHz >= float64(cfg.SampleRate)/2 {
		return nil, fmt.Errorf("energy: high-pass cutoff %g Hz is above Nyquist for %d Hz", cfg.HighPassHz, cfg.SampleRate)
	}

	d := &Detector{
		cfg:    cfg,
		window: cfg.SampleRate * cfg.BoundaryWindowMs / 1000,
	}
	if cfg.HighPassHz > 0 {
		rc := 1 / (2 * math.Pi * cfg.HighPassHz)
		dt := 1 / float64(cfg.SampleRate)
		d.alpha = rc / (rc + dt)
	}
	return d, nil
}

// Config returns the effective configuration after defaults were applied.
func (d *Detector) Config() vad.Config { return d.cfg }

// Detect implements [vad.Detector]. When high-pass filtering is enabled the
// samples are replaced by their filtered version.
func (d *Detector) Detect(samples []float32) (vad.Decision, error) {
	if len(samples) == 0 {
		return vad.Decision{}, ErrEmptyWindow
	}

	if d.alpha > 0 {
		HighPass(samples, d.alpha)
	}

	dec := vad.Decision{Energy: MeanAbs(samples)}
	if dec.Energy < d.cfg.Threshold {
		return dec, nil
	}
	dec.Speech = true

	n := d.window
	if n == 0 || len(samples) <= 2*n {
		// No middle region to compare against.
		return dec, nil
	}
	dec.HeadEnergy = MeanAbs(samples[:n])
	dec.TailEnergy = MeanAbs(samples[len(samples)-n:])
	dec.MiddlePeak = PeakAbs(samples[n : len(samples)-n])

	limit := dec.MiddlePeak * d.cfg.BoundaryFraction
	dec.Boundary = dec.HeadEnergy < limit && dec.TailEnergy < limit
	return dec, nil
}

// HighPass applies a single-pole RC high-pass filter with coefficient alpha to
// samples in place: y[i] = alpha * (y[i-1] + x[i] - x[i-1]).
func HighPass(samples []float32, alpha float64) {
	if len(samples) < 2 {
		return
	}
	a := float32(alpha)
	prevX := samples[0]
	y := samples[0]
	for i := 1; i < len(samples); i++ {
		x := samples[i]
		y = a * (y + x - prevX)
		prevX = x
		samples[i] = y
	}
}

// MeanAbs returns the mean absolute amplitude of samples, or 0 when empty.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// PeakAbs returns the largest absolute amplitude in samples.
func PeakAbs(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		peak = max(peak, math.Abs(float64(s)))
	}
	return peak
}
