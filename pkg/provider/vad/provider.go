// Package vad defines the Detector interface for voice activity and
// word-boundary detection backends.
//
// A Detector gates transcription: it decides, per analysis window, whether the
// window contains speech at all and, if so, whether both ends of the window are
// quiet enough relative to its middle to be a clean cut point. Windows that fail
// either stage are not transcribed; their audio is still forwarded unmodified.
//
// Detect may modify the supplied samples in place (for example by applying a
// high-pass filter), and the caller is expected to transcribe the filtered
// samples. Implementations must be safe for concurrent use across different
// windows.
package vad

// Config holds the parameters for a Detector. Zero values select the
// implementation's defaults.
type Config struct {
	// SampleRate is the rate in Hz of the samples passed to Detect. The pipeline
	// always analyses 16 kHz mono.
	SampleRate int

	// Threshold is the minimum mean absolute amplitude, after filtering, for a
	// window to be considered speech. Typical: 0.0001.
	Threshold float64

	// HighPassHz is the cutoff of the high-pass filter applied before the energy
	// measurement. Zero or negative disables filtering.
	HighPassHz float64

	// BoundaryWindowMs is the duration of the head and tail regions inspected by
	// the word-boundary check. Typical: 50.
	BoundaryWindowMs int

	// BoundaryFraction is the fraction of the middle region's peak amplitude that
	// the head and tail mean amplitudes must both fall below. Range: (0, 1].
	// Typical: 0.25.
	BoundaryFraction float64
}

// Decision is the outcome of a single Detect call.
type Decision struct {
	// Speech reports whether the window passed the energy gate.
	Speech bool

	// Boundary reports whether the word-boundary check passed. Always false when
	// Speech is false.
	Boundary bool

	// Energy is the mean absolute amplitude of the whole (filtered) window.
	Energy float64

	// HeadEnergy and TailEnergy are the mean absolute amplitudes of the head and
	// tail regions. Zero when the boundary check did not run.
	HeadEnergy float64
	TailEnergy float64

	// MiddlePeak is the maximum absolute amplitude of the middle region.
	MiddlePeak float64
}

// Transcribe reports whether the window should be sent to the transcription
// engine.
func (d Decision) Transcribe() bool { return d.Speech && d.Boundary }

// Detector inspects analysis windows.
type Detector interface {
	// Detect analyses samples and reports the gate decision. samples may be
	// modified in place. An error means the detector could not evaluate the
	// window (for example because it is empty); it is not a silence verdict.
	Detect(samples []float32) (Decision, error)
}

// Engine is the factory for Detectors. It is the top-level interface
// implemented by each VAD backend and registered by name in the config
// registry.
type Engine interface {
	// NewDetector creates a Detector for cfg. Returns an error if the
	// configuration is invalid.
	NewDetector(cfg Config) (Detector, error)
}
