// Package stt defines the Provider and Engine interfaces for batch
// Speech-to-Text backends.
//
// A Provider is a long-lived factory (a loaded model, an API client). An Engine
// is a per-pipeline handle created from it: the pipeline worker hands each
// analysis window (16 kHz mono float PCM) to Engine.Transcribe and inspects the
// returned text and token probabilities to classify the window.
//
// Engines are used by one worker at a time but Close may be called from a
// different goroutine than Transcribe; implementations must tolerate that.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrTransient marks a transcription failure that affects only the current
// window (rate limiting, a timeout, a 5xx from a remote backend). Callers
// skip the window and keep the engine. Any other error is treated as fatal to
// the engine. Wrap it with fmt.Errorf("...: %w", ErrTransient).
var ErrTransient = errors.New("stt: transient failure")

// DefaultFillerPrompt is an initial prompt made of common English fillers. It
// nudges decoders into transcribing disfluencies instead of dropping them.
const DefaultFillerPrompt = "hmm, mm, mhm, mmm, uhm, Uh, um, Uhh, Umm, ehm, uuuh, Ahh, ahm, eh, Ehh, ehh,"

// EngineConfig describes the recognition parameters for a new Engine.
type EngineConfig struct {
	// SampleRate is the rate of the samples passed to Transcribe. The pipeline
	// always sends 16000.
	SampleRate int

	// Language is the language code for recognition (e.g., "en"). An empty
	// string lets the backend auto-detect, if supported.
	Language string

	// InitialPrompt biases decoding. Filler detection works best when the
	// prompt itself is a list of fillers.
	InitialPrompt string

	// MaxTokens limits the number of tokens per segment. Zero means no limit.
	MaxTokens int

	// Threads is the CPU thread count for local backends. Zero selects a
	// backend default.
	Threads int
}

// Token is a single decoded token with the backend's confidence in it.
type Token struct {
	// Text is the token text as produced by the backend.
	Text string

	// Probability is the token probability in [0, 1].
	Probability float64
}

// Result is the outcome of transcribing one window.
type Result struct {
	// Text is the concatenated text of all segments.
	Text string

	// Tokens lists every decoded token across all segments. May be empty.
	Tokens []Token

	// SegmentStart and SegmentEnd bound the recognised speech relative to the
	// start of the window. Both are zero if the backend does not report timing.
	SegmentStart time.Duration
	SegmentEnd   time.Duration
}

// AverageProbability returns the mean token probability, or 0 when the result
// has no tokens.
func (r Result) AverageProbability() float64 {
	if len(r.Tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range r.Tokens {
		sum += t.Probability
	}
	return sum / float64(len(r.Tokens))
}

// Engine transcribes analysis windows.
type Engine interface {
	// Transcribe runs recognition on samples (mono float PCM at the configured
	// sample rate). Errors wrapping [ErrTransient] affect only this window; any
	// other error means the engine is no longer usable.
	Transcribe(ctx context.Context, samples []float32) (Result, error)

	// Close releases all resources held by the engine. Calling Close more than
	// once is safe and returns nil. Transcribe after Close returns an error.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use: one Engine is created per
// pipeline and several pipelines may share a Provider.
type Provider interface {
	// NewEngine creates an Engine ready to transcribe. Returns an error if the
	// configuration is unsupported or the backend cannot allocate resources;
	// pipeline construction fails in that case.
	NewEngine(ctx context.Context, cfg EngineConfig) (Engine, error)
}
