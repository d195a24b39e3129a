package pipeline

import "context"

// Report describes one processed window. Classification is informational:
// the emitted audio is never modified.
type Report struct {
	// Generation is the settings generation the window was assembled under.
	Generation uint64 `json:"generation"`

	// Timestamp is the host timestamp of the window's first fresh frame. The
	// emitted block for this window carries the same timestamp.
	Timestamp uint64 `json:"timestamp"`

	// Frames is the number of fresh frames; WindowFrames includes the carried
	// overlap.
	Frames       int `json:"frames"`
	WindowFrames int `json:"window_frames"`

	// OverlapMs is the overlap after this window's adjustment.
	OverlapMs int `json:"overlap_ms"`

	// DurationMs is the measured processing time.
	DurationMs int64 `json:"duration_ms"`

	// Outcome is one of the observe.Outcome* values.
	Outcome string `json:"outcome"`

	Speech   bool    `json:"speech"`
	Boundary bool    `json:"boundary"`
	Energy   float64 `json:"energy"`

	Text           string  `json:"text,omitempty"`
	AvgProbability float64 `json:"avg_probability,omitempty"`
	Filler         bool    `json:"filler"`

	// Interjections are transcript words that sound like fillers.
	Interjections []string `json:"interjections,omitempty"`

	Error string `json:"error,omitempty"`
}

// Reporter receives a [Report] for every processed window. Report is called
// from the worker goroutine and must not block for long.
type Reporter interface {
	Report(ctx context.Context, r Report)
}

// ReporterFunc adapts a function to [Reporter].
type ReporterFunc func(ctx context.Context, r Report)

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, r Report) { f(ctx, r) }
