package pipeline

import "time"

const (
	// MinOverlapMs is the smallest overlap the controller will shrink to.
	MinOverlapMs = 100

	// OverlapStepMs is the amount the overlap moves per adjustment.
	OverlapStepMs = 10

	// maxOverlapFraction bounds the overlap relative to the window (and, when
	// growing, relative to the newly consumed audio).
	maxOverlapFraction = 0.75
)

// OverlapController resizes the window overlap from measured processing
// latency. Each processed window feeds back its processing duration D and the
// duration M of the newly consumed (non-overlap) audio:
//
//   - D > M: the worker is falling behind, shrink by [OverlapStepMs] down to
//     [MinOverlapMs].
//   - otherwise, if the window contained speech: grow by [OverlapStepMs], capped
//     at 0.75·M.
//   - silence that kept up leaves the overlap unchanged.
//
// After every adjustment the overlap lies in [MinOverlapMs, 0.75·windowMs].
//
// OverlapController is not safe for concurrent use; the worker owns it.
type OverlapController struct {
	ms       int
	windowMs int
}

// NewOverlapController returns a controller starting at initialMs for windows
// of windowMs. initialMs is clamped into the valid range.
func NewOverlapController(initialMs, windowMs int) *OverlapController {
	c := &OverlapController{windowMs: windowMs}
	c.ms = c.clamp(initialMs)
	return c
}

// Ms returns the current overlap in milliseconds.
func (c *OverlapController) Ms() int { return c.ms }

// Frames returns the current overlap in frames at sampleRate.
func (c *OverlapController) Frames(sampleRate int) int {
	return int(int64(c.ms) * int64(sampleRate) / 1000)
}

// Max returns the upper bound of the overlap in milliseconds.
func (c *OverlapController) Max() int {
	return int(float64(c.windowMs) * maxOverlapFraction)
}

// Adjust applies one feedback step and returns the new overlap in
// milliseconds. d is the measured processing time, newMs the duration of the
// newly consumed audio and speech whether the window passed voice activity
// detection.
func (c *OverlapController) Adjust(d time.Duration, newMs int, speech bool) int {
	switch {
	case d > time.Duration(newMs)*time.Millisecond:
		c.ms = max(c.ms-OverlapStepMs, MinOverlapMs)
	case speech:
		c.ms = min(c.ms+OverlapStepMs, int(float64(newMs)*maxOverlapFraction))
	}
	c.ms = c.clamp(c.ms)
	return c.ms
}

func (c *OverlapController) clamp(ms int) int {
	return min(max(ms, MinOverlapMs), max(c.Max(), MinOverlapMs))
}
