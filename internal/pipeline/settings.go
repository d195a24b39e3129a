package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/cleanstream/pkg/audio"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
)

const (
	// DefaultWindow is the duration of one analysis window.
	DefaultWindow = 1010 * time.Millisecond

	// DefaultOverlap is the overlap a new settings generation starts with.
	DefaultOverlap = 340 * time.Millisecond

	// DefaultFillerThreshold is the average token probability above which a
	// blank-marked transcript counts as filler.
	DefaultFillerThreshold = 0.75

	// DefaultPollInterval is how long the worker sleeps when less than one
	// window is buffered.
	DefaultPollInterval = 10 * time.Millisecond

	minWindow = 200 * time.Millisecond
	maxWindow = 10 * time.Second
)

// Config describes a pipeline. Zero durations select the defaults;
// FillerThreshold is used as given, so start from [DefaultConfig].
type Config struct {
	// Format is the host stream's sample rate and channel count.
	Format audio.Format

	// Window is the analysis window duration.
	Window time.Duration

	// Overlap is the initial overlap between consecutive windows. The worker
	// adapts it at runtime.
	Overlap time.Duration

	// FillerThreshold is the filler probability threshold in [0, 1].
	FillerThreshold float64

	// PollInterval is the worker's idle sleep.
	PollInterval time.Duration

	// Engine configures the transcription engine. SampleRate is always forced
	// to [audio.AnalysisSampleRate].
	Engine stt.EngineConfig
}

// DefaultConfig returns a Config for format with every default applied.
func DefaultConfig(format audio.Format) Config {
	return Config{
		Format:          format,
		Window:          DefaultWindow,
		Overlap:         DefaultOverlap,
		FillerThreshold: DefaultFillerThreshold,
		PollInterval:    DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.Overlap == 0 {
		c.Overlap = DefaultOverlap
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	c.Engine.SampleRate = audio.AnalysisSampleRate
	return c
}

// Validate checks c after defaults are applied. All problems are reported.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if c.Format.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.Format.SampleRate))
	}
	if c.Format.Channels < 1 || c.Format.Channels > audio.MaxChannels {
		errs = append(errs, fmt.Errorf("channels %d out of range [1, %d]", c.Format.Channels, audio.MaxChannels))
	}
	if c.Window < minWindow || c.Window > maxWindow {
		errs = append(errs, fmt.Errorf("window %v out of range [%v, %v]", c.Window, minWindow, maxWindow))
	}
	maxOverlap := time.Duration(float64(c.Window) * maxOverlapFraction)
	if c.Overlap < MinOverlapMs*time.Millisecond || c.Overlap > maxOverlap {
		errs = append(errs, fmt.Errorf("overlap %v out of range [%v, %v]", c.Overlap, MinOverlapMs*time.Millisecond, maxOverlap))
	}
	if c.FillerThreshold < 0 || c.FillerThreshold > 1 {
		errs = append(errs, fmt.Errorf("filler threshold %v out of range [0, 1]", c.FillerThreshold))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll interval %v must not be negative", c.PollInterval))
	}
	return errors.Join(errs...)
}

// Settings is an immutable snapshot of the pipeline configuration. A new
// snapshot with the next Generation replaces it on every reconfiguration.
type Settings struct {
	Format          audio.Format
	WindowFrames    int
	WindowDuration  time.Duration
	InitialOverlap  time.Duration
	FillerThreshold float64
	PollInterval    time.Duration
	Generation      uint64

	// down converts host audio to analysis audio. up converts back; it
	// completes the two-way bridge to the analysis format but emission does
	// not use it, since emitted blocks are the untouched host samples.
	down audio.Resampler
	up   audio.Resampler
}

func newSettings(cfg Config, generation uint64) (*Settings, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	analysis := audio.Format{SampleRate: audio.AnalysisSampleRate, Channels: 1}
	down, err := audio.NewResampler(cfg.Format, analysis)
	if err != nil {
		return nil, fmt.Errorf("create analysis resampler: %w", err)
	}
	up, err := audio.NewResampler(analysis, cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("create host resampler: %w", err)
	}
	return &Settings{
		Format:          cfg.Format,
		WindowFrames:    cfg.Format.FramesFor(int(cfg.Window / time.Millisecond)),
		WindowDuration:  cfg.Window,
		InitialOverlap:  cfg.Overlap,
		FillerThreshold: cfg.FillerThreshold,
		PollInterval:    cfg.PollInterval,
		Generation:      generation,
		down:            down,
		up:              up,
	}, nil
}

// WindowMs returns the window duration in milliseconds.
func (s *Settings) WindowMs() int { return int(s.WindowDuration / time.Millisecond) }

// windowBytes is the input backlog per channel that triggers a window.
func (s *Settings) windowBytes() int { return s.WindowFrames * audio.SampleSize }

// maxRecordFrames is the largest input record ingress will queue. Larger host
// chunks are split so that any record fits the smallest assembly target, and
// finely enough that whole-record assembly leaves at most a sixteenth of a
// window unfilled.
func (s *Settings) maxRecordFrames() int { return max(1, s.WindowFrames/16) }
