// Package pipeline implements the streaming filler-detection pipeline.
//
// A [Pipeline] accepts host audio in arbitrary chunks ([Pipeline.OnAudioFrames]),
// buffers it per channel together with a [audio.FrameRecord] per chunk, and
// hands it to a single background worker. The worker assembles fixed-duration
// analysis windows that overlap by an adaptive amount, converts them to 16 kHz
// mono, gates them with a voice activity and word-boundary detector, and
// transcribes the windows that pass. Every window's fresh audio is then queued
// for emission unmodified and with its original timestamp, so the host receives
// its own stream back, delayed by processing.
//
// # Locking
//
// Three regions are guarded independently: the input rings and info queue, the
// output rings and info queue, and the transcription engine handle. Producers
// and consumers only ever take the input or output lock. The worker holds the
// input lock while draining a window and the output lock while appending it;
// transcription runs under the engine lock alone. When both buffer locks are
// needed (reconfiguration), input is taken before output.
//
// # Degradation
//
// A transcription failure that is neither transient nor a rejected call from
// an open circuit breaker invalidates the engine. The worker exits and the
// pipeline becomes a pass-through: OnAudioFrames hands the caller's audio
// straight back. Callers detect this with [Pipeline.Degraded] and rebuild.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/cleanstream/internal/observe"
	"github.com/MrWong99/cleanstream/pkg/audio"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
	"github.com/MrWong99/cleanstream/pkg/provider/vad"
)

var (
	// ErrClosed is returned by operations on a closed pipeline.
	ErrClosed = errors.New("pipeline: closed")

	// ErrFormatMismatch is returned when delivered audio does not match the
	// configured channel layout.
	ErrFormatMismatch = errors.New("pipeline: audio does not match configured format")
)

// Stats is a point-in-time view of a pipeline.
type Stats struct {
	Generation  uint64
	Windows     uint64
	Transcribed uint64
	Fillers     uint64

	// Stale counts windows analysed under settings that were replaced before
	// they could be emitted. They are not part of Windows.
	Stale uint64

	// DroppedFrames counts host frames discarded by reconfiguration or a
	// failed window assembly. They are never emitted.
	DroppedFrames uint64

	OverlapMs     int
	InputFrames   int
	OutputFrames  int
	InputCapacity int
	Degraded      bool
}

// Pipeline is a streaming filler-detection pipeline for one audio stream.
//
// All methods are safe for concurrent use. OnAudioFrames and Pull never block
// on the worker.
type Pipeline struct {
	settings atomic.Pointer[Settings]
	detector vad.Detector
	engine   engineHandle

	reporters []Reporter
	metrics   *observe.Metrics
	log       *slog.Logger
	provider  string
	stream    string

	inMu   sync.Mutex
	in     *audio.Channels
	inInfo *audio.InfoQueue

	outMu   sync.Mutex
	out     *audio.Channels
	outInfo *audio.InfoQueue

	// Written by the worker only.
	overlapMs   atomic.Int64
	windows     atomic.Uint64
	transcribed atomic.Uint64
	fillers     atomic.Uint64
	stale       atomic.Uint64

	dropped atomic.Uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithReporter adds a [Reporter] that receives every window report. May be
// given more than once.
func WithReporter(r Reporter) Option {
	return func(p *Pipeline) { p.reporters = append(p.reporters, r) }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithStream names the stream the pipeline serves. The name is attached to
// every span the worker starts.
func WithStream(name string) Option {
	return func(p *Pipeline) { p.stream = name }
}

// WithProviderName sets the transcriber name recorded on metrics.
func WithProviderName(name string) Option {
	return func(p *Pipeline) { p.provider = name }
}

// New validates cfg, creates a transcription engine from provider and starts
// the worker. Engine or resampler construction failures are returned and no
// pipeline is created. The worker runs until [Pipeline.Close] or until the
// engine is invalidated; ctx is only used for engine construction.
func New(ctx context.Context, cfg Config, provider stt.Provider, detector vad.Detector, opts ...Option) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	s, err := newSettings(cfg, 1)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if detector == nil {
		return nil, errors.New("pipeline: detector is required")
	}
	eng, err := provider.NewEngine(ctx, cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create engine: %w", err)
	}

	p := &Pipeline{
		detector: detector,
		engine:   engineHandle{engine: eng},
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.provider == "" {
		p.provider = "stt"
	}
	p.settings.Store(s)
	p.resetBuffers(s)
	p.overlapMs.Store(int64(s.InitialOverlap.Milliseconds()))

	workerCtx, cancel := context.WithCancel(observe.WithStream(context.Background(), p.stream))
	p.cancel = cancel
	go p.run(workerCtx)

	p.log.Info("pipeline started",
		"format", s.Format.String(),
		"window_frames", s.WindowFrames,
		"overlap_ms", s.InitialOverlap.Milliseconds(),
		"filler_p_threshold", s.FillerThreshold)
	return p, nil
}

// resetBuffers replaces all rings and queues. The caller holds both buffer
// locks or has exclusive access.
func (p *Pipeline) resetBuffers(s *Settings) {
	// Room for the backlog that triggers a window plus one more window of
	// arrivals while it is processed.
	reserve := 2 * s.WindowFrames
	p.in = audio.NewChannels(s.Format.Channels, reserve)
	p.inInfo = &audio.InfoQueue{}
	p.out = audio.NewChannels(s.Format.Channels, reserve)
	p.outInfo = &audio.InfoQueue{}
}

// OnAudioFrames queues frames frames of planar host audio stamped with
// timestamp (nanoseconds) and returns the next emitted block, if one is ready.
// The second result is false when nothing is ready yet; that is not an error.
//
// samples must hold one slice per configured channel, each at least frames
// long. A degraded pipeline returns a copy of the input as the block.
func (p *Pipeline) OnAudioFrames(samples [][]float32, frames int, timestamp uint64) (audio.Block, bool, error) {
	if p.closed.Load() {
		return audio.Block{}, false, ErrClosed
	}
	s := p.settings.Load()
	if len(samples) != s.Format.Channels {
		return audio.Block{}, false, fmt.Errorf("%w: got %d channels, want %d", ErrFormatMismatch, len(samples), s.Format.Channels)
	}
	for c := range samples {
		if len(samples[c]) < frames {
			return audio.Block{}, false, fmt.Errorf("%w: channel %d has %d samples, want %d", ErrFormatMismatch, c, len(samples[c]), frames)
		}
	}
	if frames <= 0 {
		b, ok := p.Pull()
		return b, ok, nil
	}

	if p.Degraded() {
		return passThrough(samples, frames, timestamp), true, nil
	}

	if err := p.push(s, samples, frames, timestamp); err != nil {
		return audio.Block{}, false, err
	}
	b, ok := p.Pull()
	return b, ok, nil
}

// push appends one host chunk to the input side. Chunks longer than a
// sixteenth of a window are queued as several records.
func (p *Pipeline) push(s *Settings, samples [][]float32, frames int, timestamp uint64) error {
	p.inMu.Lock()
	defer p.inMu.Unlock()

	// A concurrent Reconfigure may have swapped the format since s was loaded.
	if cur := p.settings.Load(); cur.Generation != s.Generation {
		if cur.Format.Channels != len(samples) {
			return fmt.Errorf("%w: format changed to %s", ErrFormatMismatch, cur.Format)
		}
		s = cur
	}

	planar := make([][]float32, len(samples))
	for c := range samples {
		planar[c] = samples[c][:frames]
	}
	if err := p.in.PushAll(planar); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	step := s.maxRecordFrames()
	for off := 0; off < frames; off += step {
		n := min(step, frames-off)
		p.inInfo.Push(audio.FrameRecord{
			Frames:    uint32(n),
			Timestamp: timestamp + framesToNanos(off, s.Format.SampleRate),
		})
	}
	return nil
}

// Pull returns the next emitted block if one is buffered. It never blocks on
// the worker.
func (p *Pipeline) Pull() (audio.Block, bool) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	rec, ok := p.outInfo.Peek()
	if !ok || p.out.Frames() < int(rec.Frames) {
		return audio.Block{}, false
	}
	samples, err := p.out.PopAll(int(rec.Frames))
	if err != nil {
		return audio.Block{}, false
	}
	_, _ = p.outInfo.Pop()
	return audio.Block{Timestamp: rec.Timestamp, Frames: int(rec.Frames), Samples: samples}, true
}

// Reconfigure switches the pipeline to a new host format and filler threshold.
// All buffered audio, including any partially assembled window, is dropped and
// counted in [Stats.DroppedFrames]. The overlap restarts from the configured
// initial value. On error the previous configuration stays in effect.
//
// Use [Pipeline.SetFillerThreshold] when only the threshold changes.
func (p *Pipeline) Reconfigure(format audio.Format, fillerThreshold float64) error {
	if p.closed.Load() {
		return ErrClosed
	}
	cur := p.settings.Load()
	cfg := Config{
		Format:          format,
		Window:          cur.WindowDuration,
		Overlap:         cur.InitialOverlap,
		FillerThreshold: fillerThreshold,
		PollInterval:    cur.PollInterval,
	}

	p.inMu.Lock()
	defer p.inMu.Unlock()
	p.outMu.Lock()
	defer p.outMu.Unlock()

	next, err := newSettings(cfg, p.settings.Load().Generation+1)
	if err != nil {
		return fmt.Errorf("pipeline: reconfigure: %w", err)
	}
	dropped := p.in.Frames() + p.out.Frames()
	p.dropped.Add(uint64(dropped))
	p.resetBuffers(next)
	p.settings.Store(next)

	p.log.Info("pipeline reconfigured",
		"format", format.String(),
		"window_frames", next.WindowFrames,
		"filler_p_threshold", fillerThreshold,
		"generation", next.Generation,
		"dropped_frames", dropped)
	return nil
}

// SetFillerThreshold replaces the filler threshold and keeps everything else,
// buffered audio and the settings generation included. Windows drained after
// the call are classified with the new value.
func (p *Pipeline) SetFillerThreshold(fillerThreshold float64) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if fillerThreshold < 0 || fillerThreshold > 1 {
		return fmt.Errorf("pipeline: filler threshold %g is out of range [0, 1]", fillerThreshold)
	}

	// Serialised with Reconfigure, which replaces the snapshot under the
	// same lock.
	p.inMu.Lock()
	defer p.inMu.Unlock()
	next := *p.settings.Load()
	next.FillerThreshold = fillerThreshold
	p.settings.Store(&next)

	p.log.Info("filler threshold changed",
		"filler_p_threshold", fillerThreshold,
		"generation", next.Generation)
	return nil
}

// Settings returns the current settings snapshot.
func (p *Pipeline) Settings() *Settings { return p.settings.Load() }

// Degraded reports whether the engine has been invalidated. A degraded
// pipeline is a pass-through and should be rebuilt.
func (p *Pipeline) Degraded() bool { return p.engine.invalid.Load() }

// Done is closed when the worker has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Stats returns counters and buffer levels.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Generation:    p.settings.Load().Generation,
		Windows:       p.windows.Load(),
		Transcribed:   p.transcribed.Load(),
		Fillers:       p.fillers.Load(),
		Stale:         p.stale.Load(),
		DroppedFrames: p.dropped.Load(),
		OverlapMs:     int(p.overlapMs.Load()),
		Degraded:      p.Degraded(),
	}
	p.inMu.Lock()
	st.InputFrames = p.in.Frames()
	st.InputCapacity = p.in.Cap()
	p.inMu.Unlock()
	p.outMu.Lock()
	st.OutputFrames = p.out.Frames()
	p.outMu.Unlock()
	return st
}

// Close stops the worker, releases the engine and drops all buffered audio.
// The worker is cancelled and the engine handle invalidated first; Close then
// waits for the worker to exit, bounded by ctx. If ctx expires first the
// engine is released once the worker finishes and ctx's error is returned.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
		p.engine.markInvalid()

		select {
		case <-p.done:
		case <-ctx.Done():
			p.closeErr = fmt.Errorf("pipeline: close: %w", ctx.Err())
			go func() {
				<-p.done
				_ = p.release()
			}()
			return
		}
		p.closeErr = p.release()
		p.log.Info("pipeline closed")
	})
	return p.closeErr
}

// release closes the engine and clears the buffers. The worker must have
// exited.
func (p *Pipeline) release() error {
	err := p.engine.invalidate()
	p.inMu.Lock()
	p.in.Reset()
	p.inInfo.Reset()
	p.inMu.Unlock()
	p.outMu.Lock()
	p.out.Reset()
	p.outInfo.Reset()
	p.outMu.Unlock()
	if err != nil {
		return fmt.Errorf("pipeline: close engine: %w", err)
	}
	return nil
}

func passThrough(samples [][]float32, frames int, timestamp uint64) audio.Block {
	out := make([][]float32, len(samples))
	for c := range samples {
		out[c] = append([]float32(nil), samples[c][:frames]...)
	}
	return audio.Block{Timestamp: timestamp, Frames: frames, Samples: out}
}

// engineHandle guards the transcription engine. invalid is set before the
// engine is released so the worker observes invalidation without waiting for
// the lock.
type engineHandle struct {
	mu      sync.Mutex
	engine  stt.Engine
	invalid atomic.Bool
}

var errEngineInvalid = errors.New("pipeline: engine invalidated")

// valid reports whether the engine may still be used. Checked under the
// engine lock.
func (h *engineHandle) valid() bool {
	if h.invalid.Load() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine != nil
}

func (h *engineHandle) transcribe(ctx context.Context, samples []float32) (stt.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil || h.invalid.Load() {
		return stt.Result{}, errEngineInvalid
	}
	return h.engine.Transcribe(ctx, samples)
}

func (h *engineHandle) markInvalid() { h.invalid.Store(true) }

// invalidate marks the handle invalid and closes the engine. Safe to call more
// than once.
func (h *engineHandle) invalidate() error {
	h.invalid.Store(true)
	h.mu.Lock()
	e := h.engine
	h.engine = nil
	h.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.Close()
}
