package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/cleanstream/internal/observe"
	"github.com/MrWong99/cleanstream/internal/resilience"
	"github.com/MrWong99/cleanstream/pkg/audio"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
)

// worker holds the state only the worker goroutine touches.
type worker struct {
	asm     *assembler
	overlap *OverlapController
}

func (w *worker) reset(s *Settings) {
	w.asm = newAssembler(s)
	w.overlap = NewOverlapController(int(s.InitialOverlap.Milliseconds()), s.WindowMs())
}

// run is the worker loop. It processes one window at a time and sleeps for
// the poll interval whenever less than a window is buffered. It exits when ctx
// is cancelled or the engine is invalidated.
func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	var w worker
	w.reset(p.settings.Load())

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.engine.valid() {
			p.log.Info("pipeline worker exiting: engine invalidated")
			return
		}

		win, s, ok := p.nextWindow(&w)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.PollInterval):
			}
			continue
		}
		p.process(ctx, &w, s, win)
	}
}

// nextWindow assembles a window if a full window is buffered. It holds the
// input lock only while draining.
func (p *Pipeline) nextWindow(w *worker) (window, *Settings, bool) {
	p.inMu.Lock()
	defer p.inMu.Unlock()

	s := p.settings.Load()
	if s.Generation != w.asm.generation {
		w.reset(s)
		p.overlapMs.Store(int64(w.overlap.Ms()))
	}
	backlog := p.in.Len(0)
	p.metrics.InputBacklog.Record(context.Background(), int64(backlog/audio.SampleSize))
	if backlog < s.windowBytes() {
		return window{}, s, false
	}

	win, err := w.asm.assemble(p.in, p.inInfo, w.overlap.Frames(s.Format.SampleRate))
	if err != nil {
		p.log.Warn("window assembly failed, dropping input", "err", err)
		p.dropped.Add(uint64(p.in.Frames()))
		p.in.Reset()
		p.inInfo.Reset()
		w.reset(s)
		return window{}, s, false
	}
	return win, s, true
}

// process analyses one window, adapts the overlap and emits the fresh audio.
// A window whose generation was replaced meanwhile is dropped with outcome
// [observe.OutcomeStale]; it is neither counted as a window nor reported.
// No buffer lock is held.
func (p *Pipeline) process(ctx context.Context, w *worker, s *Settings, win window) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, observe.SpanWindow,
		trace.WithAttributes(
			attribute.Int64("generation", int64(win.generation)),
			attribute.Int("frames", win.frames),
			attribute.Int("carried", win.carried),
		))

	rep := Report{
		Generation:   win.generation,
		Timestamp:    win.timestamp,
		Frames:       win.frames,
		WindowFrames: win.frames + win.carried,
	}

	fatal := p.analyse(ctx, s, win, &rep)

	d := time.Since(start)
	newMs := s.Format.DurationMs(win.frames - win.lead)
	rep.OverlapMs = w.overlap.Adjust(d, newMs, rep.Speech)
	rep.DurationMs = d.Milliseconds()
	p.overlapMs.Store(int64(rep.OverlapMs))
	p.metrics.Overlap.Record(ctx, int64(rep.OverlapMs))
	p.metrics.WindowDuration.Record(ctx, d.Seconds())

	p.log.Debug("window processed",
		"timestamp", win.timestamp,
		"frames", win.frames,
		"new_ms", newMs,
		"duration_ms", rep.DurationMs,
		"overlap_ms", rep.OverlapMs,
		"outcome", rep.Outcome)

	if fatal != nil {
		p.degrade(ctx, fatal)
	} else if ctx.Err() == nil && !p.emit(win) {
		p.stale.Add(1)
		p.metrics.RecordWindow(ctx, observe.OutcomeStale)
		observe.EndWindow(span, observe.OutcomeStale, nil)
		p.log.Debug("window superseded by reconfiguration, dropped",
			"generation", win.generation, "frames", win.frames)
		return
	}

	p.windows.Add(1)
	switch rep.Outcome {
	case observe.OutcomeTranscribed:
		p.transcribed.Add(1)
	case observe.OutcomeFiller:
		p.transcribed.Add(1)
		p.fillers.Add(1)
	}
	p.metrics.RecordWindow(ctx, rep.Outcome)
	observe.EndWindow(span, rep.Outcome, fatal)
	for _, r := range p.reporters {
		r.Report(ctx, rep)
	}
}

// analyse runs resampling, detection and transcription, filling rep. It
// returns a non-nil error only when the engine must be invalidated.
func (p *Pipeline) analyse(ctx context.Context, s *Settings, win window, rep *Report) error {
	analysis, _, err := s.down.Process(win.samples)
	if err != nil {
		rep.Outcome, rep.Error = observe.OutcomeError, err.Error()
		p.log.Warn("resample failed, forwarding window", "err", err)
		return nil
	}
	mono := analysis[0]

	dec, err := p.detector.Detect(mono)
	if err != nil {
		rep.Outcome, rep.Error = observe.OutcomeError, err.Error()
		p.log.Warn("voice activity detection failed, forwarding window", "err", err)
		return nil
	}
	rep.Speech, rep.Boundary, rep.Energy = dec.Speech, dec.Boundary, dec.Energy
	if !dec.Transcribe() {
		rep.Outcome = observe.OutcomeNoBoundary
		if !dec.Speech {
			rep.Outcome = observe.OutcomeSilence
		}
		return nil
	}

	res, err := p.transcribe(ctx, mono)
	switch {
	case err == nil:
	case errors.Is(err, stt.ErrTransient), errors.Is(err, resilience.ErrCircuitOpen):
		rep.Outcome, rep.Error = observe.OutcomeSkipped, err.Error()
		observe.Logger(ctx, p.log).Warn("transcription skipped", "err", err)
		return nil
	case ctx.Err() != nil, errors.Is(err, errEngineInvalid):
		// Shutting down.
		rep.Outcome, rep.Error = observe.OutcomeSkipped, err.Error()
		return nil
	default:
		rep.Outcome, rep.Error = observe.OutcomeError, err.Error()
		return err
	}

	cls := Classify(res, s.FillerThreshold)
	rep.Text, rep.AvgProbability, rep.Filler = cls.Text, cls.AvgProbability, cls.Filler
	rep.Interjections = cls.Interjections
	rep.Outcome = observe.OutcomeTranscribed
	if cls.Filler {
		rep.Outcome = observe.OutcomeFiller
	}
	p.log.Debug("window transcribed",
		"text", cls.Text,
		"avg_p", cls.AvgProbability,
		"filler", cls.Filler,
		"interjections", len(cls.Interjections),
		"segment_start", res.SegmentStart,
		"segment_end", res.SegmentEnd)
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, samples []float32) (stt.Result, error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanTranscribe,
		trace.WithAttributes(
			attribute.String("provider", p.provider),
			attribute.Int("samples", len(samples)),
		))
	defer span.End()

	start := time.Now()
	res, err := p.engine.transcribe(ctx, samples)
	p.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	p.metrics.RecordSTTRequest(ctx, p.provider, status)
	return res, err
}

// emit appends the window's fresh audio to the output side. It reports false
// only when the window belongs to a superseded settings generation; its fresh
// frames are then counted as dropped.
func (p *Pipeline) emit(win window) bool {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	if p.settings.Load().Generation != win.generation {
		p.dropped.Add(uint64(win.frames))
		return false
	}
	if p.Degraded() {
		return true
	}
	if err := p.out.PushAll(win.fresh); err != nil {
		p.log.Error("emit window", "err", err)
		return true
	}
	p.outInfo.Push(audioRecord(win))
	return true
}

// degrade invalidates the engine after a fatal transcription error and turns
// the pipeline into a pass-through.
func (p *Pipeline) degrade(ctx context.Context, cause error) {
	if err := p.engine.invalidate(); err != nil {
		p.log.Warn("close invalidated engine", "err", err)
	}
	p.metrics.EngineInvalidations.Add(ctx, 1)
	p.log.Error("transcription engine failed, pipeline degraded to pass-through",
		"provider", p.provider, "err", cause)

	p.inMu.Lock()
	p.in.Reset()
	p.inInfo.Reset()
	p.inMu.Unlock()
	p.outMu.Lock()
	p.out.Reset()
	p.outInfo.Reset()
	p.outMu.Unlock()
}
