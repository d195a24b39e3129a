package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/cleanstream/internal/observe"
	"github.com/MrWong99/cleanstream/pkg/audio"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
	sttmock "github.com/MrWong99/cleanstream/pkg/provider/stt/mock"
	"github.com/MrWong99/cleanstream/pkg/provider/vad"
	"github.com/MrWong99/cleanstream/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/cleanstream/pkg/provider/vad/mock"
)

const chunkFrames = 480

var mono48k = audio.Format{SampleRate: 48000, Channels: 1}

func testConfig(f audio.Format) Config {
	cfg := DefaultConfig(f)
	cfg.PollInterval = time.Millisecond
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// reportLog collects reports from the worker.
type reportLog struct {
	mu      sync.Mutex
	reports []Report
}

func (l *reportLog) Report(_ context.Context, r Report) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, r)
}

func (l *reportLog) all() []Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Report(nil), l.reports...)
}

func newTestPipeline(t *testing.T, cfg Config, eng stt.Engine, det vad.Detector, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	p, err := New(context.Background(), cfg, &sttmock.Provider{Engine: eng}, det, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func speechDetector() *vadmock.Detector {
	return &vadmock.Detector{Result: vad.Decision{Speech: true, Boundary: true, Energy: 0.1}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ramp returns n mono frames continuing a ramp at start.
func ramp(start, n int) [][]float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(start+i) * 1e-6
	}
	return [][]float32{s}
}

func tsFor(frame int) uint64 { return framesToNanos(frame, mono48k.SampleRate) }

// pushFrames delivers total frames in chunkFrames chunks and returns any
// blocks emitted along the way.
func pushFrames(t *testing.T, p *Pipeline, start, total int, gen func(start, n int) [][]float32) []audio.Block {
	t.Helper()
	var blocks []audio.Block
	for off := 0; off < total; off += chunkFrames {
		n := min(chunkFrames, total-off)
		b, ok, err := p.OnAudioFrames(gen(start+off, n), n, tsFor(start+off))
		if err != nil {
			t.Fatalf("OnAudioFrames: %v", err)
		}
		if ok {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func pullOne(t *testing.T, p *Pipeline) audio.Block {
	t.Helper()
	var b audio.Block
	waitFor(t, "emitted block", func() bool {
		var ok bool
		b, ok = p.Pull()
		return ok
	})
	return b
}

func TestPipeline_OneWindowOneProcessingPass(t *testing.T) {
	eng := &sttmock.Engine{Result: stt.Result{Text: "hello", Tokens: []stt.Token{{Probability: 0.9}}}}
	p := newTestPipeline(t, testConfig(mono48k), eng, speechDetector())
	windowFrames := p.Settings().WindowFrames // 48480

	if blocks := pushFrames(t, p, 0, windowFrames, ramp); len(blocks) != 0 {
		t.Fatalf("got %d blocks before processing", len(blocks))
	}
	b := pullOne(t, p)

	if b.Frames != windowFrames {
		t.Errorf("emitted frames = %d, want %d", b.Frames, windowFrames)
	}
	if b.Timestamp != 0 {
		t.Errorf("timestamp = %d, want 0", b.Timestamp)
	}
	if err := b.Validate(1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "window count", func() bool { return p.Stats().Windows == 1 })
	if st := p.Stats(); st.InputFrames != 0 {
		t.Errorf("stats = %+v, want empty input", st)
	}
	if eng.CallCount() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.CallCount())
	}
	time.Sleep(20 * time.Millisecond)
	if st := p.Stats(); st.Windows != 1 {
		t.Errorf("windows after idle = %d, want 1", st.Windows)
	}
}

func TestPipeline_SilentWindowSkipsInference(t *testing.T) {
	det, err := energy.New(vad.Config{SampleRate: audio.AnalysisSampleRate})
	if err != nil {
		t.Fatalf("energy.New: %v", err)
	}
	eng := &sttmock.Engine{}
	reports := &reportLog{}
	p := newTestPipeline(t, testConfig(mono48k), eng, det, WithReporter(reports))
	windowFrames := p.Settings().WindowFrames

	silence := func(_, n int) [][]float32 { return [][]float32{make([]float32, n)} }
	pushFrames(t, p, 0, windowFrames, silence)
	b := pullOne(t, p)

	if eng.CallCount() != 0 {
		t.Errorf("engine called %d times for silence", eng.CallCount())
	}
	if got := p.Stats().OverlapMs; got != 340 {
		t.Errorf("overlap = %d ms, want unchanged 340", got)
	}
	if b.Frames != windowFrames {
		t.Errorf("emitted frames = %d, want %d", b.Frames, windowFrames)
	}
	for i, v := range b.Samples[0] {
		if v != 0 {
			t.Fatalf("sample %d = %v, want raw silence", i, v)
		}
	}
	waitFor(t, "report", func() bool { return len(reports.all()) == 1 })
	if r := reports.all()[0]; r.Outcome != observe.OutcomeSilence || r.Speech {
		t.Errorf("report = %+v, want silence", r)
	}
}

func TestPipeline_NoBoundarySkipsInference(t *testing.T) {
	det := &vadmock.Detector{Result: vad.Decision{Speech: true, Boundary: false, Energy: 0.1}}
	eng := &sttmock.Engine{}
	reports := &reportLog{}
	p := newTestPipeline(t, testConfig(mono48k), eng, det, WithReporter(reports))
	windowFrames := p.Settings().WindowFrames

	pushFrames(t, p, 0, windowFrames, ramp)
	b := pullOne(t, p)

	if b.Frames != windowFrames || b.Timestamp != 0 {
		t.Errorf("block = %d frames @%d, want %d @0", b.Frames, b.Timestamp, windowFrames)
	}
	if b.Samples[0][1] != ramp(0, 2)[0][1] {
		t.Errorf("sample 1 = %v, want raw input", b.Samples[0][1])
	}
	if eng.CallCount() != 0 {
		t.Errorf("engine called %d times without a word boundary", eng.CallCount())
	}
	waitFor(t, "report", func() bool { return len(reports.all()) == 1 })
	if r := reports.all()[0]; r.Outcome != observe.OutcomeNoBoundary || !r.Speech || r.Boundary {
		t.Errorf("report = %+v, want no_boundary with speech", r)
	}
	// Speech was detected and processing kept up, so the overlap grows.
	if got := p.Stats().OverlapMs; got != 350 {
		t.Errorf("overlap = %d ms, want 350", got)
	}
}

func TestPipeline_FirstWindowMeasuresNewAudioOnly(t *testing.T) {
	// 1010 ms window, 340 ms lead-in: the first window carries 670 ms of new
	// audio. An 800 ms transcription falls behind that and must shrink the
	// overlap, although it is shorter than the whole window.
	eng := &sttmock.Engine{
		Result: stt.Result{Text: "hello", Tokens: []stt.Token{{Probability: 0.9}}},
		Delay:  800 * time.Millisecond,
	}
	reports := &reportLog{}
	p := newTestPipeline(t, testConfig(mono48k), eng, speechDetector(), WithReporter(reports))
	windowFrames := p.Settings().WindowFrames

	pushFrames(t, p, 0, windowFrames, ramp)
	b := pullOne(t, p)
	if b.Frames != windowFrames {
		t.Errorf("emitted frames = %d, want %d", b.Frames, windowFrames)
	}
	waitFor(t, "report", func() bool { return len(reports.all()) == 1 })
	r := reports.all()[0]
	if r.DurationMs < 800 {
		t.Fatalf("window took %d ms, want at least the engine delay", r.DurationMs)
	}
	if r.OverlapMs != 330 {
		t.Errorf("overlap = %d ms, want 330", r.OverlapMs)
	}
}

func TestPipeline_OutputIsInputInOrder(t *testing.T) {
	eng := &sttmock.Engine{Result: stt.Result{Text: "so", Tokens: []stt.Token{{Probability: 0.5}}}}
	p := newTestPipeline(t, testConfig(mono48k), eng, speechDetector())
	windowFrames := p.Settings().WindowFrames

	total := 4 * windowFrames
	blocks := pushFrames(t, p, 0, total, ramp)
	for len(blocks) < 3 {
		blocks = append(blocks, pullOne(t, p))
	}

	emitted := 0
	for i, b := range blocks {
		if b.Timestamp != tsFor(emitted) {
			t.Errorf("block %d timestamp = %d, want %d (first consumed record)", i, b.Timestamp, tsFor(emitted))
		}
		want := ramp(emitted, b.Frames)[0]
		for j := range want {
			if b.Samples[0][j] != want[j] {
				t.Fatalf("block %d sample %d = %v, want %v", i, j, b.Samples[0][j], want[j])
			}
		}
		emitted += b.Frames
	}
}

func TestPipeline_FillerReported(t *testing.T) {
	eng := &sttmock.Engine{Result: stt.Result{Text: "Uh, okay", Tokens: []stt.Token{{Probability: 0.1}}}}
	reports := &reportLog{}
	cfg := testConfig(mono48k)
	cfg.FillerThreshold = 0.99
	p := newTestPipeline(t, cfg, eng, speechDetector(), WithReporter(reports))

	pushFrames(t, p, 0, p.Settings().WindowFrames, ramp)
	b := pullOne(t, p)

	waitFor(t, "report", func() bool { return len(reports.all()) == 1 })
	r := reports.all()[0]
	if !r.Filler || r.Outcome != observe.OutcomeFiller || r.Text != "uh, okay" {
		t.Errorf("report = %+v, want filler", r)
	}
	if r.Timestamp != b.Timestamp || r.Frames != b.Frames {
		t.Errorf("report %d@%d does not match block %d@%d", r.Frames, r.Timestamp, b.Frames, b.Timestamp)
	}
	// Detection is informational; audio is forwarded untouched.
	if b.Samples[0][1000] != ramp(1000, 1)[0][0] {
		t.Error("filler window audio was modified")
	}
	if st := p.Stats(); st.Fillers != 1 || st.Transcribed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_FatalEngineErrorDegrades(t *testing.T) {
	eng := &sttmock.Engine{TranscribeErr: errors.New("model crashed")}
	p := newTestPipeline(t, testConfig(mono48k), eng, speechDetector())

	pushFrames(t, p, 0, p.Settings().WindowFrames, ramp)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after engine failure")
	}

	if !p.Degraded() {
		t.Fatal("Degraded = false after fatal error")
	}
	if !eng.Closed() {
		t.Error("invalidated engine was not closed")
	}

	in := ramp(0, chunkFrames)
	b, ok, err := p.OnAudioFrames(in, chunkFrames, 42)
	if err != nil || !ok {
		t.Fatalf("pass-through: ok=%v err=%v", ok, err)
	}
	if b.Timestamp != 42 || b.Frames != chunkFrames || b.Samples[0][7] != in[0][7] {
		t.Errorf("pass-through block = %d frames @%d", b.Frames, b.Timestamp)
	}
	if eng.CallCount() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.CallCount())
	}
}

func TestPipeline_TransientErrorSkipsWindow(t *testing.T) {
	eng := &sttmock.Engine{TranscribeErr: fmt.Errorf("deepgram: 503: %w", stt.ErrTransient)}
	reports := &reportLog{}
	p := newTestPipeline(t, testConfig(mono48k), eng, speechDetector(), WithReporter(reports))

	pushFrames(t, p, 0, p.Settings().WindowFrames, ramp)
	pullOne(t, p)

	if p.Degraded() {
		t.Fatal("transient error degraded the pipeline")
	}
	waitFor(t, "report", func() bool { return len(reports.all()) == 1 })
	if r := reports.all()[0]; r.Outcome != observe.OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", r.Outcome)
	}
}

func TestPipeline_ReconfigureIsIdempotent(t *testing.T) {
	p := newTestPipeline(t, testConfig(mono48k), &sttmock.Engine{}, speechDetector())
	pushFrames(t, p, 0, 10*chunkFrames, ramp)

	stereo := audio.Format{SampleRate: 44100, Channels: 2}
	if err := p.Reconfigure(stereo, 0.5); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	first := p.Stats()
	if err := p.Reconfigure(stereo, 0.5); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	second := p.Stats()

	if first.InputCapacity != second.InputCapacity {
		t.Errorf("capacity %d then %d", first.InputCapacity, second.InputCapacity)
	}
	for _, st := range []Stats{first, second} {
		if st.InputFrames != 0 || st.OutputFrames != 0 {
			t.Errorf("retained data after reconfigure: %+v", st)
		}
	}
	if second.Generation != first.Generation+1 {
		t.Errorf("generation %d then %d", first.Generation, second.Generation)
	}
	s := p.Settings()
	if s.Format != stereo || s.FillerThreshold != 0.5 || s.WindowFrames != 44541 {
		t.Errorf("settings = %+v", s)
	}

	if _, _, err := p.OnAudioFrames(ramp(0, 10), 10, 0); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("mono push after stereo reconfigure: err = %v, want ErrFormatMismatch", err)
	}
}

func TestPipeline_ReconfigureRejectsInvalid(t *testing.T) {
	p := newTestPipeline(t, testConfig(mono48k), &sttmock.Engine{}, speechDetector())
	if err := p.Reconfigure(audio.Format{SampleRate: 48000, Channels: 0}, 0.75); err == nil {
		t.Fatal("expected error for zero channels")
	}
	if err := p.Reconfigure(mono48k, 1.5); err == nil {
		t.Fatal("expected error for threshold above 1")
	}
	if got := p.Settings().Generation; got != 1 {
		t.Errorf("generation = %d, want 1 (unchanged)", got)
	}
}

func TestPipeline_IngressSplitsLargeChunks(t *testing.T) {
	p := newTestPipeline(t, testConfig(mono48k), &sttmock.Engine{}, speechDetector())
	windowFrames := p.Settings().WindowFrames
	step := windowFrames / 16 // 3030
	n := windowFrames/2 + 1   // below one window, so the worker stays idle

	if _, _, err := p.OnAudioFrames(ramp(0, n), n, 1000); err != nil {
		t.Fatalf("OnAudioFrames: %v", err)
	}

	p.inMu.Lock()
	defer p.inMu.Unlock()
	if got, want := p.inInfo.Len(), (n+step-1)/step; got != want {
		t.Errorf("records = %d, want %d", got, want)
	}
	if got, want := p.in.Len(0), int(p.inInfo.Frames())*audio.SampleSize; got != want {
		t.Errorf("buffered bytes = %d, records cover %d", got, want)
	}
	rec, _ := p.inInfo.Peek()
	if rec.Timestamp != 1000 || int(rec.Frames) != step {
		t.Errorf("first record = %+v", rec)
	}
}

func TestPipeline_WholeWindowChunkFillsFirstWindow(t *testing.T) {
	p := newTestPipeline(t, testConfig(mono48k), &sttmock.Engine{}, speechDetector())
	windowFrames := p.Settings().WindowFrames

	if _, _, err := p.OnAudioFrames(ramp(0, windowFrames), windowFrames, 0); err != nil {
		t.Fatalf("OnAudioFrames: %v", err)
	}
	b := pullOne(t, p)

	// 3030-frame records: 10 fit the 32160-frame target before the overlap,
	// 5 more fill the 16320-frame lead-in.
	if b.Frames != 45450 {
		t.Errorf("first window emitted %d of %d frames, want 45450", b.Frames, windowFrames)
	}
	if b.Timestamp != 0 || b.Samples[0][b.Frames-1] != ramp(b.Frames-1, 1)[0][0] {
		t.Errorf("block @%d does not continue the input", b.Timestamp)
	}
}

func TestPipeline_SetFillerThresholdKeepsBufferedAudio(t *testing.T) {
	eng := &sttmock.Engine{Result: stt.Result{Text: "[blank_audio]", Tokens: []stt.Token{{Probability: 0.5}}}}
	reports := &reportLog{}
	p := newTestPipeline(t, testConfig(mono48k), eng, speechDetector(), WithReporter(reports))
	windowFrames := p.Settings().WindowFrames

	pushFrames(t, p, 0, windowFrames/2, ramp)
	before := p.Stats()
	if err := p.SetFillerThreshold(0.4); err != nil {
		t.Fatalf("SetFillerThreshold: %v", err)
	}
	after := p.Stats()
	if after.Generation != before.Generation || after.InputFrames != before.InputFrames || after.DroppedFrames != 0 {
		t.Errorf("threshold change touched buffers: before %+v, after %+v", before, after)
	}
	if got := p.Settings().FillerThreshold; got != 0.4 {
		t.Errorf("FillerThreshold = %v, want 0.4", got)
	}

	pushFrames(t, p, windowFrames/2, windowFrames-windowFrames/2, ramp)
	if b := pullOne(t, p); b.Timestamp != 0 {
		t.Errorf("first block @%d, want 0: audio queued before the change was lost", b.Timestamp)
	}
	waitFor(t, "report", func() bool { return len(reports.all()) == 1 })
	if r := reports.all()[0]; !r.Filler || r.Generation != before.Generation {
		t.Errorf("report = %+v, want filler under the new threshold", r)
	}

	for _, th := range []float64{-0.1, 1.1} {
		if err := p.SetFillerThreshold(th); err == nil {
			t.Errorf("SetFillerThreshold(%v): expected error", th)
		}
	}
	if got := p.Settings().FillerThreshold; got != 0.4 {
		t.Errorf("FillerThreshold = %v after rejected change, want 0.4", got)
	}
}

func TestPipeline_ReconfigureCountsDroppedFrames(t *testing.T) {
	p := newTestPipeline(t, testConfig(mono48k), &sttmock.Engine{}, speechDetector())
	pushFrames(t, p, 0, 10*chunkFrames, ramp)

	if err := p.Reconfigure(mono48k, 0.5); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	st := p.Stats()
	if st.DroppedFrames != 10*chunkFrames {
		t.Errorf("DroppedFrames = %d, want %d", st.DroppedFrames, 10*chunkFrames)
	}
	if st.InputFrames != 0 || st.Generation != 2 {
		t.Errorf("stats after reconfigure = %+v", st)
	}
}

func TestPipeline_ReconfigureDuringTranscription(t *testing.T) {
	eng := &sttmock.Engine{
		Result: stt.Result{Text: "hello", Tokens: []stt.Token{{Probability: 0.9}}},
		Delay:  100 * time.Millisecond,
	}
	reports := &reportLog{}
	p := newTestPipeline(t, testConfig(mono48k), eng, speechDetector(), WithReporter(reports))

	pushFrames(t, p, 0, p.Settings().WindowFrames, ramp)
	waitFor(t, "first transcription", func() bool { return eng.CallCount() == 1 })

	stereo := audio.Format{SampleRate: 44100, Channels: 2}
	if err := p.Reconfigure(stereo, 0.75); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	waitFor(t, "superseded window", func() bool { return p.Stats().Stale == 1 })
	if b, ok := p.Pull(); ok {
		t.Fatalf("Pull returned a %d-channel block from the replaced format", len(b.Samples))
	}
	st := p.Stats()
	if st.Windows != 0 || st.Transcribed != 0 || st.DroppedFrames == 0 {
		t.Errorf("stats after superseded window = %+v", st)
	}

	// A full window in the new format, stamped well after the mono input.
	const base = uint64(time.Hour)
	windowFrames := p.Settings().WindowFrames // 44541
	for off := 0; off < windowFrames; off += chunkFrames {
		n := min(chunkFrames, windowFrames-off)
		left, right := make([]float32, n), make([]float32, n)
		for i := range n {
			left[i], right[i] = 0.25, -0.25
		}
		ts := base + framesToNanos(off, stereo.SampleRate)
		if _, _, err := p.OnAudioFrames([][]float32{left, right}, n, ts); err != nil {
			t.Fatalf("OnAudioFrames: %v", err)
		}
	}

	b := pullOne(t, p)
	if len(b.Samples) != 2 || b.Timestamp != base || b.Samples[1][0] != -0.25 {
		t.Errorf("first block after reconfigure: %d channels @%d", len(b.Samples), b.Timestamp)
	}
	waitFor(t, "report", func() bool { return len(reports.all()) == 1 })
	for _, r := range reports.all() {
		if r.Generation != 2 || r.Outcome == observe.OutcomeStale {
			t.Errorf("report from superseded window delivered: %+v", r)
		}
	}
	if st := p.Stats(); st.Windows != 1 || st.Stale != 1 {
		t.Errorf("Windows = %d, Stale = %d, want 1 and 1", st.Windows, st.Stale)
	}
}

func TestPipeline_InputInvariantAcrossPushes(t *testing.T) {
	p := newTestPipeline(t, testConfig(audio.Format{SampleRate: 48000, Channels: 2}), &sttmock.Engine{}, speechDetector())
	frame := 0
	for i := range 300 {
		n := 1 + (i*37)%2000
		buf := [][]float32{make([]float32, n), make([]float32, n)}
		if _, _, err := p.OnAudioFrames(buf, n, tsFor(frame)); err != nil {
			t.Fatalf("OnAudioFrames: %v", err)
		}
		frame += n

		p.inMu.Lock()
		want := int(p.inInfo.Frames()) * audio.SampleSize
		for c := range p.in.Count() {
			if got := p.in.Len(c); got != want {
				p.inMu.Unlock()
				t.Fatalf("push %d channel %d: %d bytes, records cover %d", i, c, got, want)
			}
		}
		p.inMu.Unlock()
	}
}

func TestPipeline_FormatMismatch(t *testing.T) {
	p := newTestPipeline(t, testConfig(audio.Format{SampleRate: 48000, Channels: 2}), &sttmock.Engine{}, speechDetector())
	if _, _, err := p.OnAudioFrames(ramp(0, 10), 10, 0); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("channel count: err = %v", err)
	}
	short := [][]float32{make([]float32, 10), make([]float32, 5)}
	if _, _, err := p.OnAudioFrames(short, 10, 0); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("short channel: err = %v", err)
	}
}

func TestPipeline_Close(t *testing.T) {
	eng := &sttmock.Engine{}
	p := newTestPipeline(t, testConfig(mono48k), eng, speechDetector())

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !eng.Closed() {
		t.Error("engine not closed")
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, _, err := p.OnAudioFrames(ramp(0, 1), 1, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("OnAudioFrames after Close: err = %v, want ErrClosed", err)
	}
	if err := p.Reconfigure(mono48k, 0.5); !errors.Is(err, ErrClosed) {
		t.Errorf("Reconfigure after Close: err = %v, want ErrClosed", err)
	}
}

func TestPipeline_CloseWaitsForTranscription(t *testing.T) {
	eng := &sttmock.Engine{Delay: 50 * time.Millisecond}
	p := newTestPipeline(t, testConfig(mono48k), eng, speechDetector())
	pushFrames(t, p, 0, p.Settings().WindowFrames, ramp)
	waitFor(t, "transcription to start", func() bool { return eng.CallCount() == 1 })

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Close returned before the worker exited")
	}
}

func TestNew_EngineFailureIsFatal(t *testing.T) {
	prov := &sttmock.Provider{NewEngineErr: errors.New("no model")}
	p, err := New(context.Background(), testConfig(mono48k), prov, speechDetector(), WithMetrics(testMetrics(t)))
	if err == nil || p != nil {
		t.Fatalf("New = %v, %v; want error", p, err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(mono48k)
	cfg.Overlap = 900 * time.Millisecond
	prov := &sttmock.Provider{}
	if _, err := New(context.Background(), cfg, prov, speechDetector()); err == nil {
		t.Fatal("expected error for overlap above 75% of the window")
	}
	if len(prov.NewEngineCalls) != 0 {
		t.Error("engine created for invalid config")
	}
}

func TestNew_ForcesAnalysisSampleRate(t *testing.T) {
	prov := &sttmock.Provider{}
	cfg := testConfig(mono48k)
	cfg.Engine = stt.EngineConfig{SampleRate: 48000, Language: "de"}
	p, err := New(context.Background(), cfg, prov, speechDetector(), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	got := prov.NewEngineCalls[0].Cfg
	if got.SampleRate != audio.AnalysisSampleRate || got.Language != "de" {
		t.Errorf("engine config = %+v", got)
	}
}

// analysisRoundTrip converts host audio to what the detector and engine
// receive, and back to the host format, using both resampler directions of
// the current settings.
func analysisRoundTrip(p *Pipeline, samples [][]float32) (mono []float32, host [][]float32, err error) {
	s := p.Settings()
	down, _, err := s.down.Process(samples)
	if err != nil {
		return nil, nil, err
	}
	host, _, err = s.up.Process(down)
	if err != nil {
		return nil, nil, err
	}
	return down[0], host, nil
}

func TestSettings_AnalysisRoundTrip(t *testing.T) {
	p := newTestPipeline(t, testConfig(audio.Format{SampleRate: 48000, Channels: 2}), &sttmock.Engine{}, speechDetector())
	in := [][]float32{make([]float32, 4800), make([]float32, 4800)}
	for i := range in[0] {
		in[0][i], in[1][i] = 0.4, 0.2
	}
	mono, host, err := analysisRoundTrip(p, in)
	if err != nil {
		t.Fatalf("analysisRoundTrip: %v", err)
	}
	if len(mono) != 1600 {
		t.Errorf("analysis frames = %d, want 1600", len(mono))
	}
	if len(host) != 2 || len(host[0]) != 4800 {
		t.Errorf("host shape = %d x %d, want 2 x 4800", len(host), len(host[0]))
	}
	if d := mono[800] - 0.3; d > 1e-6 || d < -1e-6 {
		t.Errorf("downmixed sample = %v, want 0.3", mono[800])
	}
}
