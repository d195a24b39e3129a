package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/cleanstream/internal/config"
	"github.com/MrWong99/cleanstream/internal/pipeline"
	"github.com/MrWong99/cleanstream/internal/resilience"
	"github.com/MrWong99/cleanstream/pkg/audio"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
	sttmock "github.com/MrWong99/cleanstream/pkg/provider/stt/mock"
	"github.com/MrWong99/cleanstream/pkg/provider/vad"
	vadmock "github.com/MrWong99/cleanstream/pkg/provider/vad/mock"
)

func newFilePipeline(t *testing.T, eng *sttmock.Engine) *pipeline.Pipeline {
	t.Helper()
	cfg := pipeline.DefaultConfig(audio.Format{SampleRate: 16000, Channels: 1})
	cfg.Window = 250 * time.Millisecond
	cfg.Overlap = 100 * time.Millisecond
	p, err := pipeline.New(context.Background(), cfg,
		&sttmock.Provider{Engine: eng},
		&vadmock.Detector{Result: vad.Decision{Speech: true, Boundary: true}},
	)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func rampPCM(frames int) []byte {
	s := make([]float32, frames)
	for i := range s {
		s[i] = float32(i) * 1e-5
	}
	buf := make([]byte, frames*audio.SampleSize)
	audio.EncodeFloat32(buf, s)
	return buf
}

func TestFeeder_EchoesInputAndAccountsForTail(t *testing.T) {
	p := newFilePipeline(t, &sttmock.Engine{Result: stt.Result{Text: "so"}})
	in := rampPCM(10_000)

	var out bytes.Buffer
	fd := &feeder{pipe: p, out: &out, chunk: 160, log: slog.New(slog.DiscardHandler)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := fd.run(ctx, bytes.NewReader(in))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.FramesIn != 10_000 {
		t.Errorf("FramesIn: got %d, want 10000", st.FramesIn)
	}
	if st.FramesOut+st.Unprocessed != st.FramesIn {
		t.Errorf("frames out %d + unprocessed %d != in %d", st.FramesOut, st.Unprocessed, st.FramesIn)
	}
	if st.Unprocessed >= p.Settings().WindowFrames {
		t.Errorf("Unprocessed %d not below one window", st.Unprocessed)
	}
	if st.FramesOut == 0 {
		t.Fatal("no frames emitted")
	}
	if out.Len() != st.FramesOut*audio.SampleSize {
		t.Fatalf("output bytes: got %d, want %d", out.Len(), st.FramesOut*audio.SampleSize)
	}
	if !bytes.Equal(out.Bytes(), in[:out.Len()]) {
		t.Error("output is not a prefix of the input")
	}
}

func TestFeeder_DropsTrailingPartialFrame(t *testing.T) {
	p := newFilePipeline(t, &sttmock.Engine{})
	in := append(rampPCM(4500), 0x01, 0x02)

	fd := &feeder{pipe: p, chunk: 480, log: slog.New(slog.DiscardHandler)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := fd.run(ctx, bytes.NewReader(in))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.FramesIn != 4500 {
		t.Errorf("FramesIn: got %d, want 4500", st.FramesIn)
	}
}

func TestFeeder_DegradedPipelinePassesThrough(t *testing.T) {
	eng := &sttmock.Engine{TranscribeErr: errors.New("model crashed")}
	p := newFilePipeline(t, eng)
	in := rampPCM(16_000)

	var out bytes.Buffer
	fd := &feeder{pipe: p, out: &out, chunk: 160, log: slog.New(slog.DiscardHandler)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Deliver slowly enough for the worker to fail and degrade mid-stream.
	fd.realtime = true
	st, err := fd.run(ctx, bytes.NewReader(in))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !p.Degraded() {
		t.Fatal("pipeline not degraded after engine failure")
	}
	if st.FramesOut+st.Unprocessed != st.FramesIn {
		t.Errorf("frames out %d + unprocessed %d != in %d", st.FramesOut, st.Unprocessed, st.FramesIn)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestFeeder_ReadError(t *testing.T) {
	p := newFilePipeline(t, &sttmock.Engine{})
	fd := &feeder{pipe: p, chunk: 160, log: slog.New(slog.DiscardHandler)}
	if _, err := fd.run(context.Background(), errReader{}); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("run: got %v, want ErrClosedPipe", err)
	}
}

func TestOnConfigChange_AppliesLogLevel(t *testing.T) {
	var level slog.LevelVar
	apply := onConfigChange(&level, nil, nil)
	apply(nil, &config.Config{}, config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug})
	if level.Level() != slog.LevelDebug {
		t.Errorf("level: got %v, want debug", level.Level())
	}
}

func TestBreakerBoard_TracksOpenBreakers(t *testing.T) {
	b := newBreakerBoard(nil)
	if b.state() != resilience.StateClosed {
		t.Fatal("fresh board not closed")
	}
	b.observe("engine/whisper", resilience.StateClosed, resilience.StateOpen)
	b.observe("engine/whisper", resilience.StateClosed, resilience.StateOpen)
	if b.state() != resilience.StateOpen {
		t.Fatal("board not open after transitions")
	}
	b.observe("engine/whisper", resilience.StateOpen, resilience.StateHalfOpen)
	if b.state() != resilience.StateOpen {
		t.Error("board closed while one engine still open")
	}
	b.observe("engine/whisper", resilience.StateOpen, resilience.StateHalfOpen)
	if b.state() != resilience.StateClosed {
		t.Error("board still open after all engines left open")
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	want := []string{"deepgram", "openai", "whisper", "whisper-native"}
	got := reg.STTNames()
	if len(got) != len(want) {
		t.Fatalf("STTNames: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("STTNames[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
	if _, err := reg.CreateVAD(config.VADConfig{Name: "energy"}); err != nil {
		t.Errorf("CreateVAD(energy): %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper"}); err == nil {
		t.Error("whisper without base_url: expected error")
	}
}

func TestBuildTranscriber_WrapsFallbacks(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{Engine: &sttmock.Engine{}}, nil
	})
	cfg := &config.Config{}
	cfg.Transcriber.Name = "mock"
	cfg.Transcriber.Fallbacks = []config.ProviderEntry{{Name: "mock"}}

	tr, err := buildTranscriber(cfg, reg, newBreakerBoard(nil))
	if err != nil {
		t.Fatalf("buildTranscriber: %v", err)
	}
	if want := []string{"provider/mock", "provider/mock"}; !slices.Equal(tr.backends, want) {
		t.Errorf("backends = %v, want %v", tr.backends, want)
	}
	eng, err := tr.NewEngine(context.Background(), stt.EngineConfig{SampleRate: audio.AnalysisSampleRate})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, ok := eng.(*resilience.Guard); !ok {
		t.Errorf("engine type %T, want *resilience.Guard", eng)
	}

	cfg.Transcriber.Fallbacks = []config.ProviderEntry{{Name: "missing"}}
	if _, err := buildTranscriber(cfg, reg, newBreakerBoard(nil)); err == nil {
		t.Error("unknown fallback: expected error")
	}
}

// reloadReader serves data in small reads and calls reload once the first
// half has been handed out.
type reloadReader struct {
	data   []byte
	off    int
	reload func()
	fired  bool
}

func (r *reloadReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	if !r.fired && r.off >= len(r.data)/2 {
		r.fired = true
		r.reload()
	}
	n := copy(p[:min(len(p), 4096)], r.data[r.off:])
	r.off += n
	return n, nil
}

func pipelineCfg(format audio.Format, threshold float64) *config.Config {
	return &config.Config{Pipeline: config.PipelineConfig{
		SampleRate:       format.SampleRate,
		Channels:         format.Channels,
		FillerPThreshold: &threshold,
	}}
}

func TestFeeder_ThresholdReloadKeepsAudio(t *testing.T) {
	p := newFilePipeline(t, &sttmock.Engine{Result: stt.Result{Text: "so"}})
	in := &reloadReader{data: rampPCM(20_000), reload: func() {
		applyFilePipeline(p, pipelineCfg(p.Settings().Format, 0.5))
	}}

	var out bytes.Buffer
	fd := &feeder{pipe: p, out: &out, chunk: 160, log: slog.New(slog.DiscardHandler)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := fd.run(ctx, in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !in.fired {
		t.Fatal("reload never ran")
	}
	if got := p.Settings().FillerThreshold; got != 0.5 {
		t.Errorf("FillerThreshold: got %v, want 0.5", got)
	}
	if g := p.Stats().Generation; g != 1 {
		t.Errorf("Generation: got %d, want 1 (threshold change must not reconfigure)", g)
	}
	if st.Dropped != 0 {
		t.Errorf("Dropped: got %d, want 0", st.Dropped)
	}
	if st.FramesOut+st.Unprocessed != st.FramesIn {
		t.Errorf("frames out %d + unprocessed %d != in %d", st.FramesOut, st.Unprocessed, st.FramesIn)
	}
	if !bytes.Equal(out.Bytes(), in.data[:out.Len()]) {
		t.Error("output is not a prefix of the input")
	}
}

func TestFeeder_FormatReloadFinishes(t *testing.T) {
	p := newFilePipeline(t, &sttmock.Engine{Result: stt.Result{Text: "so"}})
	stereo := audio.Format{SampleRate: 16000, Channels: 2}
	in := &reloadReader{data: rampPCM(20_000), reload: func() {
		applyFilePipeline(p, pipelineCfg(stereo, pipeline.DefaultFillerThreshold))
	}}

	fd := &feeder{pipe: p, chunk: 160, log: slog.New(slog.DiscardHandler)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := fd.run(ctx, in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.Settings().Format != stereo {
		t.Errorf("Format: got %s, want %s", p.Settings().Format, stereo)
	}
	if g := p.Stats().Generation; g != 2 {
		t.Errorf("Generation: got %d, want 2", g)
	}
	if st.FramesOut+st.Unprocessed+st.Dropped != st.FramesIn {
		t.Errorf("frames out %d + unprocessed %d + dropped %d != in %d",
			st.FramesOut, st.Unprocessed, st.Dropped, st.FramesIn)
	}
}
