package energy_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/cleanstream/pkg/provider/vad"
	"github.com/MrWong99/cleanstream/pkg/provider/vad/energy"
)

const rate = 16000

func newDetector(t *testing.T) *energy.Detector {
	t.Helper()
	d, err := energy.New(vad.Config{SampleRate: rate})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

// tone returns n samples of a 440 Hz sine with the given amplitude between
// [from, to) and silence elsewhere.
func tone(n, from, to int, amp float64) []float32 {
	out := make([]float32, n)
	for i := from; i < to; i++ {
		out[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	return out
}

func TestNew_Defaults(t *testing.T) {
	d := newDetector(t)
	cfg := d.Config()
	if cfg.Threshold != energy.DefaultThreshold {
		t.Errorf("Threshold: got %g", cfg.Threshold)
	}
	if cfg.HighPassHz != energy.DefaultHighPassHz {
		t.Errorf("HighPassHz: got %g", cfg.HighPassHz)
	}
	if cfg.BoundaryWindowMs != energy.DefaultBoundaryWindowMs {
		t.Errorf("BoundaryWindowMs: got %d", cfg.BoundaryWindowMs)
	}
	if cfg.BoundaryFraction != energy.DefaultBoundaryFraction {
		t.Errorf("BoundaryFraction: got %g", cfg.BoundaryFraction)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{name: "no sample rate", cfg: vad.Config{}},
		{name: "negative threshold", cfg: vad.Config{SampleRate: rate, Threshold: -1}},
		{name: "fraction above one", cfg: vad.Config{SampleRate: rate, BoundaryFraction: 1.5}},
		{name: "cutoff above nyquist", cfg: vad.Config{SampleRate: rate, HighPassHz: 9000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := energy.New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDetect_Silence(t *testing.T) {
	d := newDetector(t)
	dec, err := d.Detect(make([]float32, rate))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if dec.Speech || dec.Transcribe() {
		t.Errorf("silent window classified as speech: %+v", dec)
	}
}

func TestDetect_DCOffsetIsFiltered(t *testing.T) {
	d := newDetector(t)
	samples := make([]float32, rate)
	for i := range samples {
		samples[i] = 0.01
	}
	dec, err := d.Detect(samples)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if dec.Speech {
		t.Errorf("constant offset classified as speech: energy=%g", dec.Energy)
	}
	if samples[rate-1] > 1e-6 {
		t.Errorf("samples were not filtered in place: last=%g", samples[rate-1])
	}
}

func TestDetect_WordWithQuietEnds(t *testing.T) {
	d := newDetector(t)
	dec, err := d.Detect(tone(rate, rate/10, rate-rate/10, 0.5))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !dec.Speech {
		t.Fatalf("tone not detected as speech: %+v", dec)
	}
	if !dec.Boundary {
		t.Errorf("boundary not found: head=%g tail=%g peak=%g", dec.HeadEnergy, dec.TailEnergy, dec.MiddlePeak)
	}
	if !dec.Transcribe() {
		t.Error("Transcribe: got false, want true")
	}
}

func TestDetect_WordCutAtEdges(t *testing.T) {
	d := newDetector(t)
	dec, err := d.Detect(tone(rate, 0, rate, 0.5))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !dec.Speech {
		t.Fatal("tone not detected as speech")
	}
	if dec.Boundary {
		t.Errorf("boundary found in continuous tone: head=%g tail=%g peak=%g", dec.HeadEnergy, dec.TailEnergy, dec.MiddlePeak)
	}
}

func TestDetect_TooShortForBoundary(t *testing.T) {
	d := newDetector(t)
	// 50 ms head + 50 ms tail = 1600 samples leaves no middle.
	dec, err := d.Detect(tone(1600, 0, 1600, 0.5))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !dec.Speech || dec.Boundary {
		t.Errorf("got speech=%v boundary=%v, want true/false", dec.Speech, dec.Boundary)
	}
}

func TestDetect_Empty(t *testing.T) {
	d := newDetector(t)
	if _, err := d.Detect(nil); !errors.Is(err, energy.ErrEmptyWindow) {
		t.Errorf("got %v, want ErrEmptyWindow", err)
	}
}

func TestEngine_NewDetector(t *testing.T) {
	var e vad.Engine = energy.Engine{}
	if _, err := e.NewDetector(vad.Config{SampleRate: rate}); err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	if _, err := e.NewDetector(vad.Config{}); err == nil {
		t.Error("expected error for missing sample rate")
	}
}

func TestMeanAbsPeakAbs(t *testing.T) {
	s := []float32{-1, 0.5, 0, 0.5}
	if got := energy.MeanAbs(s); got != 0.5 {
		t.Errorf("MeanAbs: got %g, want 0.5", got)
	}
	if got := energy.PeakAbs(s); got != 1 {
		t.Errorf("PeakAbs: got %g, want 1", got)
	}
	if got := energy.MeanAbs(nil); got != 0 {
		t.Errorf("MeanAbs(nil): got %g", got)
	}
}
