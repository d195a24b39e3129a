package audio

import "fmt"

// MaxChannels is the largest channel count a stream may carry.
const MaxChannels = 8

// Resampler converts planar PCM from one [Format] to another.
//
// Process returns the converted planar frames together with the timestamp
// offset in nanoseconds introduced by the conversion (the converter's group
// delay). Implementations must be safe for use by one goroutine at a time.
type Resampler interface {
	Process(in [][]float32) (out [][]float32, tsOffset uint64, err error)

	// Source returns the expected input format.
	Source() Format

	// Target returns the produced output format.
	Target() Format
}

// NewResampler returns the default linear-interpolation [Resampler] from src
// to dst. It fails if either format has a non-positive sample rate or a channel
// count outside [1, MaxChannels].
func NewResampler(src, dst Format) (Resampler, error) {
	if err := checkFormat(src); err != nil {
		return nil, fmt.Errorf("audio: new resampler: source: %w", err)
	}
	if err := checkFormat(dst); err != nil {
		return nil, fmt.Errorf("audio: new resampler: target: %w", err)
	}
	return &LinearResampler{src: src, dst: dst}, nil
}

func checkFormat(f Format) error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("channels must be in [1, %d], got %d", MaxChannels, f.Channels)
	}
	return nil
}

// LinearResampler converts between formats by averaging channels down to mono,
// duplicating mono up to several channels and resampling with linear
// interpolation. It carries no state across calls, so windows may be processed
// independently.
type LinearResampler struct {
	src, dst Format
}

var _ Resampler = (*LinearResampler)(nil)

// Source implements [Resampler].
func (r *LinearResampler) Source() Format { return r.src }

// Target implements [Resampler].
func (r *LinearResampler) Target() Format { return r.dst }

// Process implements [Resampler]. Channel reduction happens before
// resampling and channel expansion after, so the interpolation always runs on
// the smaller layout.
func (r *LinearResampler) Process(in [][]float32) ([][]float32, uint64, error) {
	if len(in) != r.src.Channels {
		return nil, 0, fmt.Errorf("audio: resample: got %d channels, want %d", len(in), r.src.Channels)
	}
	for c := 1; c < len(in); c++ {
		if len(in[c]) != len(in[0]) {
			return nil, 0, fmt.Errorf("audio: resample: channel %d has %d frames, want %d", c, len(in[c]), len(in[0]))
		}
	}

	planar := in
	if r.src.Channels != r.dst.Channels && r.dst.Channels == 1 {
		planar = [][]float32{DownmixMono(planar)}
	}

	out := make([][]float32, len(planar))
	for c, ch := range planar {
		out[c] = ResampleLinear(ch, r.src.SampleRate, r.dst.SampleRate)
	}

	if len(out) != r.dst.Channels {
		// src mono (or already downmixed) and dst wider: duplicate.
		out = UpmixMono(DownmixMono(out), r.dst.Channels)
	}
	return out, 0, nil
}
