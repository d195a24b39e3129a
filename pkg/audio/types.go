package audio

import "fmt"

// SampleSize is the size in bytes of one stored sample. All PCM inside the
// pipeline is 32-bit IEEE-754 float, planar (one slice per channel).
const SampleSize = 4

// AnalysisSampleRate is the rate in Hz at which windows are analysed and
// transcribed. whisper.cpp and most batch STT backends expect 16 kHz mono.
const AnalysisSampleRate = 16000

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FramesFor returns the number of frames covering ms milliseconds at the
// format's sample rate, rounded down.
func (f Format) FramesFor(ms int) int {
	return int(int64(ms) * int64(f.SampleRate) / 1000)
}

// DurationMs returns the duration in whole milliseconds represented by frames
// frames at the format's sample rate.
func (f Format) DurationMs(frames int) int {
	if f.SampleRate <= 0 {
		return 0
	}
	return int(int64(frames) * 1000 / int64(f.SampleRate))
}

// FrameRecord pairs a frame count with the host timestamp of the first frame.
// One record is queued per arrival (input side) or emission (output side) chunk,
// in the same order as the corresponding samples.
type FrameRecord struct {
	// Frames is the number of frames per channel covered by this record.
	Frames uint32

	// Timestamp is the host timestamp of the first frame, in nanoseconds.
	Timestamp uint64
}

// Block is a chunk of emitted audio ready for playback. Samples holds one
// owned slice per channel, each exactly Frames long.
type Block struct {
	// Timestamp is the host timestamp of the first frame, in nanoseconds.
	Timestamp uint64

	// Frames is the number of frames per channel.
	Frames int

	// Samples holds the planar PCM data, indexed by channel.
	Samples [][]float32
}

// Validate reports whether b is internally consistent for the given channel
// count.
func (b *Block) Validate(channels int) error {
	if len(b.Samples) != channels {
		return fmt.Errorf("audio: block has %d channels, want %d", len(b.Samples), channels)
	}
	for c, s := range b.Samples {
		if len(s) != b.Frames {
			return fmt.Errorf("audio: block channel %d has %d frames, want %d", c, len(s), b.Frames)
		}
	}
	return nil
}
