package pipeline

import (
	"fmt"

	"github.com/MrWong99/cleanstream/pkg/audio"
)

// window is one assembled analysis window.
type window struct {
	// samples is the full window per channel: carried tail followed by fresh.
	samples [][]float32

	// fresh holds the samples drained from the input in this pass. They are
	// emitted to the output side once the window is processed.
	fresh [][]float32

	// frames is the number of fresh frames per channel.
	frames int

	// lead is the part of frames that fills the overlap region of a
	// generation's first window. It is emitted but is not new audio for the
	// overlap controller.
	lead int

	// carried is the number of frames reused from the previous window.
	carried int

	// timestamp is the timestamp of the first input record consumed.
	timestamp uint64

	generation uint64
}

// assembler turns input records into analysis windows, carrying the overlap
// tail of each window into the next. Owned by the worker.
type assembler struct {
	format       audio.Format
	windowFrames int
	generation   uint64

	// prev is the previous window per channel, nil before the first window.
	prev [][]float32
}

func newAssembler(s *Settings) *assembler {
	return &assembler{
		format:       s.Format,
		windowFrames: s.WindowFrames,
		generation:   s.Generation,
	}
}

// assemble builds the next window from in and info. overlapFrames is the
// current overlap. The caller holds the input lock.
//
// Records are consumed whole. A record that would push the fresh frame count
// past the target is left at the head of info, so a window may be slightly
// shorter than windowFrames but never longer.
func (a *assembler) assemble(in *audio.Channels, info *audio.InfoQueue, overlapFrames int) (window, error) {
	overlapFrames = min(max(overlapFrames, 0), a.windowFrames)

	var (
		carried int
		target  int
		lead    int
	)
	first := a.prev == nil
	if first {
		target = a.windowFrames - overlapFrames
	} else {
		carried = min(overlapFrames, len(a.prev[0]))
		target = a.windowFrames - carried
	}

	frames, ts, ok := a.take(info, target)
	if first {
		// No tail to reuse, so the overlap region is filled from the input as
		// a lead-in.
		n, leadTS, leadOK := a.take(info, overlapFrames)
		if !ok {
			ts, ok = leadTS, leadOK
		}
		frames += n
		lead = n
	}
	if !ok {
		// The head record alone exceeds the target. Ingress splits chunks so
		// this only happens with a pathologically small target; cut the record
		// rather than stall.
		frames, ts = a.split(info, target)
	}
	if frames == 0 {
		return window{}, audio.ErrInsufficientData
	}

	fresh, err := in.PopAll(frames)
	if err != nil {
		return window{}, fmt.Errorf("drain %d frames: %w", frames, err)
	}

	samples := make([][]float32, len(fresh))
	for c := range fresh {
		w := make([]float32, 0, carried+frames)
		if carried > 0 {
			w = append(w, a.prev[c][len(a.prev[c])-carried:]...)
		}
		samples[c] = append(w, fresh[c]...)
	}
	a.prev = samples

	return window{
		samples:    samples,
		fresh:      fresh,
		frames:     frames,
		lead:       lead,
		carried:    carried,
		timestamp:  ts,
		generation: a.generation,
	}, nil
}

// take pops whole records while their frames fit into limit. It reports the
// consumed frame count and the first record's timestamp.
func (a *assembler) take(info *audio.InfoQueue, limit int) (frames int, ts uint64, ok bool) {
	for {
		rec, err := info.Pop()
		if err != nil {
			return frames, ts, ok
		}
		if frames+int(rec.Frames) > limit {
			info.PushFront(rec)
			return frames, ts, ok
		}
		if !ok {
			ts, ok = rec.Timestamp, true
		}
		frames += int(rec.Frames)
	}
}

// split consumes limit frames of the head record and leaves the remainder at
// the head with its timestamp advanced.
func (a *assembler) split(info *audio.InfoQueue, limit int) (int, uint64) {
	rec, err := info.Pop()
	if err != nil || limit <= 0 {
		if err == nil {
			info.PushFront(rec)
		}
		return 0, 0
	}
	n := min(int(rec.Frames), limit)
	if rest := int(rec.Frames) - n; rest > 0 {
		info.PushFront(audio.FrameRecord{
			Frames:    uint32(rest),
			Timestamp: rec.Timestamp + framesToNanos(n, a.format.SampleRate),
		})
	}
	return n, rec.Timestamp
}

// framesToNanos converts a frame count to nanoseconds at sampleRate.
func framesToNanos(frames, sampleRate int) uint64 {
	if sampleRate <= 0 {
		return 0
	}
	return uint64(frames) * 1_000_000_000 / uint64(sampleRate)
}

// audioRecord returns the output record for win.
func audioRecord(win window) audio.FrameRecord {
	return audio.FrameRecord{Frames: uint32(win.frames), Timestamp: win.timestamp}
}
