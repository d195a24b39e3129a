package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/cleanstream/internal/pipeline"
	"github.com/MrWong99/cleanstream/pkg/audio"
)

// feedStats summarises one file run.
type feedStats struct {
	FramesIn  int
	FramesOut int
	// Unprocessed is the tail shorter than one window that never reached
	// the worker.
	Unprocessed int
	// Dropped is the audio a reconfiguration discarded during the run.
	Dropped int
}

// feeder pushes interleaved float32 little-endian PCM through a pipeline the
// way a host audio callback would and writes every emitted block to out.
//
// The input is decoded in the pipeline's current format, re-read before every
// chunk, so a reload that changes the format applies from the next chunk on.
type feeder struct {
	pipe     *pipeline.Pipeline
	out      io.Writer
	chunk    int
	realtime bool
	log      *slog.Logger
}

func (f *feeder) run(ctx context.Context, in io.Reader) (feedStats, error) {
	var (
		st      feedStats
		pending []byte
		eof     bool
		clock   time.Duration
	)
	r := bufio.NewReaderSize(in, 64*1024)
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		format := f.pipe.Settings().Format
		frameBytes := format.Channels * audio.SampleSize

		if need := f.chunk*frameBytes - len(pending); need > 0 && !eof {
			buf := make([]byte, need)
			n, err := io.ReadFull(r, buf)
			pending = append(pending, buf[:n]...)
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				eof = true
			case err != nil:
				return st, fmt.Errorf("read input: %w", err)
			}
		}

		frames := min(len(pending)/frameBytes, f.chunk)
		if frames == 0 {
			if eof {
				break
			}
			continue
		}
		inter := make([]float32, frames*format.Channels)
		audio.DecodeFloat32(inter, pending[:frames*frameBytes])

		blk, ok, perr := f.pipe.OnAudioFrames(audio.Deinterleave(inter, format.Channels), frames, uint64(clock))
		if errors.Is(perr, pipeline.ErrFormatMismatch) && f.pipe.Settings().Format != format {
			// Reloaded while this chunk was decoded; decode it again.
			continue
		}
		if perr != nil {
			return st, fmt.Errorf("deliver frames at %d: %w", st.FramesIn, perr)
		}
		pending = pending[frames*frameBytes:]
		st.FramesIn += frames
		clock += time.Duration(frames) * time.Second / time.Duration(format.SampleRate)

		if ok {
			if err := f.write(blk, &st); err != nil {
				return st, err
			}
		}
		if err := f.pullAll(&st); err != nil {
			return st, err
		}
		if f.realtime {
			if err := sleepUntil(ctx, start.Add(clock)); err != nil {
				return st, err
			}
		}
	}

	return st, f.drain(ctx, &st)
}

// drain waits until every frame that can form a window has been emitted or
// discarded by a reconfiguration. Frames still queued below one window are
// reported as unprocessed.
func (f *feeder) drain(ctx context.Context, st *feedStats) error {
	ticker := time.NewTicker(max(f.pipe.Settings().PollInterval, time.Millisecond))
	defer ticker.Stop()
	for {
		if err := f.pullAll(st); err != nil {
			return err
		}
		stats := f.pipe.Stats()
		st.Dropped = int(stats.DroppedFrames)
		window := f.pipe.Settings().WindowFrames
		if stats.InputFrames < window && st.FramesOut+stats.InputFrames+st.Dropped >= st.FramesIn {
			st.Unprocessed = stats.InputFrames
			return nil
		}
		if stats.Degraded {
			// Pass-through already returned everything delivered after the
			// engine went away; queued audio will not be processed.
			st.Unprocessed = st.FramesIn - st.FramesOut - st.Dropped
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.pipe.Done():
			if err := f.pullAll(st); err != nil {
				return err
			}
			st.Unprocessed = st.FramesIn - st.FramesOut - st.Dropped
			return nil
		case <-ticker.C:
		}
	}
}

func (f *feeder) pullAll(st *feedStats) error {
	for {
		blk, ok := f.pipe.Pull()
		if !ok {
			return nil
		}
		if err := f.write(blk, st); err != nil {
			return err
		}
	}
}

func (f *feeder) write(blk audio.Block, st *feedStats) error {
	st.FramesOut += blk.Frames
	if f.out == nil {
		return nil
	}
	inter := audio.Interleave(blk.Samples)
	buf := make([]byte, len(inter)*audio.SampleSize)
	audio.EncodeFloat32(buf, inter)
	if _, err := f.out.Write(buf); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	f.log.Debug("block written", "frames", blk.Frames, "timestamp", blk.Timestamp)
	return nil
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
