// Package report delivers per-window [pipeline.Report]s to their sinks: the
// structured log, PostgreSQL, and any combination of them via [Fanout].
package report

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cleanstream/internal/pipeline"
)

// LogReporter writes reports to a slog logger. Filler windows are logged at
// info level, everything else at debug.
type LogReporter struct {
	log *slog.Logger
}

var _ pipeline.Reporter = (*LogReporter)(nil)

// NewLogReporter returns a LogReporter writing to l, or slog.Default() when l
// is nil.
func NewLogReporter(l *slog.Logger) *LogReporter {
	if l == nil {
		l = slog.Default()
	}
	return &LogReporter{log: l}
}

// Report implements [pipeline.Reporter].
func (r *LogReporter) Report(ctx context.Context, rep pipeline.Report) {
	level := slog.LevelDebug
	msg := "window"
	if rep.Filler {
		level, msg = slog.LevelInfo, "filler detected"
	}
	r.log.LogAttrs(ctx, level, msg,
		slog.Uint64("timestamp", rep.Timestamp),
		slog.Int("frames", rep.Frames),
		slog.String("outcome", rep.Outcome),
		slog.Int("overlap_ms", rep.OverlapMs),
		slog.Int64("duration_ms", rep.DurationMs),
		slog.String("text", rep.Text),
		slog.Float64("avg_p", rep.AvgProbability),
	)
}

// Fanout delivers each report to every member in order.
type Fanout []pipeline.Reporter

var _ pipeline.Reporter = Fanout(nil)

// Report implements [pipeline.Reporter].
func (f Fanout) Report(ctx context.Context, rep pipeline.Report) {
	for _, r := range f {
		r.Report(ctx, rep)
	}
}

// Close closes every member that implements io.Closer, concurrently, and
// joins their errors.
func (f Fanout) Close() error {
	var (
		g    errgroup.Group
		errs = make([]error, len(f))
	)
	for i, r := range f {
		c, ok := r.(io.Closer)
		if !ok {
			continue
		}
		g.Go(func() error {
			errs[i] = c.Close()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
