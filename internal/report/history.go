package report

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/cleanstream/internal/pipeline"
)

// DefaultHistorySize is the per-stream capacity of a [History] created with a
// non-positive size.
const DefaultHistorySize = 256

// History keeps the most recent reports of every stream in memory. It is safe
// for concurrent use.
type History struct {
	size int

	mu      sync.RWMutex
	streams map[string][]pipeline.Report
}

var _ pipeline.Reporter = (*History)(nil)

// NewHistory returns a History holding up to size reports per stream.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size, streams: make(map[string][]pipeline.Report)}
}

// Report implements [pipeline.Reporter], recording under [DefaultStream].
func (h *History) Report(_ context.Context, r pipeline.Report) {
	h.add(DefaultStream, r)
}

// ForStream returns a [pipeline.Reporter] that records under stream.
func (h *History) ForStream(stream string) pipeline.Reporter {
	return pipeline.ReporterFunc(func(_ context.Context, r pipeline.Report) {
		h.add(stream, r)
	})
}

func (h *History) add(stream string, r pipeline.Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reps := append(h.streams[stream], r)
	if len(reps) > h.size {
		reps = slices.Delete(reps, 0, len(reps)-h.size)
	}
	h.streams[stream] = reps
}

// Recent returns up to limit reports for stream, newest first. A non-positive
// limit returns everything held.
func (h *History) Recent(_ context.Context, stream string, limit int) ([]pipeline.Report, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	reps := h.streams[stream]
	if limit <= 0 || limit > len(reps) {
		limit = len(reps)
	}
	out := make([]pipeline.Report, limit)
	for i := range limit {
		out[i] = reps[len(reps)-1-i]
	}
	return out, nil
}

// Streams returns the names of all streams with recorded reports, sorted.
func (h *History) Streams(context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.streams))
	for n := range h.streams {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}
