// Package mcp exposes window reports to Model Context Protocol clients.
//
// The server offers three read-only tools:
//
//   - list_streams: names of streams with recorded reports.
//   - recent_windows: the latest window reports of one stream.
//   - filler_summary: filler counts, ratio and interjection frequencies over
//     the latest windows of one stream.
//
// [Handler] serves the server over the streamable HTTP transport so it can be
// mounted next to the audio endpoint.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/cleanstream/internal/observe"
	"github.com/MrWong99/cleanstream/internal/pipeline"
)

// Path is the HTTP path the MCP endpoint is mounted on.
const Path = "/mcp"

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Source provides stored window reports. [report.History] and
// [report.Postgres] implement it.
type Source interface {
	Recent(ctx context.Context, stream string, limit int) ([]pipeline.Report, error)
	Streams(ctx context.Context) ([]string, error)
}

// ErrUnknownStream is returned by tools asked about a stream without reports.
var ErrUnknownStream = errors.New("mcp: no reports for stream")

// NewServer returns an MCP server whose tools read from src.
func NewServer(src Source, version string) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "cleanstream", Version: version}, nil)
	t := &tools{src: src}

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "list_streams",
		Description: "List the audio streams that have window reports.",
	}, t.listStreams)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "recent_windows",
		Description: "Return the most recent window reports of a stream, newest first.",
	}, t.recentWindows)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "filler_summary",
		Description: "Summarise filler detection over the most recent windows of a stream.",
	}, t.fillerSummary)
	return s
}

// Handler serves s over the streamable HTTP transport. Sessions are stateless
// since every tool is a read.
func Handler(s *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(
		func(*http.Request) *mcpsdk.Server { return s },
		&mcpsdk.StreamableHTTPOptions{Stateless: true, JSONResponse: true},
	)
}

type tools struct {
	src Source
}

type listStreamsInput struct{}

type listStreamsOutput struct {
	Streams []string `json:"streams"`
}

func (t *tools) listStreams(ctx context.Context, _ *mcpsdk.CallToolRequest, _ listStreamsInput) (*mcpsdk.CallToolResult, listStreamsOutput, error) {
	names, err := t.src.Streams(ctx)
	if err != nil {
		return nil, listStreamsOutput{}, err
	}
	return nil, listStreamsOutput{Streams: names}, nil
}

type recentInput struct {
	Stream      string `json:"stream" jsonschema:"stream name as passed to the stream endpoint"`
	Limit       int    `json:"limit,omitempty" jsonschema:"maximum number of windows, default 50"`
	FillersOnly bool   `json:"fillers_only,omitempty" jsonschema:"only return windows classified as filler"`
}

type recentOutput struct {
	Stream  string            `json:"stream"`
	Windows []pipeline.Report `json:"windows"`
}

func (t *tools) recentWindows(ctx context.Context, _ *mcpsdk.CallToolRequest, in recentInput) (*mcpsdk.CallToolResult, recentOutput, error) {
	reps, err := t.recent(ctx, in.Stream, in.Limit)
	if err != nil {
		return nil, recentOutput{}, err
	}
	if in.FillersOnly {
		kept := reps[:0]
		for _, r := range reps {
			if r.Filler {
				kept = append(kept, r)
			}
		}
		reps = kept
	}
	return nil, recentOutput{Stream: in.Stream, Windows: reps}, nil
}

type summaryInput struct {
	Stream string `json:"stream" jsonschema:"stream name as passed to the stream endpoint"`
	Limit  int    `json:"limit,omitempty" jsonschema:"number of recent windows to summarise, default 50"`
}

// Summary aggregates a run of window reports.
type Summary struct {
	Stream         string         `json:"stream"`
	Windows        int            `json:"windows"`
	Transcribed    int            `json:"transcribed"`
	Fillers        int            `json:"fillers"`
	Errors         int            `json:"errors"`
	FillerRatio    float64        `json:"filler_ratio"`
	AvgProbability float64        `json:"avg_probability"`
	Interjections  map[string]int `json:"interjections"`
}

func (t *tools) fillerSummary(ctx context.Context, _ *mcpsdk.CallToolRequest, in summaryInput) (*mcpsdk.CallToolResult, Summary, error) {
	reps, err := t.recent(ctx, in.Stream, in.Limit)
	if err != nil {
		return nil, Summary{}, err
	}
	return nil, Summarise(in.Stream, reps), nil
}

func (t *tools) recent(ctx context.Context, stream string, limit int) ([]pipeline.Report, error) {
	if stream == "" {
		return nil, errors.New("mcp: stream is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)
	reps, err := t.src.Recent(ctx, stream, limit)
	if err != nil {
		return nil, fmt.Errorf("mcp: read reports: %w", err)
	}
	if len(reps) == 0 {
		return nil, fmt.Errorf("%w %q", ErrUnknownStream, stream)
	}
	return reps, nil
}

// Summarise aggregates reps. FillerRatio is fillers over transcribed windows;
// AvgProbability averages the transcribed windows.
func Summarise(stream string, reps []pipeline.Report) Summary {
	s := Summary{Stream: stream, Windows: len(reps), Interjections: map[string]int{}}
	var probSum float64
	for _, r := range reps {
		switch r.Outcome {
		case observe.OutcomeTranscribed, observe.OutcomeFiller:
			s.Transcribed++
			probSum += r.AvgProbability
		case observe.OutcomeError:
			s.Errors++
		}
		if r.Filler {
			s.Fillers++
		}
		for _, w := range r.Interjections {
			s.Interjections[w]++
		}
	}
	if s.Transcribed > 0 {
		s.FillerRatio = float64(s.Fillers) / float64(s.Transcribed)
		s.AvgProbability = probSum / float64(s.Transcribed)
	}
	return s
}
