package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/cleanstream"

// Span names.
const (
	SpanWindow     = "pipeline.window"
	SpanTranscribe = "stt.transcribe"
)

type streamKey struct{}

// WithStream tags ctx with the name of the audio stream it serves. Spans
// started from it carry a "stream" attribute.
func WithStream(ctx context.Context, stream string) context.Context {
	if stream == "" {
		return ctx
	}
	return context.WithValue(ctx, streamKey{}, stream)
}

// StreamFromContext returns the name set by [WithStream], or "".
func StreamFromContext(ctx context.Context) string {
	s, _ := ctx.Value(streamKey{}).(string)
	return s
}

// StartSpan starts a span on the global tracer provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if s := StreamFromContext(ctx); s != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("stream", s)))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// EndWindow records the outcome of a window span and ends it. A non-nil err
// marks the span failed.
func EndWindow(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the trace ID of the span in ctx, or "". It doubles as the
// X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base, or slog.Default() when base is nil, with the trace
// and span IDs found in ctx.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
