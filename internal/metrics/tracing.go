package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every flowline span.
const TracerName = "github.com/petrijr/flowline"

// Tracer returns the flowline tracer from the global provider. The global
// provider is a no-op until the application installs one.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts an internal span named name.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetupTracing installs an always-sampling SDK tracer provider that hands
// ended spans to processors. The returned function flushes and shuts the
// provider down.
func SetupTracing(processors ...sdktrace.SpanProcessor) func(context.Context) error {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithSampler(sdktrace.AlwaysSample())}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// LogSpanProcessor writes every ended span to a structured logger at debug
// level. It stands in for an exporter when no collector is configured.
type LogSpanProcessor struct {
	Logger *slog.Logger
}

var _ sdktrace.SpanProcessor = (*LogSpanProcessor)(nil)

func (p *LogSpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

func (p *LogSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("span", s.Name()),
		slog.String("trace_id", s.SpanContext().TraceID().String()),
		slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
	}
	if s.Status().Code == codes.Error {
		attrs = append(attrs, slog.String("error", s.Status().Description))
	}
	logger.Debug("span ended", attrs...)
}

func (p *LogSpanProcessor) Shutdown(ctx context.Context) error   { return nil }
func (p *LogSpanProcessor) ForceFlush(ctx context.Context) error { return nil }
