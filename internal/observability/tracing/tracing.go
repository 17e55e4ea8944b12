// Package tracing configures the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope used by recurd spans.
const TracerName = "recurd"

type Config struct {
	Enabled bool
	// Exporter is "stdout" or "noop" (empty means noop).
	Exporter string
	// SampleRatio in (0,1]; 0 means always sample.
	SampleRatio float64
	Pretty      bool
}

// ShutdownFunc flushes and stops the provider installed by Setup.
type ShutdownFunc func(context.Context) error

// Setup installs a global tracer provider. When tracing is disabled a noop
// provider is installed so spans cost nothing.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	noopShutdown := func(context.Context) error { return nil }

	exp := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if !cfg.Enabled || exp == "" || exp == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch exp {
	case "stdout":
		var opts []stdouttrace.Option
		if cfg.Pretty {
			opts = append(opts, stdouttrace.WithPrettyPrint())
		}
		e, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = e
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the recurd tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(TracerName) }

// StartSpan starts a named span on the recurd tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// End sets the span status from err and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
