// Package telemetry wires the scheduler's narrow Tracer and Metrics
// ports to real OpenTelemetry tracing and Prometheus metrics, so the
// scheduler package itself never imports either client library.
package telemetry

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ailets/ailets-go/config"
	"github.com/ailets/ailets-go/handle"
)

// Providers holds the OTel SDK TracerProvider. When telemetry is
// disabled, tp is nil and Shutdown is a no-op; Tracer() still returns a
// usable SpanTracer backed by the global (noop) tracer.
type Providers struct {
	tp *sdktrace.TracerProvider
}

// Init initializes the OTel SDK's tracing half. cfg.Enabled false
// returns a noop Providers without dialing anything — this design
// carries metrics through Prometheus (see NewCollector) rather than
// the OTel metrics SDK, so there is no meter provider here.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop tracer")
		return &Providers{}, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(buildVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_ratio", cfg.SampleRatio),
	)

	return &Providers{tp: tp}, nil
}

// Shutdown flushes pending spans and closes the exporter. Safe to call
// on a noop Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns a scheduler.Tracer backed by this Providers' tracer
// (or the global noop tracer when telemetry is disabled).
func (p *Providers) Tracer() *SpanTracer {
	return &SpanTracer{tracer: otel.Tracer("ailets/scheduler")}
}

// SpanTracer implements scheduler.Tracer: one span per node execution,
// tagged with the attributes the design's observability section names.
type SpanTracer struct {
	tracer oteltrace.Tracer
}

// StartSpan opens a "node.execute" span tagged with the node's id and
// kind, and returns an end function that records the outcome and
// closes the span.
func (s *SpanTracer) StartSpan(ctx context.Context, nodeID handle.Handle, kind string) (context.Context, func(err error)) {
	ctx, span := s.tracer.Start(ctx, "node.execute",
		oteltrace.WithAttributes(
			attribute.Int64("node.id", int64(nodeID)),
			attribute.String("node.kind", kind),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("node.state", "failed"))
		} else {
			span.SetAttributes(attribute.String("node.state", "finished"))
		}
		span.End()
	}
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
