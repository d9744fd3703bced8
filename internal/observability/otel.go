// Package observability installs the console's OpenTelemetry tracer
// provider. Spans come from otelgin, the gorm plugin and the dispatch engine.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"

	"github.com/tbourn/ops-console-sync/internal/config"
)

// Build identifies this console process in exported traces.
type Build struct {
	Version string
	// Instance is the replication origin, so spans from several tabs or
	// processes sharing one store can be told apart.
	Instance string
}

// Swappable in tests.
var (
	newOTLPClient = otlptracegrpc.NewClient

	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newServiceResourceFn = func(ctx context.Context, serviceName string, b Build) (*resource.Resource, error) {
		attrs := []resource.Option{
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(b.Version),
			),
		}
		if b.Instance != "" {
			attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(b.Instance)))
		}
		return resource.New(ctx, attrs...)
	}
)

// Setup configures tracing and returns a shutdown function that flushes
// pending spans. When tracing is disabled the shutdown is a no-op and the
// global provider is left alone.
func Setup(ctx context.Context, cfg config.OTELConfig, b Build) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exp, err := newOTLPExporterFn(ctx, newOTLPClient(opts...))
	if err != nil {
		return nil, err
	}
	res, err := newServiceResourceFn(ctx, cfg.ServiceName, b)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// clampRatio bounds a configured sample ratio to [0, 1].
func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}
