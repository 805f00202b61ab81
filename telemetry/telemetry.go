// Package telemetry installs the process-wide OpenTelemetry tracer
// provider: a grpc exporter ships spans to a collector reachable at the
// configured endpoint. The manager's RPC dispatcher and worker pool start
// no spans of their own; only the gRPC health server is instrumented, by
// otelgrpc in manager.ServeHealth. These are teacher go.mod
// dependencies left unused by the original Apple-container code; this
// package is where the expanded spec gives them a home.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracer provider.
type Config struct {
	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	// An empty Endpoint disables tracing entirely: Setup then installs a
	// no-op provider.
	Endpoint    string
	ServiceName string
}

// Setup installs a global TracerProvider per cfg and returns a shutdown
// func the caller must invoke before exit to flush pending spans.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the current global provider, for
// components that want to start spans without importing otel directly.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
