// Package observability wires logging and tracing. With OTLP enabled,
// slog routes through the OpenTelemetry log bridge and spans export over
// OTLP HTTP; disabled, it falls back to plain text logging on stderr.
// Standard OTEL_* environment variables configure endpoints and headers.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config holds observability settings.
type Config struct {
	// Enabled turns OTLP export on. Off, logs go to stderr as text.
	Enabled bool
	// ServiceName labels exported telemetry; OTEL_SERVICE_NAME overrides.
	ServiceName string
}

// Shutdown flushes and stops the configured providers.
type Shutdown func(ctx context.Context) error

// Init sets the global slog handler and, when enabled, the tracer and
// logger providers. The returned Shutdown must run before process exit.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		return func(context.Context) error { return nil }, nil
	}

	if cfg.ServiceName != "" && os.Getenv("OTEL_SERVICE_NAME") == "" {
		os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}

	res, err := resource.New(ctx, resource.WithFromEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}
	merged, err := resource.Merge(resource.Default(), res)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, fmt.Errorf("failed to merge telemetry resources: %w", err)
	}

	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(merged),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	logExporter, err := otlploghttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(merged),
	)
	slog.SetDefault(otelslog.NewLogger(cfg.ServiceName,
		otelslog.WithLoggerProvider(loggerProvider)))

	return func(ctx context.Context) error {
		return errors.Join(
			tracerProvider.Shutdown(ctx),
			loggerProvider.Shutdown(ctx),
		)
	}, nil
}
