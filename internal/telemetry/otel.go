package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Meter is the shared meter name every package's otel.Meter(Meter) call uses,
// mirroring the teacher's single "swarm-go" meter name.
const Meter = "aipm-orchestrator"

// InitMetrics sets up a global MeterProvider that periodically writes
// metrics to stdout every 30 seconds; it has no switch to disable them. There is no
// collector to dial in a single-host deployment, unlike the teacher's
// otlpmetricgrpc exporter — see DESIGN.md.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	exp, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp.Shutdown
}

// Flush is a short-timeout wrapper around a provider Shutdown func, mirroring
// the teacher's otelinit.Flush.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
