// Package telemetry initializes the OpenTelemetry metrics exporter and the
// engine's instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the meter provider.
type Shutdown func(ctx context.Context) error

// Metrics bundles the engine's instruments.
type Metrics struct {
	SpawnsTotal    metric.Int64Counter
	ExitsTotal     metric.Int64Counter
	MessagesTotal  metric.Int64Counter
	ActiveWorkers  metric.Int64UpDownCounter
	QueueDepth     metric.Int64UpDownCounter
	Consolidations metric.Int64Counter
}

// Init configures the global meter provider. If endpoint is empty, OTEL is
// disabled and the returned instruments are no-ops from the global no-op
// provider. Returns a shutdown function for graceful teardown.
func Init(ctx context.Context, endpoint, version string) (*Metrics, Shutdown, error) {
	if endpoint != "" {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String("hive"),
				semconv.ServiceVersionKey.String(version),
			),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
		}

		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
		}

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
			),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)

		m, err := newMetrics()
		if err != nil {
			return nil, nil, err
		}
		return m, mp.Shutdown, nil
	}

	m, err := newMetrics()
	if err != nil {
		return nil, nil, err
	}
	return m, func(context.Context) error { return nil }, nil
}

func newMetrics() (*Metrics, error) {
	meter := otel.Meter("hive")

	var m Metrics
	var err error
	if m.SpawnsTotal, err = meter.Int64Counter("hive.workers.spawns",
		metric.WithDescription("Workers spawned")); err != nil {
		return nil, err
	}
	if m.ExitsTotal, err = meter.Int64Counter("hive.workers.exits",
		metric.WithDescription("Worker exits by outcome")); err != nil {
		return nil, err
	}
	if m.MessagesTotal, err = meter.Int64Counter("hive.messages.total",
		metric.WithDescription("Messages by terminal status")); err != nil {
		return nil, err
	}
	if m.ActiveWorkers, err = meter.Int64UpDownCounter("hive.workers.active",
		metric.WithDescription("Currently active workers")); err != nil {
		return nil, err
	}
	if m.QueueDepth, err = meter.Int64UpDownCounter("hive.messages.queued",
		metric.WithDescription("Messages currently queued")); err != nil {
		return nil, err
	}
	if m.Consolidations, err = meter.Int64Counter("hive.consolidations.total",
		metric.WithDescription("Consolidations by terminal status")); err != nil {
		return nil, err
	}
	return &m, nil
}
