package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"

	outbox "github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/otelmetrics"
)

const (
	serviceName              = "outboxctl"
	telemetryShutdownTimeout = 5 * time.Second
)

type shutdownFunc func(context.Context) error

// setupTelemetry exports outbox metrics over OTLP/HTTP when an endpoint is configured.
// Without one it returns no-op metrics.
func setupTelemetry(ctx context.Context, cfg TelemetryConfig) (outbox.Metrics, shutdownFunc, error) {
	if cfg.Endpoint == "" {
		return outbox.NopMetrics{}, func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint))}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval))),
	)

	recorder, err := otelmetrics.New(otelmetrics.WithMeter(provider.Meter(otelmetrics.ScopeName)))
	if err != nil {
		return nil, nil, errors.Join(err, provider.Shutdown(ctx))
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(recorder.Close(), provider.Shutdown(ctx))
	}

	return recorder, shutdown, nil
}

func (a *app) shutdownTelemetry(shutdown shutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", "err", err)
	}
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")

	return strings.TrimPrefix(endpoint, "https://")
}
