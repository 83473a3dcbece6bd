package observe

import (
	"context"
	"fmt"

	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel"
)

// ProviderConfig configures the OpenTelemetry metric provider.
type ProviderConfig struct {
	// ServiceName identifies this service in exported metrics.
	// Defaults to "mnemovox".
	ServiceName string

	// ServiceVersion is the service version string attached to the
	// resource. Optional.
	ServiceVersion string
}

// InitProvider initialises the global OpenTelemetry meter provider backed by
// a Prometheus exporter, so that all metrics recorded through [Metrics] are
// available on the /metrics scrape endpoint via promhttp.
//
// Returns a shutdown function that flushes and stops the provider; callers
// should invoke it during graceful shutdown.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mnemovox"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: create resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return mp.Shutdown(ctx)
	}
	return shutdown, nil
}
