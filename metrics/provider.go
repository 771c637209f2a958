package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
	"github.com/newrelic/newrelic-telemetry-channel/util"
)

var l = util.NewPackageLogger("metrics")

const (
	DefaultInterval    = 30 * time.Second
	defaultServiceName = "newrelic-telemetry-channel"
)

type Config struct {
	Enabled bool
	// Endpoint is host:port, or a full URL when it carries a scheme.
	Endpoint string
	Insecure bool
	Interval time.Duration
}

// Provider owns the meter provider exporting over OTLP/HTTP. A disabled provider hands
// out no-op meters.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	var opts []otlpmetrichttp.Option
	switch {
	case strings.Contains(cfg.Endpoint, "://"):
		opts = append(opts, otlpmetrichttp.WithEndpointURL(cfg.Endpoint))
	case cfg.Endpoint != "":
		opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating metric exporter")
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", defaultServiceName),
		attribute.String("service.version", telemetry.SdkVersion),
	))
	if err != nil {
		return nil, errors.Wrap(err, "creating metric resource")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	l.Infof("[metrics:NewProvider] exporting every %s to %s", interval, cfg.Endpoint)
	return &Provider{mp: mp}, nil
}

func (p *Provider) Meter(name string) metric.Meter {
	if p.mp == nil {
		return noop.NewMeterProvider().Meter(name)
	}
	return p.mp.Meter(name)
}

// Shutdown flushes pending measurements.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.mp == nil {
		return nil
	}
	return errors.Wrap(p.mp.Shutdown(ctx), "shutting down meter provider")
}
