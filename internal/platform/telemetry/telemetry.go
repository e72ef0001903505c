// Package telemetry wraps OpenTelemetry metric instruments used by the
// services and installs the process MeterProvider.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config selects the metrics exporter. Interval applies to periodic export;
// a final collection always runs on shutdown.
type Config struct {
	Exporter string        `mapstructure:"exporter"`
	Interval time.Duration `mapstructure:"interval"`
}

func DefaultConfig() Config {
	return Config{Exporter: ExporterNone, Interval: time.Minute}
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Exporter)) {
	case "", ExporterNone:
		return nil
	case ExporterStdout:
		if c.Interval <= 0 {
			return fmt.Errorf("metrics.interval must be > 0")
		}
		return nil
	default:
		return fmt.Errorf("metrics.exporter must be one of %s, %s", ExporterNone, ExporterStdout)
	}
}

// Setup installs a global MeterProvider for the configured exporter and
// returns its shutdown func. With exporter "none" the global provider is left
// untouched and instruments stay no-ops.
func Setup(cfg Config, w io.Writer) (func(context.Context) error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.ToLower(strings.TrimSpace(cfg.Exporter)) != ExporterStdout {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Counter creates an Int64Counter on meter, falling back to a no-op counter
// if the instrument cannot be created.
func Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	if meter == nil {
		return noop.Int64Counter{}
	}
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("{event}"))
	if err != nil || c == nil {
		return noop.Int64Counter{}
	}
	return c
}
