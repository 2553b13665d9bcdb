package observability

// https://opentelemetry.io/docs/languages/go/exporters/

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type ExporterType string

const (
	PrometheusExporter ExporterType = "prometheus"
	StdoutExporter     ExporterType = "stdout"
	NoneExporter       ExporterType = "none"
)

type ObservabilityErr string

func (e ObservabilityErr) Error() string {
	return string(e)
}

const ErrUnknownExporter = ObservabilityErr("[observability] unknown metrics exporter")

// Metrics is a meter provider together with how to read it back.
// Handler is only set for the prometheus exporter.
type Metrics struct {
	Provider metric.MeterProvider
	Handler  http.Handler
	Shutdown func(ctx context.Context) error
}

type metricsOptions struct {
	interval  time.Duration
	global    bool
	stdoutOpt []stdoutmetric.Option
}

type MetricsOption func(opts *metricsOptions)

// WithExportInterval is the push period of the stdout exporter.
func WithExportInterval(interval time.Duration) MetricsOption {
	return func(opts *metricsOptions) {
		if interval > 0 {
			opts.interval = interval
		}
	}
}

// WithGlobalMeterProvider also installs the provider as the otel global.
func WithGlobalMeterProvider() MetricsOption {
	return func(opts *metricsOptions) {
		opts.global = true
	}
}

func WithStdoutOptions(stdoutOpts ...stdoutmetric.Option) MetricsOption {
	return func(opts *metricsOptions) {
		opts.stdoutOpt = append(opts.stdoutOpt, stdoutOpts...)
	}
}

func NewMetrics(exporter ExporterType, opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{interval: 30 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	var (
		m   *Metrics
		err error
	)
	switch exporter {
	case PrometheusExporter, "":
		m, err = newPrometheusMetrics()
	case StdoutExporter:
		m, err = newConsoleMetrics(o.interval, o.interval/2, o.stdoutOpt...)
	case NoneExporter:
		m = &Metrics{
			Provider: noop.NewMeterProvider(),
			Shutdown: func(context.Context) error { return nil },
		}
	default:
		return nil, ErrUnknownExporter
	}
	if err != nil {
		return nil, err
	}
	if o.global {
		otel.SetMeterProvider(m.Provider)
	}
	return m, nil
}

// Serves for test/dev environment.
func newConsoleMetrics(interval, timeout time.Duration, opts ...stdoutmetric.Option) (*Metrics, error) {
	exporter, err := stdoutmetric.New(opts...)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
		exporter,
		sdkmetric.WithInterval(interval),
		sdkmetric.WithTimeout(timeout),
	)))
	return &Metrics{Provider: mp, Shutdown: mp.Shutdown}, nil
}

// Serves for the product environment, scraped over HTTP. Each provider
// gets its own registry so tests and multiple apps never collide.
func newPrometheusMetrics() (*Metrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Metrics{
		Provider: mp,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}),
		Shutdown: mp.Shutdown,
	}, nil
}
