package distributer

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/benz9527/xsensor/xlog"
)

const (
	defaultKeepAlivePeriod = 15 * time.Second
	defaultRowCap          = 1024
)

type distributerOptions struct {
	name                 string
	logger               xlog.XLogger
	meterProvider        metric.MeterProvider
	keepAlivePeriod      time.Duration
	rowCap               int
	deliveryWorkers      int
	renotifyOnTruncation bool
}

type DistributerOption func(opts *distributerOptions)

func WithName(name string) DistributerOption {
	return func(opts *distributerOptions) {
		opts.name = name
	}
}

func WithLogger(logger xlog.XLogger) DistributerOption {
	return func(opts *distributerOptions) {
		opts.logger = logger
	}
}

func WithMeterProvider(mp metric.MeterProvider) DistributerOption {
	return func(opts *distributerOptions) {
		opts.meterProvider = mp
	}
}

// WithKeepAlivePeriod sets the liveness probe period. Non-positive
// values disable the liveness monitor.
func WithKeepAlivePeriod(period time.Duration) DistributerOption {
	return func(opts *distributerOptions) {
		opts.keepAlivePeriod = period
	}
}

// WithRowCap bounds each cursor. Zero means unbounded.
func WithRowCap(rowCap int) DistributerOption {
	return func(opts *distributerOptions) {
		if rowCap < 0 {
			rowCap = 0
		}
		opts.rowCap = rowCap
	}
}

// WithDeliveryWorkers delivers the candidates of one pass concurrently
// on a goroutine pool of n workers. Each listener still has at most one
// delivery in flight.
func WithDeliveryWorkers(n int) DistributerOption {
	return func(opts *distributerOptions) {
		opts.deliveryWorkers = n
	}
}

// WithRenotifyOnTruncation re-checks a listener whose cursor hit the
// row cap once it is exhausted.
func WithRenotifyOnTruncation(enabled bool) DistributerOption {
	return func(opts *distributerOptions) {
		opts.renotifyOnTruncation = enabled
	}
}
