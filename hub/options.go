package hub

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/benz9527/xsensor/distributer"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/xlog"
)

// Kind selects the data view a distributer serves.
type Kind string

const (
	// KindPlain serves the durable store. A truncated cursor is re-checked
	// once drained, so long backlogs are delivered in row-capped batches.
	KindPlain Kind = "plain"
	// KindModel serves the in-memory window, which never needs a re-check.
	KindModel Kind = "model"
)

func (k Kind) String() string {
	return string(k)
}

// DefaultSinkFactory builds the sink of the in-process listener created
// for every loaded sensor.
type DefaultSinkFactory func(sensor *model.Sensor, kind Kind) (distributer.Sink, error)

type hubOptions struct {
	logger        xlog.XLogger
	meterProvider metric.MeterProvider
	defaultSinks  DefaultSinkFactory
	defaultKinds  []Kind
	purgeOnUnload bool
	distributers  map[Kind][]distributer.DistributerOption
}

type HubOption func(opts *hubOptions)

func WithHubLogger(logger xlog.XLogger) HubOption {
	return func(opts *hubOptions) {
		opts.logger = logger
	}
}

func WithHubMeterProvider(mp metric.MeterProvider) HubOption {
	return func(opts *hubOptions) {
		opts.meterProvider = mp
	}
}

// WithDefaultListeners registers one listener per kind on sensor load.
// No kinds means every kind.
func WithDefaultListeners(factory DefaultSinkFactory, kinds ...Kind) HubOption {
	return func(opts *hubOptions) {
		opts.defaultSinks = factory
		opts.defaultKinds = kinds
	}
}

// WithPurgeOnUnload deletes the durable records of an unloaded sensor.
func WithPurgeOnUnload() HubOption {
	return func(opts *hubOptions) {
		opts.purgeOnUnload = true
	}
}

// WithDistributerOptions tunes the distributer of one kind.
func WithDistributerOptions(kind Kind, dopts ...distributer.DistributerOption) HubOption {
	return func(opts *hubOptions) {
		opts.distributers[kind] = append(opts.distributers[kind], dopts...)
	}
}
