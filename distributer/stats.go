package distributer

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type evictReason string

const (
	evictUnsubscribe   evictReason = "unsubscribe"
	evictSensorUnload  evictReason = "sensor_unload"
	evictDeliverFailed evictReason = "deliver_failed"
	evictSinkClosed    evictReason = "sink_closed"
	evictKeepAlive     evictReason = "keepalive_failed"
	evictPanic         evictReason = "panic"
	evictStop          evictReason = "stop"
)

type distributerStats struct {
	attrs       metric.MeasurementOption
	deliveries  metric.Int64Counter
	evictions   metric.Int64Counter
	opens       metric.Int64Counter
	openErrors  metric.Int64Counter
	keepAlives  metric.Int64Counter
	listeners   metric.Int64UpDownCounter
	candidates  metric.Int64ObservableGauge
	passLatency metric.Float64Histogram
}

func newDistributerStats(mp metric.MeterProvider, name string, candidateLen func() int64) *distributerStats {
	meter := mp.Meter("xsensor/distributer")
	stats := &distributerStats{
		attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String("distributer", name))),
		deliveries: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xsensor.distributer.deliveries",
			metric.WithDescription("Records delivered to listener sinks."),
		)),
		evictions: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xsensor.distributer.evictions",
			metric.WithDescription("Listeners removed, by reason."),
		)),
		opens: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xsensor.distributer.cursor.opens",
			metric.WithDescription("Cursors opened by the fetcher."),
		)),
		openErrors: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xsensor.distributer.cursor.open_errors",
			metric.WithDescription("Cursor opens failed and treated as no data."),
		)),
		keepAlives: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xsensor.distributer.keepalives",
			metric.WithDescription("Keep-alive probes sent, by result."),
		)),
		listeners: lo.Must[metric.Int64UpDownCounter](meter.Int64UpDownCounter(
			"xsensor.distributer.listeners",
			metric.WithDescription("Registered listeners."),
		)),
		passLatency: lo.Must[metric.Float64Histogram](meter.Float64Histogram(
			"xsensor.distributer.pass.duration",
			metric.WithDescription("Duration of one sweep over the candidate set."),
			metric.WithUnit("ms"),
		)),
	}
	stats.candidates = lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
		"xsensor.distributer.candidates",
		metric.WithDescription("Listeners currently believed to have pending data."),
		metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
			ob.Observe(candidateLen(), metric.WithAttributes(attribute.String("distributer", name)))
			return nil
		}),
	))
	return stats
}

func (s *distributerStats) delivered(ctx context.Context) {
	s.deliveries.Add(ctx, 1, s.attrs)
}

func (s *distributerStats) evicted(ctx context.Context, reason evictReason) {
	s.evictions.Add(ctx, 1, s.attrs, metric.WithAttributes(attribute.String("reason", string(reason))))
	s.listeners.Add(ctx, -1, s.attrs)
}

func (s *distributerStats) registered(ctx context.Context) {
	s.listeners.Add(ctx, 1, s.attrs)
}

func (s *distributerStats) opened(ctx context.Context, err error) {
	if err != nil {
		s.openErrors.Add(ctx, 1, s.attrs)
		return
	}
	s.opens.Add(ctx, 1, s.attrs)
}

func (s *distributerStats) keepAlive(ctx context.Context, ok bool) {
	s.keepAlives.Add(ctx, 1, s.attrs, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (s *distributerStats) pass(ctx context.Context, begin time.Time) {
	s.passLatency.Record(ctx, float64(time.Since(begin).Microseconds())/1000.0, s.attrs)
}
