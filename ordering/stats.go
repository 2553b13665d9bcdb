package ordering

import (
	"context"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type guardStats struct {
	attrs    metric.MeasurementOption
	accepts  metric.Int64Counter
	rejects  metric.Int64Counter
	seeds    metric.Int64Counter
}

func newGuardStats(mp metric.MeterProvider, sensor string) *guardStats {
	meter := mp.Meter("xsensor/ordering")
	return &guardStats{
		attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String("sensor", sensor))),
		accepts: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xsensor.ordering.accepted",
			metric.WithDescription("Records admitted by the ordering guard."),
		)),
		rejects: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xsensor.ordering.rejected",
			metric.WithDescription("Out of order records rejected by the ordering guard."),
		)),
		seeds: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xsensor.ordering.seeds",
			metric.WithDescription("Partition seeds read from the persisted store."),
		)),
	}
}

func (s *guardStats) admitted(ctx context.Context, fast bool) {
	s.accepts.Add(ctx, 1, s.attrs, metric.WithAttributes(attribute.Bool("fast", fast)))
}

func (s *guardStats) rejected(ctx context.Context) {
	s.rejects.Add(ctx, 1, s.attrs)
}

func (s *guardStats) seeded(ctx context.Context, err error) {
	s.seeds.Add(ctx, 1, s.attrs, metric.WithAttributes(attribute.Bool("ok", err == nil)))
}
