package observability

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/process"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

type appStats struct {
	goroutines metric.Int64ObservableUpDownCounter
	processes  metric.Int64ObservableUpDownCounter
	cpuPercent metric.Float64ObservableGauge
	rss        metric.Int64ObservableGauge
	fds        metric.Int64ObservableGauge
}

func meterName(name string) string {
	builder := &strings.Builder{}
	builder.WriteString("xsensor/app/")
	if len(strings.TrimSpace(name)) > 0 {
		builder.WriteString(name)
	} else {
		builder.WriteString("default")
	}
	return builder.String()
}

// InitAppStats registers the go runtime instrumentation and the process
// gauges on mp. processStats adds cpu, rss and open fds read through
// gopsutil.
func InitAppStats(mp metric.MeterProvider, name string, processStats bool) error {
	meter := mp.Meter(meterName(name), metric.WithInstrumentationVersion(otelruntime.Version()))
	stats := &appStats{
		goroutines: lo.Must[metric.Int64ObservableUpDownCounter](meter.Int64ObservableUpDownCounter(
			"app.core.goroutines",
			metric.WithDescription(`The application goroutines' info.`),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(int64(runtime.NumGoroutine()))
				return nil
			}),
		)),
		processes: lo.Must[metric.Int64ObservableUpDownCounter](meter.Int64ObservableUpDownCounter(
			"app.core.processes",
			metric.WithDescription(`The application processes' info.`),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(int64(runtime.GOMAXPROCS(0)))
				return nil
			}),
		)),
	}
	if processStats {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return err
		}
		stats.cpuPercent = lo.Must[metric.Float64ObservableGauge](meter.Float64ObservableGauge(
			"app.process.cpu.percent",
			metric.WithDescription(`The process cpu usage since start.`),
			metric.WithUnit("%"),
		))
		stats.rss = lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"app.process.memory.rss",
			metric.WithDescription(`The process resident set size.`),
			metric.WithUnit("By"),
		))
		stats.fds = lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"app.process.fds",
			metric.WithDescription(`The process open file descriptors.`),
		))
		if _, err = meter.RegisterCallback(func(ctx context.Context, ob metric.Observer) error {
			var errs error
			if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
				ob.ObserveFloat64(stats.cpuPercent, cpu)
			} else {
				errs = multierr.Append(errs, err)
			}
			if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
				ob.ObserveInt64(stats.rss, int64(mem.RSS))
			} else {
				errs = multierr.Append(errs, err)
			}
			// Not every platform counts descriptors.
			if fds, err := proc.NumFDsWithContext(ctx); err == nil {
				ob.ObserveInt64(stats.fds, int64(fds))
			}
			return errs
		}, stats.cpuPercent, stats.rss, stats.fds); err != nil {
			return err
		}
	}
	return otelruntime.Start(otelruntime.WithMeterProvider(mp))
}
