package ordering

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/benz9527/xsensor/lib/infra"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/xlog"
)

// NoHistory is the last accepted timestamp of a partition without records.
const NoHistory int64 = math.MinInt64

const lockStripes = 64

// MaxTimestampLoader reads the newest persisted timestamp of a partition.
type MaxTimestampLoader interface {
	MaxTimestamp(ctx context.Context, sensor *model.Sensor, partitionKey string) (int64, bool, error)
}

// ListenerPresence reports whether anybody listens to the sensor.
type ListenerPresence func(sensor *model.Sensor) bool

// Guard decides whether a record of one sensor arrives out of order
// relative to the last accepted record of its partition. Partitions are
// independent: interleaved sources only need to be ordered among
// themselves.
type Guard struct {
	sensor   *model.Sensor
	loader   MaxTimestampLoader
	presence ListenerPresence
	logger   xlog.XLogger
	stats    *guardStats
	sampler  *rate.Sometimes

	lock    sync.RWMutex
	table   map[string]*atomic.Int64
	stripes [lockStripes]sync.Mutex
}

type guardOptions struct {
	loader   MaxTimestampLoader
	presence ListenerPresence
	logger   xlog.XLogger
	mp       metric.MeterProvider
}

type GuardOption func(opts *guardOptions)

// WithMaxTimestampLoader seeds unseen partitions from persisted history.
func WithMaxTimestampLoader(loader MaxTimestampLoader) GuardOption {
	return func(opts *guardOptions) {
		opts.loader = loader
	}
}

// WithListenerPresence enables the fast accept when nobody listens.
func WithListenerPresence(presence ListenerPresence) GuardOption {
	return func(opts *guardOptions) {
		opts.presence = presence
	}
}

func WithGuardLogger(logger xlog.XLogger) GuardOption {
	return func(opts *guardOptions) {
		opts.logger = logger
	}
}

func WithGuardMeterProvider(mp metric.MeterProvider) GuardOption {
	return func(opts *guardOptions) {
		opts.mp = mp
	}
}

func NewGuard(sensor *model.Sensor, opts ...GuardOption) (*Guard, error) {
	if sensor == nil {
		return nil, infra.NewErrorStack("[ordering] nil sensor")
	}
	o := &guardOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = xlog.NewXLogger(xlog.WithXLoggerLevel(xlog.LogLevelInfo))
	}
	if o.mp == nil {
		o.mp = otel.GetMeterProvider()
	}
	return &Guard{
		sensor:   sensor,
		loader:   o.loader,
		presence: o.presence,
		logger:   o.logger,
		stats:    newGuardStats(o.mp, sensor.Name),
		sampler:  &rate.Sometimes{First: 3, Interval: 10 * time.Second},
		table:    make(map[string]*atomic.Int64, 8),
	}, nil
}

func (g *Guard) Sensor() *model.Sensor {
	return g.sensor
}

// IsOutOfOrder checks the record against the last accepted timestamp of
// its partition. A loader failure is returned with false and nothing is
// cached, so the next record retries the seed.
func (g *Guard) IsOutOfOrder(ctx context.Context, elem *model.StreamElement) (bool, error) {
	if elem == nil {
		return false, nil
	}
	if g.presence != nil && !g.presence(g.sensor) {
		g.stats.admitted(ctx, true)
		return false, nil
	}
	last, err := g.lastAcceptedOrSeed(ctx, elem.PartitionKey)
	if err != nil {
		return false, err
	}
	outOfOrder := elem.Timestamp <= last
	if g.sensor.AllowDuplicateTimestamps {
		outOfOrder = elem.Timestamp < last
	}
	if outOfOrder {
		g.stats.rejected(ctx)
		g.sampler.Do(func() {
			g.logger.Debug("out of order record rejected",
				zap.String("sensor", g.sensor.Name),
				zap.String("partition", elem.PartitionKey),
				zap.Int64("timed", elem.Timestamp),
				zap.Int64("lastAccepted", last),
			)
		})
		return true, nil
	}
	g.stats.admitted(ctx, false)
	return false, nil
}

// Accepted records a durably stored timestamp. The stored value only
// moves forward. A partition never seeded is left alone since its seed
// will read the stored record anyway.
func (g *Guard) Accepted(partitionKey string, ts int64) {
	if entry, ok := g.entry(partitionKey); ok {
		raise(entry, ts)
		return
	}
	stripe := g.stripe(partitionKey)
	stripe.Lock()
	defer stripe.Unlock()
	if entry, ok := g.entry(partitionKey); ok {
		raise(entry, ts)
		return
	}
	if g.loader == nil {
		g.store(partitionKey, ts)
	}
}

// LastAccepted returns the cached value without seeding.
func (g *Guard) LastAccepted(partitionKey string) (int64, bool) {
	entry, ok := g.entry(partitionKey)
	if !ok {
		return NoHistory, false
	}
	return entry.Load(), true
}

func (g *Guard) Partitions() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return len(g.table)
}

func (g *Guard) lastAcceptedOrSeed(ctx context.Context, partitionKey string) (int64, error) {
	if entry, ok := g.entry(partitionKey); ok {
		return entry.Load(), nil
	}
	stripe := g.stripe(partitionKey)
	stripe.Lock()
	defer stripe.Unlock()
	if entry, ok := g.entry(partitionKey); ok {
		return entry.Load(), nil
	}
	seed := NoHistory
	if g.loader != nil {
		ts, found, err := g.loader.MaxTimestamp(ctx, g.sensor, partitionKey)
		g.stats.seeded(ctx, err)
		if err != nil {
			return NoHistory, infra.WrapErrorStackWithMessage(err, "[ordering] seed last accepted timestamp")
		}
		if found {
			seed = ts
		}
	}
	g.store(partitionKey, seed)
	return seed, nil
}

func (g *Guard) entry(partitionKey string) (*atomic.Int64, bool) {
	g.lock.RLock()
	defer g.lock.RUnlock()
	entry, ok := g.table[partitionKey]
	return entry, ok
}

func (g *Guard) store(partitionKey string, ts int64) {
	entry := &atomic.Int64{}
	entry.Store(ts)
	g.lock.Lock()
	defer g.lock.Unlock()
	g.table[partitionKey] = entry
}

func (g *Guard) stripe(partitionKey string) *sync.Mutex {
	return &g.stripes[xxhash.Sum64String(partitionKey)%lockStripes]
}

func raise(entry *atomic.Int64, ts int64) {
	for {
		cur := entry.Load()
		if ts <= cur || entry.CompareAndSwap(cur, ts) {
			return
		}
	}
}
