package app

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/benz9527/xsensor/config"
	"github.com/benz9527/xsensor/distributer"
	"github.com/benz9527/xsensor/hub"
	"github.com/benz9527/xsensor/lib/infra"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/observability"
	"github.com/benz9527/xsensor/storage"
	"github.com/benz9527/xsensor/wrapper"
	"github.com/benz9527/xsensor/xlog"
)

// Module wires the whole middleware from one configuration. The logger
// is supplied by the caller so that a config reload can retune it.
func Module(cfg *config.Config, logger xlog.XLogger) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(func() xlog.XLogger { return logger }),
		fx.WithLogger(func(logger xlog.XLogger) fxevent.Logger {
			return xlog.NewFxXLogger(logger)
		}),
		fx.Provide(
			newMetrics,
			newDB,
			newStore,
			newWindowStore,
			newTransports,
			newHub,
		),
		fx.Invoke(loadSensors),
	)
}

// NewLogger builds the root logger of the configuration.
func NewLogger(cfg *config.Config) xlog.XLogger {
	return xlog.NewXLogger(
		xlog.WithXLoggerLevel(xlog.ParseLogLevel(cfg.Log.Level)),
		xlog.WithXLoggerEncoder(xlog.ParseLogEncoder(cfg.Log.Encoder)),
	)
}

type metricsOut struct {
	fx.Out
	Metrics  *observability.Metrics
	Provider metric.MeterProvider
}

func newMetrics(lc fx.Lifecycle, cfg *config.Config) (metricsOut, error) {
	m, err := observability.NewMetrics(
		observability.ExporterType(cfg.Metrics.Exporter),
		observability.WithExportInterval(cfg.Metrics.Interval),
		observability.WithGlobalMeterProvider(),
	)
	if err != nil {
		return metricsOut{}, err
	}
	if err = observability.InitAppStats(m.Provider, "xsensor", cfg.Metrics.ProcessStats); err != nil {
		return metricsOut{}, err
	}
	lc.Append(fx.StopHook(m.Shutdown))
	return metricsOut{Metrics: m, Provider: m.Provider}, nil
}

func newDB(lc fx.Lifecycle, cfg *config.Config, logger xlog.XLogger) (*gorm.DB, error) {
	db, err := storage.OpenSQLite(cfg.Storage.DSN, logger, cfg.Storage.SlowThreshold)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return infra.WrapErrorStack(err)
		}
		return sqlDB.Close()
	}))
	return db, nil
}

func newStore(db *gorm.DB, logger xlog.XLogger) (*storage.Store, error) {
	return storage.NewStore(db, storage.WithStoreLogger(logger))
}

func newWindowStore(cfg *config.Config) *storage.WindowStore {
	return storage.NewWindowStore(storage.WithDefaultWindowSize(cfg.Storage.DefaultWindowSize))
}

func newHub(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger xlog.XLogger,
	mp metric.MeterProvider,
	store *storage.Store,
	windows *storage.WindowStore,
) (*hub.Hub, error) {
	dopts := []distributer.DistributerOption{
		distributer.WithKeepAlivePeriod(cfg.Distributer.KeepAlivePeriod),
		distributer.WithRowCap(cfg.Distributer.RowCap),
		distributer.WithDeliveryWorkers(cfg.Distributer.DeliveryWorkers),
	}
	opts := []hub.HubOption{
		hub.WithHubLogger(logger),
		hub.WithHubMeterProvider(mp),
		hub.WithDistributerOptions(hub.KindPlain, dopts...),
		hub.WithDistributerOptions(hub.KindModel, dopts...),
	}
	if cfg.Storage.PurgeOnUnload {
		opts = append(opts, hub.WithPurgeOnUnload())
	}
	h, err := hub.NewHub(store, windows, opts...)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return h.Start()
		},
		OnStop: func(ctx context.Context) error {
			return h.Stop()
		},
	})
	return h, nil
}

// sensors loads the configured sensors into the hub, opens their
// subscriptions and runs their synthetic wrappers.
type sensors struct {
	cfg        *config.Config
	logger     xlog.XLogger
	hub        *hub.Hub
	transports *Transports
	loaded     []*model.Sensor
	wrappers   []*wrapper.Synthetic
}

func loadSensors(lc fx.Lifecycle, cfg *config.Config, logger xlog.XLogger, h *hub.Hub, transports *Transports) {
	s := &sensors{cfg: cfg, logger: logger, hub: h, transports: transports}
	lc.Append(fx.Hook{
		OnStart: s.start,
		OnStop:  s.stop,
	})
}

func (s *sensors) start(ctx context.Context) error {
	for _, sc := range s.cfg.Sensors {
		sensor := &model.Sensor{
			Name:                     sc.Name,
			PartitionField:           sc.PartitionField,
			AllowDuplicateTimestamps: sc.AllowDuplicateTimestamps,
			WindowSize:               sc.WindowSize,
		}
		if err := s.hub.OnSensorLoad(sensor); err != nil {
			return infra.WrapErrorStackWithMessage(err, "[app] load sensor "+sc.Name)
		}
		s.loaded = append(s.loaded, sensor)
	}
	for i, sub := range s.cfg.Subscriptions {
		if err := s.subscribe(i, sub); err != nil {
			return err
		}
	}
	for i, sc := range s.cfg.Sensors {
		if !sc.Synthetic.Enabled {
			continue
		}
		w, err := wrapper.NewSynthetic(s.loaded[i], s.hub,
			wrapper.WithSyntheticRate(sc.Synthetic.Period, 1),
			wrapper.WithSyntheticPartitions(sc.Synthetic.Partitions...),
			wrapper.WithSyntheticLogger(s.logger),
		)
		if err != nil {
			return err
		}
		// The wrapper outlives the start context.
		if err = w.Start(context.Background()); err != nil {
			return err
		}
		s.wrappers = append(s.wrappers, w)
	}
	return nil
}

func (s *sensors) subscribe(i int, sub config.SubscriptionConfig) error {
	sensor, ok := s.hub.Sensor(sub.Sensor)
	if !ok {
		return hub.ErrSensorNotLoaded
	}
	name := sub.Name
	if name == "" {
		name = sub.Sensor + "/" + sub.Transport
	}
	out, err := s.transports.NewSink(sub, sensor, name)
	if err != nil {
		return infra.WrapErrorStackWithMessage(err, "[app] subscription "+name)
	}
	kind := hub.KindPlain
	if sub.Kind != "" {
		kind = hub.Kind(sub.Kind)
	}
	if _, err = s.hub.Subscribe(kind, sub.Sensor, model.Query(sub.Query), out,
		distributer.WithListenerName(name),
	); err != nil {
		_ = out.Close()
		return err
	}
	s.logger.Info("subscription opened",
		zap.Int("index", i),
		zap.String("listener", name),
		zap.String("transport", sub.Transport),
	)
	return nil
}

func (s *sensors) stop(ctx context.Context) error {
	for _, w := range s.wrappers {
		w.Stop()
	}
	for _, sensor := range s.loaded {
		s.hub.OnSensorUnload(sensor)
	}
	return nil
}
