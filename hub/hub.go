package hub

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/benz9527/xsensor/distributer"
	"github.com/benz9527/xsensor/lib/infra"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/ordering"
	"github.com/benz9527/xsensor/storage"
	"github.com/benz9527/xsensor/wrapper"
	"github.com/benz9527/xsensor/xlog"
)

var _ wrapper.Publisher = (*Hub)(nil)

var kinds = []Kind{KindPlain, KindModel}

type loadedSensor struct {
	sensor *model.Sensor
	guard  *ordering.Guard
	// ingest serializes the guard check with the insert, so two
	// concurrent producers of one sensor cannot both pass the check.
	ingest sync.Mutex
}

// Hub ties the virtual sensor lifecycle to the distribution engine. It
// owns one distributer per kind, the ordering guards of loaded sensors
// and the ingestion path feeding both.
type Hub struct {
	opts         *hubOptions
	logger       xlog.XLogger
	store        *storage.Store
	windows      *storage.WindowStore
	distributers map[Kind]*distributer.Distributer

	lock    sync.RWMutex
	sensors map[string]*loadedSensor
}

func NewHub(store *storage.Store, windows *storage.WindowStore, opts ...HubOption) (*Hub, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if windows == nil {
		return nil, ErrNilWindowStore
	}
	o := &hubOptions{distributers: make(map[Kind][]distributer.DistributerOption, len(kinds))}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = xlog.NewXLogger(xlog.WithXLoggerLevel(xlog.LogLevelInfo))
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.defaultSinks != nil && len(o.defaultKinds) == 0 {
		o.defaultKinds = kinds
	}

	h := &Hub{
		opts:         o,
		logger:       o.logger,
		store:        store,
		windows:      windows,
		distributers: make(map[Kind]*distributer.Distributer, len(kinds)),
		sensors:      make(map[string]*loadedSensor, 16),
	}
	fetchers := map[Kind]distributer.Fetcher{KindPlain: store, KindModel: windows}
	for _, kind := range kinds {
		dopts := append([]distributer.DistributerOption{
			distributer.WithName(kind.String()),
			distributer.WithLogger(o.logger),
			distributer.WithMeterProvider(o.meterProvider),
			distributer.WithRenotifyOnTruncation(kind == KindPlain),
		}, o.distributers[kind]...)
		d, err := distributer.NewDistributer(fetchers[kind], dopts...)
		if err != nil {
			return nil, infra.WrapErrorStackWithMessage(err, "[hub] create "+kind.String()+" distributer")
		}
		h.distributers[kind] = d
	}
	return h, nil
}

func (h *Hub) Start() error {
	var started []*distributer.Distributer
	for _, kind := range kinds {
		d := h.distributers[kind]
		if err := d.Start(); err != nil {
			for _, s := range started {
				_ = s.Stop()
			}
			return infra.WrapErrorStackWithMessage(err, "[hub] start "+kind.String()+" distributer")
		}
		started = append(started, d)
	}
	return nil
}

// Stop stops every distributer, evicting all listeners.
func (h *Hub) Stop() error {
	var errs error
	for _, kind := range kinds {
		errs = multierr.Append(errs, h.distributers[kind].Stop())
	}
	return errs
}

func (h *Hub) Distributer(kind Kind) (*distributer.Distributer, bool) {
	d, ok := h.distributers[kind]
	return d, ok
}

// Sensor returns the loaded sensor of that name.
func (h *Hub) Sensor(name string) (*model.Sensor, bool) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	ls, ok := h.sensors[name]
	if !ok {
		return nil, false
	}
	return ls.sensor, true
}

func (h *Hub) Sensors() []*model.Sensor {
	h.lock.RLock()
	defer h.lock.RUnlock()
	res := make([]*model.Sensor, 0, len(h.sensors))
	for _, ls := range h.sensors {
		res = append(res, ls.sensor)
	}
	return res
}

// OnSensorLoad prepares the guard and window of a freshly loaded sensor
// and registers its default listeners.
func (h *Hub) OnSensorLoad(sensor *model.Sensor) error {
	if sensor == nil {
		return ErrNilSensor
	}
	guard, err := ordering.NewGuard(sensor,
		ordering.WithMaxTimestampLoader(h.store),
		ordering.WithListenerPresence(h.hasListeners),
		ordering.WithGuardLogger(h.logger),
		ordering.WithGuardMeterProvider(h.opts.meterProvider),
	)
	if err != nil {
		return err
	}

	h.lock.Lock()
	if _, ok := h.sensors[sensor.Name]; ok {
		h.lock.Unlock()
		return ErrSensorLoaded
	}
	if err = h.windows.Create(sensor); err != nil {
		h.lock.Unlock()
		return infra.WrapErrorStackWithMessage(err, "[hub] create window")
	}
	h.sensors[sensor.Name] = &loadedSensor{sensor: sensor, guard: guard}
	h.lock.Unlock()

	if err = h.registerDefaults(sensor); err != nil {
		// Keep the durable history of the name, it predates this load.
		h.forget(sensor)
		h.release(sensor)
		return err
	}
	h.logger.Info("sensor loaded",
		zap.String("sensor", sensor.Name),
		zap.String("partitionField", sensor.PartitionField),
	)
	return nil
}

func (h *Hub) registerDefaults(sensor *model.Sensor) error {
	if h.opts.defaultSinks == nil {
		return nil
	}
	for _, kind := range h.opts.defaultKinds {
		d, ok := h.distributers[kind]
		if !ok {
			return ErrUnknownKind
		}
		sink, err := h.opts.defaultSinks(sensor, kind)
		if err != nil {
			return infra.WrapErrorStackWithMessage(err, "[hub] build default sink")
		}
		if sink == nil {
			return ErrNilDefaultSink
		}
		l, err := distributer.NewListener(sensor, "", sink,
			distributer.WithListenerName(sensor.Name+"/"+kind.String()+"/default"),
		)
		if err != nil {
			_ = sink.Close()
			return err
		}
		if err = d.Register(l); err != nil {
			_ = sink.Close()
			return err
		}
	}
	return nil
}

// OnSensorUnload evicts every listener of the sensor and forgets its
// guard and window. It returns the number of evicted listeners. Only the
// currently loaded instance purges the durable records of its name.
func (h *Hub) OnSensorUnload(sensor *model.Sensor) int {
	if sensor == nil {
		return 0
	}
	current := h.forget(sensor)
	evicted := h.release(sensor)
	if current && h.opts.purgeOnUnload {
		if n, err := h.store.Purge(context.Background(), sensor); err != nil {
			h.logger.ErrorStack(err, "purge unloaded sensor failed", zap.String("sensor", sensor.Name))
		} else {
			h.logger.Debug("unloaded sensor purged", zap.String("sensor", sensor.Name), zap.Int64("records", n))
		}
	}
	h.logger.Info("sensor unloaded",
		zap.String("sensor", sensor.Name),
		zap.Int("listeners", evicted),
		zap.Bool("current", current),
	)
	return evicted
}

// forget removes the sensor from the loaded set if it is that exact
// instance.
func (h *Hub) forget(sensor *model.Sensor) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	ls, ok := h.sensors[sensor.Name]
	if !ok || ls.sensor != sensor {
		return false
	}
	delete(h.sensors, sensor.Name)
	return true
}

// release evicts the listeners of the instance and drops its window.
func (h *Hub) release(sensor *model.Sensor) int {
	evicted := 0
	for _, kind := range kinds {
		evicted += h.distributers[kind].UnregisterAllFor(sensor)
	}
	h.windows.Drop(sensor)
	return evicted
}

func (h *Hub) loaded(sensor *model.Sensor) (*loadedSensor, bool) {
	if sensor == nil {
		return nil, false
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	ls, ok := h.sensors[sensor.Name]
	if !ok || ls.sensor != sensor {
		return nil, false
	}
	return ls, true
}

// Publish ingests one reading: ordering check, durable insert and window
// append under the sensor's ingest lock, then a notification to every
// distributer. An out-of-order reading is dropped with ErrOutOfOrder and
// reaches nobody.
func (h *Hub) Publish(ctx context.Context, sensor *model.Sensor, elem *model.StreamElement) error {
	if elem == nil {
		return storage.ErrNilElement
	}
	ls, ok := h.loaded(sensor)
	if !ok {
		return ErrSensorNotLoaded
	}
	if elem.PartitionKey == "" {
		elem.PartitionKey = sensor.PartitionKeyOf(elem.Fields)
	}

	ls.ingest.Lock()
	outOfOrder, err := ls.guard.IsOutOfOrder(ctx, elem)
	if err != nil {
		h.logger.Warn("ordering check unavailable, record admitted",
			zap.String("sensor", sensor.Name),
			zap.String("partition", elem.PartitionKey),
			zap.String("error", err.Error()),
		)
	}
	if outOfOrder {
		ls.ingest.Unlock()
		return ErrOutOfOrder
	}
	if err = h.store.Insert(ctx, sensor, elem); err != nil {
		ls.ingest.Unlock()
		return err
	}
	ls.guard.Accepted(elem.PartitionKey, elem.Timestamp)
	// The window must see records in position order, or a listener
	// already past a later position skips the earlier one.
	if err = h.windows.Append(sensor, elem); err != nil {
		h.logger.Debug("window append skipped",
			zap.String("sensor", sensor.Name),
			zap.String("error", err.Error()),
		)
	}
	ls.ingest.Unlock()

	for _, kind := range kinds {
		h.distributers[kind].Notify(sensor)
	}
	return nil
}

// Subscribe registers a listener on the distributer of kind for the
// loaded sensor of that name.
func (h *Hub) Subscribe(
	kind Kind,
	sensorName string,
	query model.Query,
	sink distributer.Sink,
	opts ...distributer.ListenerOption,
) (*distributer.Listener, error) {
	d, ok := h.distributers[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	sensor, ok := h.Sensor(sensorName)
	if !ok {
		return nil, ErrSensorNotLoaded
	}
	l, err := distributer.NewListener(sensor, query, sink, opts...)
	if err != nil {
		return nil, err
	}
	if err = d.Register(l); err != nil {
		return nil, err
	}
	h.logger.Debug("listener subscribed",
		zap.String("kind", kind.String()),
		zap.String("listener", l.Name()),
		zap.String("query", string(query)),
	)
	return l, nil
}

// Unsubscribe is idempotent.
func (h *Hub) Unsubscribe(l *distributer.Listener) bool {
	if l == nil {
		return false
	}
	removed := false
	for _, kind := range kinds {
		removed = h.distributers[kind].Unregister(l) || removed
	}
	return removed
}

// LastAccepted exposes the ordering state of a partition.
func (h *Hub) LastAccepted(sensor *model.Sensor, partitionKey string) (int64, bool) {
	ls, ok := h.loaded(sensor)
	if !ok {
		return ordering.NoHistory, false
	}
	return ls.guard.LastAccepted(partitionKey)
}

func (h *Hub) hasListeners(sensor *model.Sensor) bool {
	for _, kind := range kinds {
		if h.distributers[kind].HasListeners(sensor) {
			return true
		}
	}
	return false
}
