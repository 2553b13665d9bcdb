package distributer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/benz9527/xsensor/lib/infra"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/xlog"
)

// candidate is a listener believed to have pending data, with the
// cursor to drain. While a dispatch pass holds it (inUse) nothing else
// touches the cursor; an unregister during that time only detaches it
// and the pass closes the cursor on release.
type candidate struct {
	listener *Listener
	cursor   Cursor
	inUse    bool
	detached atomic.Bool
}

// Distributer pushes newly stored records to registered listeners.
//
// Registry, candidate set and pending-reconsideration set share one
// mutex. A single dispatch goroutine sweeps the candidate set and
// delivers at most one record per candidate per pass, so a listener
// with a large backlog never starves the others. Deliveries happen
// outside the mutex.
type Distributer struct {
	opts    *distributerOptions
	fetcher Fetcher
	logger  xlog.XLogger
	stats   *distributerStats
	pool    *ants.Pool

	lock       sync.Mutex
	wakeup     *sync.Cond
	listeners  map[uint64]*Listener
	candidates map[uint64]*candidate
	pending    map[uint64]struct{}
	stopping   bool

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewDistributer(fetcher Fetcher, opts ...DistributerOption) (*Distributer, error) {
	if fetcher == nil {
		return nil, ErrNilFetcher
	}
	o := &distributerOptions{
		name:            "default",
		keepAlivePeriod: defaultKeepAlivePeriod,
		rowCap:          defaultRowCap,
	}
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

	d := &Distributer{
		opts:       o,
		fetcher:    fetcher,
		logger:     o.logger,
		listeners:  make(map[uint64]*Listener, 64),
		candidates: make(map[uint64]*candidate, 64),
		pending:    make(map[uint64]struct{}, 16),
	}
	d.wakeup = sync.NewCond(&d.lock)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.stats = newDistributerStats(o.meterProvider, o.name, func() int64 {
		d.lock.Lock()
		defer d.lock.Unlock()
		return int64(len(d.candidates))
	})

	if o.deliveryWorkers > 1 {
		pool, err := ants.NewPool(o.deliveryWorkers,
			ants.WithPreAlloc(true),
			ants.WithLogger(xlog.NewAntsXLogger(d.logger)),
		)
		if err != nil {
			return nil, infra.WrapErrorStackWithMessage(err, "[distributer] unable to create delivery pool")
		}
		d.pool = pool
	}
	return d, nil
}

func (d *Distributer) Name() string {
	return d.opts.name
}

// Start launches the dispatch loop and the liveness monitor.
func (d *Distributer) Start() error {
	d.lock.Lock()
	stopping := d.stopping
	d.lock.Unlock()
	if stopping {
		return ErrDistributerStopped
	}
	if !d.started.CompareAndSwap(false, true) {
		return ErrDistributerStarted
	}

	d.wg.Add(1)
	go d.dispatchLoop()
	if d.opts.keepAlivePeriod > 0 {
		d.wg.Add(1)
		go d.keepAliveLoop(d.opts.keepAlivePeriod)
	}
	d.logger.Info("distributer started",
		zap.String("distributer", d.opts.name),
		zap.Duration("keepAlivePeriod", d.opts.keepAlivePeriod),
		zap.Int("rowCap", d.opts.rowCap),
		zap.Int("deliveryWorkers", d.opts.deliveryWorkers),
	)
	return nil
}

// Stop terminates the background goroutines and evicts every listener,
// closing their cursors and sinks. It is safe to call more than once.
func (d *Distributer) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.lock.Lock()
		d.stopping = true
		d.wakeup.Broadcast()
		d.lock.Unlock()
		d.cancel()
		d.wg.Wait()

		d.lock.Lock()
		remaining := make([]*Listener, 0, len(d.listeners))
		for _, l := range d.listeners {
			remaining = append(remaining, l)
		}
		d.lock.Unlock()
		for _, l := range remaining {
			d.unregister(l, evictStop)
		}
		if d.pool != nil {
			err = d.pool.ReleaseTimeout(3 * time.Second)
		}
		d.logger.Info("distributer stopped", zap.String("distributer", d.opts.name))
	})
	return err
}

// Register adds the listener and admits it to the candidate set when
// its cursor already has data. A listener registered twice, or one that
// was unregistered before, is rejected.
func (d *Distributer) Register(l *Listener) error {
	if l == nil {
		return ErrNilListener
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.stopping {
		return ErrDistributerStopped
	}
	if l.retired.Load() {
		return ErrListenerRetired
	}
	if _, exists := d.listeners[l.id]; exists {
		d.logger.Warn("listener already registered, ignored",
			zap.String("distributer", d.opts.name),
			zap.String("listener", l.name),
		)
		return ErrDuplicateListener
	}
	d.listeners[l.id] = l
	d.stats.registered(d.ctx)
	d.admitLocked(l)
	return nil
}

// Unregister is idempotent. It reports whether the listener was registered.
func (d *Distributer) Unregister(l *Listener) bool {
	if l == nil {
		return false
	}
	return d.unregister(l, evictUnsubscribe)
}

// UnregisterAllFor evicts every listener of the sensor instance.
func (d *Distributer) UnregisterAllFor(sensor *model.Sensor) int {
	victims := d.listenersOf(sensor)
	n := 0
	for _, l := range victims {
		if d.unregister(l, evictSensorUnload) {
			n++
		}
	}
	return n
}

// Notify tells the distributer the sensor may have fresh data. Idle
// listeners of the sensor get a fresh cursor; listeners being drained
// are flagged and reconsidered once their cursor is exhausted.
func (d *Distributer) Notify(sensor *model.Sensor) {
	if sensor == nil {
		return
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.stopping {
		return
	}
	for id, l := range d.listeners {
		if l.sensor != sensor {
			continue
		}
		if _, isCandidate := d.candidates[id]; isCandidate {
			d.pending[id] = struct{}{}
			continue
		}
		d.admitLocked(l)
	}
}

// HasListeners reports whether any listener of the sensor is registered.
func (d *Distributer) HasListeners(sensor *model.Sensor) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, l := range d.listeners {
		if l.sensor == sensor {
			return true
		}
	}
	return false
}

func (d *Distributer) IsRegistered(l *Listener) bool {
	if l == nil {
		return false
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	_, ok := d.listeners[l.id]
	return ok
}

func (d *Distributer) Len() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.listeners)
}

func (d *Distributer) CandidateLen() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.candidates)
}

func (d *Distributer) listenersOf(sensor *model.Sensor) []*Listener {
	d.lock.Lock()
	defer d.lock.Unlock()
	res := make([]*Listener, 0, 8)
	for _, l := range d.listeners {
		if l.sensor == sensor {
			res = append(res, l)
		}
	}
	return res
}

func (d *Distributer) snapshotListeners() []*Listener {
	d.lock.Lock()
	defer d.lock.Unlock()
	res := make([]*Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		res = append(res, l)
	}
	return res
}

// openLocked opens a fresh cursor from the listener's resume anchor.
// Failures are logged and read as "no data".
func (d *Distributer) openLocked(l *Listener) Cursor {
	cur, hasNext, err := d.safeOpen(l)
	d.stats.opened(d.ctx, err)
	if err != nil {
		d.logger.ErrorStack(infra.WrapErrorStack(err), "cursor open failed, listener parked",
			zap.String("distributer", d.opts.name),
			zap.String("listener", l.name),
		)
		return nil
	}
	if cur == nil {
		return nil
	}
	if !hasNext {
		d.closeCursor(l, cur)
		return nil
	}
	return cur
}

func (d *Distributer) safeOpen(l *Listener) (cur Cursor, hasNext bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = infra.NewErrorStack(fmt.Sprintf("[distributer] fetcher panic: %v", r))
			if cur != nil {
				d.closeCursor(l, cur)
			}
			cur, hasNext = nil, false
		}
	}()
	if cur, err = d.fetcher.Open(d.ctx, l.fetchRequest(d.opts.rowCap)); err != nil || cur == nil {
		return nil, false, err
	}
	return cur, cur.HasNext(), nil
}

func (d *Distributer) admitLocked(l *Listener) {
	cur := d.openLocked(l)
	if cur == nil {
		return
	}
	d.candidates[l.id] = &candidate{listener: l, cursor: cur}
	d.wakeup.Signal()
}

func (d *Distributer) unregister(l *Listener, reason evictReason) bool {
	d.lock.Lock()
	if _, ok := d.listeners[l.id]; !ok {
		d.lock.Unlock()
		return false
	}
	delete(d.listeners, l.id)
	delete(d.pending, l.id)
	l.retired.Store(true)
	var cur Cursor
	if c, ok := d.candidates[l.id]; ok {
		delete(d.candidates, l.id)
		if c.inUse {
			c.detached.Store(true)
		} else {
			cur = c.cursor
		}
	}
	d.lock.Unlock()

	if cur != nil {
		d.closeCursor(l, cur)
	}
	if err := safeClose(l.sink); err != nil {
		d.logger.Error(err, "sink close failed",
			zap.String("distributer", d.opts.name),
			zap.String("listener", l.name),
		)
	}
	d.stats.evicted(d.ctx, reason)
	d.logger.Debug("listener unregistered",
		zap.String("distributer", d.opts.name),
		zap.String("listener", l.name),
		zap.String("reason", string(reason)),
	)
	return true
}

func (d *Distributer) closeCursor(l *Listener, cur Cursor) {
	if cur == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(nil, "cursor close panicked",
				zap.String("distributer", d.opts.name),
				zap.String("listener", l.name),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := cur.Close(); err != nil {
		d.logger.Warn("cursor close failed",
			zap.String("distributer", d.opts.name),
			zap.String("listener", l.name),
			zap.String("error", err.Error()),
		)
	}
}
