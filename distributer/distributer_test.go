package distributer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/xlog"
)

type memFetcher struct {
	lock     sync.Mutex
	data     map[*model.Sensor][]*model.StreamElement
	nextPos  int64
	opens    atomic.Int64
	failOpen atomic.Bool
}

func newMemFetcher() *memFetcher {
	return &memFetcher{data: make(map[*model.Sensor][]*model.StreamElement)}
}

func (f *memFetcher) append(sensor *model.Sensor, n int) []*model.StreamElement {
	f.lock.Lock()
	defer f.lock.Unlock()
	res := make([]*model.StreamElement, 0, n)
	for i := 0; i < n; i++ {
		f.nextPos++
		e := &model.StreamElement{
			// Ten records share a timestamp to exercise the position tie-break.
			Timestamp: 1000 + f.nextPos/10,
			Position:  f.nextPos,
			Fields:    map[string]any{"v": f.nextPos},
		}
		f.data[sensor] = append(f.data[sensor], e)
		res = append(res, e)
	}
	return res
}

func (f *memFetcher) Open(_ context.Context, req FetchRequest) (Cursor, error) {
	f.opens.Add(1)
	if f.failOpen.Load() {
		return nil, errors.New("storage unavailable")
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	res := make([]*model.StreamElement, 0, 8)
	truncated := false
	for _, e := range f.data[req.Sensor] {
		if !e.After(req.StartTime, req.LastSeenPosition) {
			continue
		}
		if req.RowCap > 0 && len(res) == req.RowCap {
			truncated = true
			break
		}
		res = append(res, e)
	}
	return NewSliceCursor(res, truncated), nil
}

type recordingSink struct {
	lock        sync.Mutex
	got         []*model.StreamElement
	calls       atomic.Int64
	failAt      int64
	panicAt     int64
	keepAliveOK atomic.Bool
	keepAlives  atomic.Int64
	closed      atomic.Bool
	closes      atomic.Int64
	entered     chan struct{}
	gate        chan struct{}
}

func newRecordingSink() *recordingSink {
	s := &recordingSink{}
	s.keepAliveOK.Store(true)
	return s
}

func (s *recordingSink) Deliver(elem *model.StreamElement) bool {
	n := s.calls.Add(1)
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.panicAt > 0 && n == s.panicAt {
		panic("sink exploded")
	}
	if s.failAt > 0 && n >= s.failAt {
		return false
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.got = append(s.got, elem)
	return true
}

func (s *recordingSink) DeliverKeepAlive() bool {
	s.keepAlives.Add(1)
	return s.keepAliveOK.Load()
}

func (s *recordingSink) Close() error {
	s.closes.Add(1)
	s.closed.Store(true)
	return nil
}

func (s *recordingSink) IsClosed() bool {
	return s.closed.Load()
}

func (s *recordingSink) received() []*model.StreamElement {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := make([]*model.StreamElement, len(s.got))
	copy(res, s.got)
	return res
}

func positions(elems []*model.StreamElement) []int64 {
	res := make([]int64, 0, len(elems))
	for _, e := range elems {
		res = append(res, e.Position)
	}
	return res
}

func testLogger() xlog.XLogger {
	return xlog.NewXLogger(xlog.WithXLoggerLevel(xlog.LogLevelError))
}

func newTestDistributer(t *testing.T, f Fetcher, opts ...DistributerOption) *Distributer {
	d, err := NewDistributer(f, append([]DistributerOption{
		WithLogger(testLogger()),
		WithKeepAlivePeriod(0),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func newTestListener(t *testing.T, sensor *model.Sensor, sink Sink, opts ...ListenerOption) *Listener {
	l, err := NewListener(sensor, "", sink, opts...)
	require.NoError(t, err)
	return l
}

func TestNewDistributer_Invalid(t *testing.T) {
	_, err := NewDistributer(nil)
	require.ErrorIs(t, err, ErrNilFetcher)

	_, err = NewListener(nil, "", newRecordingSink())
	require.ErrorIs(t, err, ErrListenerNoSensor)
	_, err = NewListener(&model.Sensor{Name: "s"}, "", nil)
	require.ErrorIs(t, err, ErrListenerNoSink)
}

func TestListener_IdentityAndCursor(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	sink := newRecordingSink()
	l1 := newTestListener(t, sensor, sink)
	l2 := newTestListener(t, sensor, sink)
	require.NotEqual(t, l1.ID(), l2.ID())
	require.NotEqual(t, l1.Name(), l2.Name())

	l3 := newTestListener(t, sensor, sink,
		WithListenerStartTime(10),
		WithListenerLastSeenPosition(5),
		WithListenerName("custom"),
	)
	require.Equal(t, "custom", l3.Name())
	ts, pos := l3.Cursor()
	require.Equal(t, int64(10), ts)
	require.Equal(t, int64(5), pos)

	l3.advanceTo(10, 4)
	ts, pos = l3.Cursor()
	require.Equal(t, int64(10), ts)
	require.Equal(t, int64(5), pos)
	l3.advanceTo(11, 1)
	ts, pos = l3.Cursor()
	require.Equal(t, int64(11), ts)
	require.Equal(t, int64(1), pos)
}

func TestDistributer_NoDuplicateDelivery(t *testing.T) {
	testcases := []struct {
		name    string
		rowCap  int
		workers int
	}{
		{"unbounded", 0, 0},
		{"truncated", 7, 0},
		{"truncated with pool", 3, 4},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(tt *testing.T) {
			sensor := &model.Sensor{Name: "temp"}
			f := newMemFetcher()
			f.append(sensor, 50)
			d := newTestDistributer(tt, f,
				WithRowCap(tc.rowCap),
				WithDeliveryWorkers(tc.workers),
				WithRenotifyOnTruncation(true),
			)
			sink := newRecordingSink()
			require.NoError(tt, d.Register(newTestListener(tt, sensor, sink)))
			require.NoError(tt, d.Start())

			wg := sync.WaitGroup{}
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					d.Notify(sensor)
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					f.append(sensor, 5)
					d.Notify(sensor)
				}
			}()
			wg.Wait()
			f.lock.Lock()
			expected := append([]*model.StreamElement{}, f.data[sensor]...)
			f.lock.Unlock()

			require.Eventually(tt, func() bool {
				return len(sink.received()) >= len(expected)
			}, 5*time.Second, 5*time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			require.Equal(tt, positions(expected), positions(sink.received()))
			require.Eventually(tt, func() bool { return d.CandidateLen() == 0 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestDistributer_EvictOnDeliveryFailure(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	f := newMemFetcher()
	f.append(sensor, 10)
	d := newTestDistributer(t, f)
	sink := newRecordingSink()
	sink.failAt = 3
	l := newTestListener(t, sensor, sink)
	require.NoError(t, d.Register(l))
	require.NoError(t, d.Start())

	require.Eventually(t, func() bool { return !d.IsRegistered(l) }, time.Second, 5*time.Millisecond)
	require.True(t, sink.IsClosed())
	require.Equal(t, int64(3), sink.calls.Load())
	require.Len(t, sink.received(), 2)

	f.append(sensor, 5)
	d.Notify(sensor)
	require.Equal(t, 0, d.probeListeners())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(3), sink.calls.Load())
	require.Equal(t, int64(0), sink.keepAlives.Load())
	require.Equal(t, int64(1), sink.closes.Load())
	require.Equal(t, 0, d.CandidateLen())
}

func TestDistributer_ParkedListenerStaysQuiet(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	f := newMemFetcher()
	f.append(sensor, 3)
	d := newTestDistributer(t, f)
	sink := newRecordingSink()
	require.NoError(t, d.Register(newTestListener(t, sensor, sink)))
	require.NoError(t, d.Start())

	require.Eventually(t, func() bool { return len(sink.received()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.CandidateLen() == 0 }, time.Second, 5*time.Millisecond)
	opens := f.opens.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(3), sink.calls.Load())
	require.Equal(t, opens, f.opens.Load())

	// Notifying another sensor does not wake it either.
	d.Notify(&model.Sensor{Name: "temp"})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(3), sink.calls.Load())

	f.append(sensor, 1)
	d.Notify(sensor)
	require.Eventually(t, func() bool { return len(sink.received()) == 4 }, time.Second, 5*time.Millisecond)
}

func TestDistributer_PendingReconsideration(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	f := newMemFetcher()
	f.append(sensor, 3)
	d := newTestDistributer(t, f)
	sink := newRecordingSink()
	sink.entered = make(chan struct{}, 1)
	sink.gate = make(chan struct{})
	require.NoError(t, d.Register(newTestListener(t, sensor, sink)))
	require.Equal(t, int64(1), f.opens.Load())
	require.Equal(t, 1, d.CandidateLen())
	require.NoError(t, d.Start())

	<-sink.entered
	f.append(sensor, 2)
	d.Notify(sensor)
	d.Notify(sensor)
	require.Equal(t, int64(1), f.opens.Load())
	close(sink.gate)

	require.Eventually(t, func() bool { return len(sink.received()) == 5 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.CandidateLen() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), f.opens.Load())
	require.Equal(t, []int64{1, 2, 3, 4, 5}, positions(sink.received()))
}

func TestDistributer_ConcurrentUnregister(t *testing.T) {
	for _, workers := range []int{0, 8} {
		sensor := &model.Sensor{Name: "temp"}
		f := newMemFetcher()
		expected := positions(f.append(sensor, 20))
		d := newTestDistributer(t, f, WithDeliveryWorkers(workers))

		listeners := make([]*Listener, 0, 100)
		sinks := make([]*recordingSink, 0, 100)
		for i := 0; i < 100; i++ {
			sink := newRecordingSink()
			l := newTestListener(t, sensor, sink)
			require.NoError(t, d.Register(l))
			listeners = append(listeners, l)
			sinks = append(sinks, sink)
		}
		require.NoError(t, d.Start())

		wg := sync.WaitGroup{}
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(l *Listener) {
				defer wg.Done()
				assert.True(t, d.Unregister(l))
				d.Notify(sensor)
			}(listeners[i*2])
		}
		wg.Wait()
		require.Equal(t, 50, d.Len())

		require.Eventually(t, func() bool {
			for i := 1; i < 100; i += 2 {
				if len(sinks[i].received()) != len(expected) {
					return false
				}
			}
			return true
		}, 5*time.Second, 5*time.Millisecond)
		for i := 0; i < 100; i++ {
			if i%2 == 0 {
				require.True(t, sinks[i].IsClosed())
				require.False(t, d.IsRegistered(listeners[i]))
				require.Equal(t, int64(1), sinks[i].closes.Load())
				got := positions(sinks[i].received())
				require.True(t, sort.SliceIsSorted(got, func(a, b int) bool { return got[a] < got[b] }))
				continue
			}
			require.Equal(t, expected, positions(sinks[i].received()))
			require.False(t, sinks[i].IsClosed())
		}
		require.Eventually(t, func() bool { return d.CandidateLen() == 0 }, time.Second, 5*time.Millisecond)
		require.NoError(t, d.Stop())
	}
}

func TestDistributer_KeepAliveEviction(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	d := newTestDistributer(t, newMemFetcher(), WithKeepAlivePeriod(10*time.Millisecond))
	alive, dead := newRecordingSink(), newRecordingSink()
	dead.keepAliveOK.Store(false)
	la, ld := newTestListener(t, sensor, alive), newTestListener(t, sensor, dead)
	require.NoError(t, d.Register(la))
	require.NoError(t, d.Register(ld))
	require.NoError(t, d.Start())

	require.Eventually(t, func() bool { return !d.IsRegistered(ld) }, time.Second, 5*time.Millisecond)
	require.True(t, dead.IsClosed())
	require.True(t, d.IsRegistered(la))
	require.Eventually(t, func() bool { return alive.keepAlives.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), dead.keepAlives.Load())
}

func TestDistributer_CursorOpenFailureParks(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	f := newMemFetcher()
	f.append(sensor, 2)
	f.failOpen.Store(true)
	d := newTestDistributer(t, f)
	sink := newRecordingSink()
	l := newTestListener(t, sensor, sink)
	require.NoError(t, d.Register(l))
	require.True(t, d.IsRegistered(l))
	require.Equal(t, 0, d.CandidateLen())
	require.NoError(t, d.Start())

	d.Notify(sensor)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, sink.received())

	f.failOpen.Store(false)
	d.Notify(sensor)
	require.Eventually(t, func() bool { return len(sink.received()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestDistributer_DuplicateRegistration(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	d := newTestDistributer(t, newMemFetcher())
	l := newTestListener(t, sensor, newRecordingSink())
	require.NoError(t, d.Register(l))
	require.ErrorIs(t, d.Register(l), ErrDuplicateListener)
	require.ErrorIs(t, d.Register(nil), ErrNilListener)
	require.Equal(t, 1, d.Len())

	require.True(t, d.Unregister(l))
	require.False(t, d.Unregister(l))
	require.False(t, d.Unregister(nil))
}

func TestDistributer_ReRegisterMidDelivery(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	f := newMemFetcher()
	f.append(sensor, 1)
	d := newTestDistributer(t, f)
	sink := newRecordingSink()
	sink.entered = make(chan struct{}, 1)
	sink.gate = make(chan struct{})
	l := newTestListener(t, sensor, sink)
	require.NoError(t, d.Register(l))
	require.NoError(t, d.Start())

	<-sink.entered
	require.True(t, d.Unregister(l))
	// Re-registering would reopen the cursor behind the in-flight record.
	require.ErrorIs(t, d.Register(l), ErrListenerRetired)
	require.False(t, d.IsRegistered(l))
	close(sink.gate)

	require.Eventually(t, func() bool { return d.CandidateLen() == 0 }, time.Second, 5*time.Millisecond)
	require.Len(t, sink.received(), 1)
	require.Equal(t, int64(1), sink.calls.Load())

	// Idle listeners retire the same way.
	idle := newTestListener(t, sensor, newRecordingSink())
	require.NoError(t, d.Register(idle))
	require.True(t, d.Unregister(idle))
	require.ErrorIs(t, d.Register(idle), ErrListenerRetired)
}

func TestDistributer_UnregisterAllFor(t *testing.T) {
	s1 := &model.Sensor{Name: "temp"}
	s1Reloaded := &model.Sensor{Name: "temp"}
	d := newTestDistributer(t, newMemFetcher())
	sinks := []*recordingSink{newRecordingSink(), newRecordingSink(), newRecordingSink()}
	require.NoError(t, d.Register(newTestListener(t, s1, sinks[0])))
	require.NoError(t, d.Register(newTestListener(t, s1, sinks[1])))
	require.NoError(t, d.Register(newTestListener(t, s1Reloaded, sinks[2])))

	require.True(t, d.HasListeners(s1))
	require.Equal(t, 2, d.UnregisterAllFor(s1))
	require.False(t, d.HasListeners(s1))
	require.True(t, d.HasListeners(s1Reloaded))
	require.True(t, sinks[0].IsClosed())
	require.True(t, sinks[1].IsClosed())
	require.False(t, sinks[2].IsClosed())
	require.Equal(t, 0, d.UnregisterAllFor(s1))
}

func TestDistributer_PanickingSinkIsEvicted(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	f := newMemFetcher()
	f.append(sensor, 4)
	d := newTestDistributer(t, f)
	bad, good := newRecordingSink(), newRecordingSink()
	bad.panicAt = 2
	lb := newTestListener(t, sensor, bad)
	require.NoError(t, d.Register(lb))
	require.NoError(t, d.Register(newTestListener(t, sensor, good)))
	require.NoError(t, d.Start())

	require.Eventually(t, func() bool { return len(good.received()) == 4 }, time.Second, 5*time.Millisecond)
	require.False(t, d.IsRegistered(lb))
	require.Len(t, bad.received(), 1)
	require.True(t, bad.IsClosed())
}

func TestDistributer_TruncationPolicy(t *testing.T) {
	for _, renotify := range []bool{true, false} {
		sensor := &model.Sensor{Name: "temp"}
		f := newMemFetcher()
		f.append(sensor, 5)
		d := newTestDistributer(t, f, WithRowCap(2), WithRenotifyOnTruncation(renotify))
		sink := newRecordingSink()
		require.NoError(t, d.Register(newTestListener(t, sensor, sink)))
		require.NoError(t, d.Start())
		if renotify {
			require.Eventually(t, func() bool { return len(sink.received()) == 5 }, time.Second, 5*time.Millisecond)
			require.NoError(t, d.Stop())
			continue
		}
		require.Eventually(t, func() bool { return len(sink.received()) == 2 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return d.CandidateLen() == 0 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		require.Len(t, sink.received(), 2)
		d.Notify(sensor)
		require.Eventually(t, func() bool { return len(sink.received()) == 4 }, time.Second, 5*time.Millisecond)
		require.NoError(t, d.Stop())
	}
}

func TestDistributer_StartStop(t *testing.T) {
	sensor := &model.Sensor{Name: "temp"}
	f := newMemFetcher()
	f.append(sensor, 1)
	d := newTestDistributer(t, f)
	sink := newRecordingSink()
	require.NoError(t, d.Register(newTestListener(t, sensor, sink)))
	require.NoError(t, d.Start())
	require.ErrorIs(t, d.Start(), ErrDistributerStarted)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	require.True(t, sink.IsClosed())
	require.Equal(t, 0, d.Len())
	require.ErrorIs(t, d.Register(newTestListener(t, sensor, newRecordingSink())), ErrDistributerStopped)
	require.ErrorIs(t, d.Start(), ErrDistributerStopped)
}

func TestDistributer_Stats(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sensor := &model.Sensor{Name: "temp"}
	f := newMemFetcher()
	f.append(sensor, 3)
	d := newTestDistributer(t, f, WithName("stats"), WithMeterProvider(mp))
	sink := newRecordingSink()
	l := newTestListener(t, sensor, sink)
	require.NoError(t, d.Register(l))
	require.NoError(t, d.Start())
	require.Eventually(t, func() bool { return len(sink.received()) == 3 }, time.Second, 5*time.Millisecond)
	d.Unregister(l)

	rm := metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(3), sums["xsensor.distributer.deliveries"])
	require.Equal(t, int64(1), sums["xsensor.distributer.evictions"])
	require.Equal(t, int64(0), sums["xsensor.distributer.listeners"])
	require.GreaterOrEqual(t, sums["xsensor.distributer.cursor.opens"], int64(1))
}
