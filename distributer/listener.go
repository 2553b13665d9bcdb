package distributer

import (
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benz9527/xsensor/lib/id"
	"github.com/benz9527/xsensor/model"
)

var listenerIDs id.Generator

func init() {
	gen, err := id.MonotonicNonZeroID()
	if err != nil {
		panic(err)
	}
	listenerIDs = gen
}

// Listener is a registered interest in one sensor's output. Two
// listeners are never equal because of their fields, only the id
// assigned at creation identifies them. A listener is registered at most
// once: after it is unregistered its sink is closed and it is retired.
type Listener struct {
	id      uint64
	name    string
	sensor  *model.Sensor
	query   model.Query
	sink    Sink
	retired atomic.Bool

	lock             sync.Mutex
	startTime        int64
	lastSeenPosition int64
}

type listenerOptions struct {
	name             string
	startTime        int64
	lastSeenPosition int64
}

type ListenerOption func(opts *listenerOptions)

// WithListenerStartTime skips records older than ts. Without it a new
// listener starts from the oldest stored record.
func WithListenerStartTime(ts int64) ListenerOption {
	return func(opts *listenerOptions) {
		opts.startTime = ts
	}
}

func WithListenerLastSeenPosition(pos int64) ListenerOption {
	return func(opts *listenerOptions) {
		opts.lastSeenPosition = pos
	}
}

func WithListenerName(name string) ListenerOption {
	return func(opts *listenerOptions) {
		opts.name = name
	}
}

func NewListener(sensor *model.Sensor, query model.Query, sink Sink, opts ...ListenerOption) (*Listener, error) {
	if sensor == nil {
		return nil, ErrListenerNoSensor
	}
	if sink == nil {
		return nil, ErrListenerNoSink
	}
	o := &listenerOptions{
		startTime:        math.MinInt64,
		lastSeenPosition: math.MinInt64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	l := &Listener{
		id:               listenerIDs.Number(),
		name:             o.name,
		sensor:           sensor,
		query:            query,
		sink:             sink,
		startTime:        o.startTime,
		lastSeenPosition: o.lastSeenPosition,
	}
	if l.name == "" {
		l.name = sensor.Name + "#" + strconv.FormatUint(l.id, 10)
	}
	return l, nil
}

func (l *Listener) ID() uint64            { return l.id }
func (l *Listener) Name() string          { return l.name }
func (l *Listener) Sensor() *model.Sensor { return l.sensor }
func (l *Listener) Query() model.Query    { return l.query }
func (l *Listener) Sink() Sink            { return l.sink }

// Cursor returns the resume anchor (startTime, lastSeenPosition).
func (l *Listener) Cursor() (int64, int64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.startTime, l.lastSeenPosition
}

// advanceTo moves the anchor forward only.
func (l *Listener) advanceTo(ts, pos int64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if ts < l.startTime || (ts == l.startTime && pos <= l.lastSeenPosition) {
		return
	}
	l.startTime, l.lastSeenPosition = ts, pos
}

func (l *Listener) fetchRequest(rowCap int) FetchRequest {
	ts, pos := l.Cursor()
	return FetchRequest{
		Sensor:           l.sensor,
		Query:            l.query,
		StartTime:        ts,
		LastSeenPosition: pos,
		RowCap:           rowCap,
	}
}

func (l *Listener) String() string {
	return l.name
}
