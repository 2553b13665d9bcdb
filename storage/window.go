package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/benz9527/xsensor/distributer"
	"github.com/benz9527/xsensor/lib/kv"
	"github.com/benz9527/xsensor/model"
)

const defaultWindowSize = 1024

var _ distributer.Fetcher = (*WindowStore)(nil)

// WindowStore keeps the most recent elements of every loaded sensor in
// memory. Windows are keyed by sensor instance, so a reloaded sensor
// starts with an empty window.
//
// Its query grammar is a comma separated conjunction of field=value
// terms. The pseudo field partitionKey matches the partition key.
type WindowStore struct {
	windows     kv.ThreadSafeStorer[*model.Sensor, *window]
	defaultSize int
}

type WindowStoreOption func(ws *WindowStore)

// WithDefaultWindowSize applies to sensors without a WindowSize.
func WithDefaultWindowSize(size int) WindowStoreOption {
	return func(ws *WindowStore) {
		if size > 0 {
			ws.defaultSize = size
		}
	}
}

func NewWindowStore(opts ...WindowStoreOption) *WindowStore {
	ws := &WindowStore{
		windows:     kv.NewThreadSafeMap[*model.Sensor, *window](),
		defaultSize: defaultWindowSize,
	}
	for _, o := range opts {
		if o != nil {
			o(ws)
		}
	}
	return ws
}

func (ws *WindowStore) Create(sensor *model.Sensor) error {
	if sensor == nil {
		return ErrNilSensor
	}
	if _, ok := ws.windows.Get(sensor); ok {
		return nil
	}
	size := sensor.WindowSize
	if size <= 0 {
		size = ws.defaultSize
	}
	return ws.windows.AddOrUpdate(sensor, &window{size: size, elems: make([]*model.StreamElement, 0, min(size, 64))})
}

func (ws *WindowStore) Drop(sensor *model.Sensor) bool {
	_, err := ws.windows.Delete(sensor)
	return err == nil
}

// Append inserts a copy of the element keeping the window ordered by
// (time, position) and evicts the oldest beyond the window size.
func (ws *WindowStore) Append(sensor *model.Sensor, elem *model.StreamElement) error {
	if elem == nil {
		return ErrNilElement
	}
	w, ok := ws.windows.Get(sensor)
	if !ok {
		return ErrWindowNotFound
	}
	w.append(elem.Clone())
	return nil
}

func (ws *WindowStore) Len(sensor *model.Sensor) int {
	w, ok := ws.windows.Get(sensor)
	if !ok {
		return 0
	}
	w.lock.RLock()
	defer w.lock.RUnlock()
	return len(w.elems)
}

func (ws *WindowStore) Open(_ context.Context, req distributer.FetchRequest) (distributer.Cursor, error) {
	if req.Sensor == nil {
		return nil, ErrNilSensor
	}
	w, ok := ws.windows.Get(req.Sensor)
	if !ok {
		return nil, ErrWindowNotFound
	}
	matcher, err := parseWindowQuery(req.Query)
	if err != nil {
		return nil, err
	}
	elems, truncated := w.after(req.StartTime, req.LastSeenPosition, req.RowCap, matcher)
	return distributer.NewSliceCursor(elems, truncated), nil
}

type window struct {
	lock  sync.RWMutex
	size  int
	elems []*model.StreamElement
}

func (w *window) append(elem *model.StreamElement) {
	w.lock.Lock()
	defer w.lock.Unlock()
	idx := sort.Search(len(w.elems), func(i int) bool {
		return w.elems[i].After(elem.Timestamp, elem.Position)
	})
	w.elems = append(w.elems, nil)
	copy(w.elems[idx+1:], w.elems[idx:])
	w.elems[idx] = elem
	if overflow := len(w.elems) - w.size; overflow > 0 {
		clear(w.elems[:overflow])
		w.elems = append(w.elems[:0], w.elems[overflow:]...)
	}
}

func (w *window) after(startTime, lastSeenPosition int64, rowCap int, matcher windowMatcher) ([]*model.StreamElement, bool) {
	w.lock.RLock()
	defer w.lock.RUnlock()
	idx := sort.Search(len(w.elems), func(i int) bool {
		return w.elems[i].After(startTime, lastSeenPosition)
	})
	res := make([]*model.StreamElement, 0, min(len(w.elems)-idx, 64))
	for _, e := range w.elems[idx:] {
		if !matcher.match(e) {
			continue
		}
		if rowCap > 0 && len(res) == rowCap {
			return res, true
		}
		res = append(res, e)
	}
	return res, false
}

type windowTerm struct {
	field string
	value string
}

type windowMatcher []windowTerm

const partitionKeyField = "partitionKey"

func (m windowMatcher) match(e *model.StreamElement) bool {
	for _, term := range m {
		if term.field == partitionKeyField {
			if e.PartitionKey != term.value {
				return false
			}
			continue
		}
		v, ok := e.Fields[term.field]
		if !ok || fmt.Sprint(v) != term.value {
			return false
		}
	}
	return true
}

func parseWindowQuery(q model.Query) (windowMatcher, error) {
	if q.IsEmpty() {
		return nil, nil
	}
	parts := strings.Split(string(q), ",")
	m := make(windowMatcher, 0, len(parts))
	for _, part := range parts {
		field, value, found := strings.Cut(part, "=")
		field = strings.TrimSpace(field)
		if !found || field == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidQuery, part)
		}
		m = append(m, windowTerm{field: field, value: strings.TrimSpace(value)})
	}
	return m, nil
}
