package kv

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/multierr"
)

var ErrThreadSafeMapKeyNotFound = errors.New("[thread-safe-map] key not found")

type threadSafeMap[K comparable, V any] struct {
	lock           sync.RWMutex
	items          map[K]V
	isClosableItem bool
}

func (t *threadSafeMap[K, V]) AddOrUpdate(key K, obj V) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.items == nil {
		t.items = make(map[K]V)
	}
	t.items[key] = obj
	return nil
}

func (t *threadSafeMap[K, V]) Replace(items map[K]V) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.items = make(map[K]V, len(items))
	for k, v := range items {
		t.items[k] = v
	}
	return nil
}

func (t *threadSafeMap[K, V]) Delete(key K) (V, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	item, exists := t.items[key]
	if !exists {
		return *new(V), ErrThreadSafeMapKeyNotFound
	}
	delete(t.items, key)
	return item, nil
}

func (t *threadSafeMap[K, V]) Get(key K) (item V, exists bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	item, exists = t.items[key]
	return
}

func (t *threadSafeMap[K, V]) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.items)
}

func (t *threadSafeMap[K, V]) ListKeys(filters ...SafeStoreKeyFilterFunc[K]) []K {
	realFilters := make([]SafeStoreKeyFilterFunc[K], 0, len(filters))
	for _, filter := range filters {
		if filter != nil {
			realFilters = append(realFilters, filter)
		}
	}
	if len(realFilters) == 0 {
		realFilters = append(realFilters, defaultAllKeysFilter[K])
	}

	t.lock.RLock()
	defer t.lock.RUnlock()

	keys := make([]K, 0, len(t.items))
	for key := range t.items {
		for _, filter := range realFilters {
			if filter(key) {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys
}

func (t *threadSafeMap[K, V]) ListValues(keys ...K) (items []V) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if len(keys) > 0 {
		items = make([]V, 0, len(keys))
		for _, key := range keys {
			if item, ok := t.items[key]; ok {
				items = append(items, item)
			}
		}
		return items
	}
	items = make([]V, 0, len(t.items))
	for _, item := range t.items {
		items = append(items, item)
	}
	return items
}

// Purge drops all items. Items implementing io.Closer are closed
// when the map was built with the closeable item check.
func (t *threadSafeMap[K, V]) Purge() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	var merr error
	if t.isClosableItem {
		for _, item := range t.items {
			if closer, ok := any(item).(io.Closer); ok && closer != nil {
				merr = multierr.Append(merr, closer.Close())
			}
		}
	}
	t.items = make(map[K]V)
	return merr
}

type threadSafeMapOptions struct {
	initCap        int
	closeableCheck bool
}

type ThreadSafeMapOption[K comparable, V any] func(*threadSafeMapOptions)

func WithThreadSafeMapInitCap[K comparable, V any](capacity int) ThreadSafeMapOption[K, V] {
	return func(opts *threadSafeMapOptions) {
		if capacity > 0 {
			opts.initCap = capacity
		}
	}
}

func WithThreadSafeMapCloseableItemCheck[K comparable, V any]() ThreadSafeMapOption[K, V] {
	return func(opts *threadSafeMapOptions) {
		opts.closeableCheck = true
	}
}

func NewThreadSafeMap[K comparable, V any](opts ...ThreadSafeMapOption[K, V]) ThreadSafeStorer[K, V] {
	o := &threadSafeMapOptions{initCap: 32}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return &threadSafeMap[K, V]{
		items:          make(map[K]V, o.initCap),
		isClosableItem: o.closeableCheck,
	}
}
