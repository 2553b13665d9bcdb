package distributer

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/benz9527/xsensor/model"
)

type stepOutcome uint8

const (
	stepDelivered stepOutcome = iota
	stepExhausted
	stepFailed
	stepSinkClosed
	stepPanicked
)

func (d *Distributer) dispatchLoop() {
	defer d.wg.Done()
	for {
		batch, ok := d.awaitCandidates()
		if !ok {
			return
		}
		d.sweep(batch)
	}
}

// awaitCandidates blocks until the candidate set is non-empty and
// reserves every candidate for this pass.
func (d *Distributer) awaitCandidates() ([]*candidate, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for len(d.candidates) == 0 && !d.stopping {
		d.wakeup.Wait()
	}
	if d.stopping {
		return nil, false
	}
	batch := make([]*candidate, 0, len(d.candidates))
	for _, c := range d.candidates {
		c.inUse = true
		batch = append(batch, c)
	}
	return batch, true
}

func (d *Distributer) sweep(batch []*candidate) {
	begin := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(nil, "dispatch pass panicked",
				zap.String("distributer", d.opts.name),
				zap.String("panic", fmt.Sprint(r)),
			)
			d.releaseAll(batch)
		}
	}()

	renotify := make([]*model.Sensor, len(batch))
	if d.pool == nil {
		for i, c := range batch {
			renotify[i] = d.step(c)
		}
	} else {
		wg := sync.WaitGroup{}
		for i, c := range batch {
			i, c := i, c
			wg.Add(1)
			if err := d.pool.Submit(func() {
				defer wg.Done()
				renotify[i] = d.step(c)
			}); err != nil {
				wg.Done()
				renotify[i] = d.step(c)
			}
		}
		wg.Wait()
	}
	d.stats.pass(d.ctx, begin)

	notified := make(map[*model.Sensor]struct{}, 2)
	for _, sensor := range renotify {
		if sensor == nil {
			continue
		}
		if _, ok := notified[sensor]; ok {
			continue
		}
		notified[sensor] = struct{}{}
		d.Notify(sensor)
	}
}

// step delivers at most one record for the candidate and settles it.
// It returns the sensor to re-notify when a truncated cursor was drained.
func (d *Distributer) step(c *candidate) (renotify *model.Sensor) {
	l := c.listener
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(nil, "settling listener panicked",
				zap.String("distributer", d.opts.name),
				zap.String("listener", l.name),
				zap.String("panic", fmt.Sprint(r)),
			)
			d.unregister(l, evictPanic)
			d.release(c)
			renotify = nil
		}
	}()
	outcome, elem := d.advance(c)
	switch outcome {
	case stepDelivered:
		d.stats.delivered(d.ctx)
		d.release(c)
	case stepExhausted:
		return d.exhaust(c)
	case stepFailed, stepSinkClosed, stepPanicked:
		reason := evictDeliverFailed
		if outcome == stepSinkClosed {
			reason = evictSinkClosed
		} else if outcome == stepPanicked {
			reason = evictPanic
		}
		if !c.detached.Load() {
			fields := []zap.Field{
				zap.String("distributer", d.opts.name),
				zap.String("listener", l.name),
				zap.String("reason", string(reason)),
			}
			if elem != nil {
				fields = append(fields, zap.Int64("timed", elem.Timestamp), zap.Int64("pk", elem.Position))
			}
			d.logger.Warn("delivery failed, listener evicted", fields...)
		}
		d.unregister(l, reason)
		d.release(c)
	}
	return nil
}

func (d *Distributer) advance(c *candidate) (outcome stepOutcome, elem *model.StreamElement) {
	l := c.listener
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(nil, "listener step panicked",
				zap.String("distributer", d.opts.name),
				zap.String("listener", l.name),
				zap.String("panic", fmt.Sprint(r)),
			)
			outcome = stepPanicked
		}
	}()
	if c.detached.Load() || l.sink.IsClosed() {
		return stepSinkClosed, nil
	}
	if !c.cursor.HasNext() {
		return stepExhausted, nil
	}
	elem = c.cursor.Next()
	if elem == nil {
		return stepExhausted, nil
	}
	ok, panicked := safeDeliver(l.sink, elem)
	if panicked != nil {
		d.logger.Error(nil, "sink deliver panicked",
			zap.String("distributer", d.opts.name),
			zap.String("listener", l.name),
			zap.String("panic", fmt.Sprint(panicked)),
		)
		return stepPanicked, elem
	}
	if !ok {
		return stepFailed, elem
	}
	l.advanceTo(elem.Timestamp, elem.Position)
	return stepDelivered, elem
}

// release hands the candidate back after a pass.
func (d *Distributer) release(c *candidate) {
	d.lock.Lock()
	c.inUse = false
	d.lock.Unlock()
	if c.detached.Load() {
		d.closeCursor(c.listener, c.cursor)
	}
}

func (d *Distributer) releaseAll(batch []*candidate) {
	for _, c := range batch {
		d.lock.Lock()
		inUse := c.inUse
		d.lock.Unlock()
		if inUse {
			d.release(c)
		}
	}
}

// exhaust moves a drained candidate out of the set. The pending flag
// is read under the same lock, and the candidate stays reserved while
// its replacement cursor is opened, so a concurrent Notify can only
// re-flag it and never opens a second cursor.
func (d *Distributer) exhaust(c *candidate) *model.Sensor {
	l := c.listener
	old := c.cursor

	truncated := old.Truncated()

	d.lock.Lock()
	if c.detached.Load() {
		c.inUse = false
		d.lock.Unlock()
		d.closeCursor(l, old)
		return nil
	}
	_, pending := d.pending[l.id]
	if pending {
		delete(d.pending, l.id)
		if fresh := d.openLocked(l); fresh != nil {
			c.cursor = fresh
			c.inUse = false
			d.lock.Unlock()
			d.closeCursor(l, old)
			return nil
		}
	}
	delete(d.candidates, l.id)
	c.inUse = false
	d.lock.Unlock()
	d.closeCursor(l, old)

	if !pending && truncated && d.opts.renotifyOnTruncation {
		return l.sensor
	}
	return nil
}
