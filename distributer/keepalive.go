package distributer

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

func (d *Distributer) keepAliveLoop(period time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.probeListeners()
		}
	}
}

// probeListeners sends one keep-alive to every registered listener and
// evicts those that fail. Probes run outside the registry lock.
func (d *Distributer) probeListeners() int {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(nil, "keep-alive probe panicked",
				zap.String("distributer", d.opts.name),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	evicted := 0
	for _, l := range d.snapshotListeners() {
		if d.ctx.Err() != nil {
			return evicted
		}
		ok, panicked := safeKeepAlive(l.sink)
		d.stats.keepAlive(d.ctx, ok)
		if ok {
			continue
		}
		fields := []zap.Field{
			zap.String("distributer", d.opts.name),
			zap.String("listener", l.name),
		}
		if panicked != nil {
			fields = append(fields, zap.String("panic", fmt.Sprint(panicked)))
		}
		d.logger.Warn("keep-alive failed, listener evicted", fields...)
		if d.unregister(l, evictKeepAlive) {
			evicted++
		}
	}
	return evicted
}
