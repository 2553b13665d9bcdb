package distributer

import (
	"fmt"

	"github.com/benz9527/xsensor/lib/infra"
	"github.com/benz9527/xsensor/model"
)

// Sink is the delivery target of a listener.
//
// The dispatch loop and the liveness monitor may call a sink from
// different goroutines, so implementations must be safe for concurrent
// use. Returning false from Deliver or DeliverKeepAlive is terminal: the
// listener is evicted and the sink closed. Retrying is up to the sink.
type Sink interface {
	Deliver(elem *model.StreamElement) bool
	DeliverKeepAlive() bool
	Close() error
	IsClosed() bool
}

// safeDeliver converts a sink panic into a delivery failure.
func safeDeliver(sink Sink, elem *model.StreamElement) (ok bool, panicked any) {
	defer func() {
		if r := recover(); r != nil {
			ok, panicked = false, r
		}
	}()
	return sink.Deliver(elem), nil
}

func safeKeepAlive(sink Sink) (ok bool, panicked any) {
	defer func() {
		if r := recover(); r != nil {
			ok, panicked = false, r
		}
	}()
	if sink.IsClosed() {
		return false, nil
	}
	return sink.DeliverKeepAlive(), nil
}

func safeClose(sink Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = infra.NewErrorStack(fmt.Sprintf("[distributer] sink close panic: %v", r))
		}
	}()
	return sink.Close()
}
