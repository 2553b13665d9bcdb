package sink

import (
	"time"

	"github.com/benz9527/xsensor/lib/ipc"
	"github.com/benz9527/xsensor/model"
)

// ChanSink is a bounded pull queue. A consumer that leaves the queue
// full longer than the send timeout is considered gone.
type ChanSink struct {
	*state
	ch          ipc.ClosableChannel[*model.StreamElement]
	sendTimeout time.Duration
}

func NewChanSink(capacity int, sendTimeout time.Duration) (*ChanSink, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultDeliverTimeout
	}
	return &ChanSink{
		state:       newState(),
		ch:          ipc.NewSafeClosableChannel[*model.StreamElement](capacity),
		sendTimeout: sendTimeout,
	}, nil
}

// C is the consumer side. It is never closed; watch Done instead.
func (s *ChanSink) C() <-chan *model.StreamElement {
	return s.ch.Wait()
}

func (s *ChanSink) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *ChanSink) Deliver(elem *model.StreamElement) bool {
	if s.IsClosed() {
		return false
	}
	return s.ch.SendTimeout(elem, s.sendTimeout) == nil
}

func (s *ChanSink) DeliverKeepAlive() bool {
	return !s.IsClosed() && !s.ch.IsClosed()
}

func (s *ChanSink) Close() error {
	s.markClosed()
	return s.ch.Close()
}
