package sink

import (
	"go.uber.org/zap"

	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/xlog"
)

// DeliverFunc consumes one element in process. An error is terminal
// for the subscription.
type DeliverFunc func(elem *model.StreamElement) error

// LocalSink hands elements to an in-process callback. It is the sink of
// the default listeners created when a sensor loads.
type LocalSink struct {
	*state
	fn      DeliverFunc
	onClose func()
	logger  xlog.XLogger
}

type LocalSinkOption func(s *LocalSink)

func WithLocalSinkOnClose(fn func()) LocalSinkOption {
	return func(s *LocalSink) {
		s.onClose = fn
	}
}

func WithLocalSinkLogger(logger xlog.XLogger) LocalSinkOption {
	return func(s *LocalSink) {
		s.logger = logger
	}
}

func NewLocalSink(fn DeliverFunc, opts ...LocalSinkOption) (*LocalSink, error) {
	if fn == nil {
		return nil, ErrNilDeliverFunc
	}
	s := &LocalSink{state: newState(), fn: fn}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

func (s *LocalSink) Deliver(elem *model.StreamElement) bool {
	if s.IsClosed() {
		return false
	}
	if err := s.fn(elem); err != nil {
		if s.logger != nil {
			s.logger.Warn("local delivery failed", zap.String("error", err.Error()))
		}
		return false
	}
	return true
}

func (s *LocalSink) DeliverKeepAlive() bool {
	return !s.IsClosed()
}

func (s *LocalSink) Close() error {
	if s.markClosed() && s.onClose != nil {
		s.onClose()
	}
	return nil
}
