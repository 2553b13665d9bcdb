package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benz9527/xsensor/distributer"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/xlog"
)

var (
	_ distributer.Sink = (*LocalSink)(nil)
	_ distributer.Sink = (*ChanSink)(nil)
	_ distributer.Sink = (*RedisStreamSink)(nil)
	_ distributer.Sink = (*RedisPubSubSink)(nil)
	_ distributer.Sink = (*KafkaSink)(nil)
	_ distributer.Sink = (*NATSSink)(nil)
)

const defaultDeliverTimeout = 3 * time.Second

// state is the closed flag and lifetime context shared by every sink.
// Closing cancels the context so in-flight retries stop early.
type state struct {
	closed atomic.Bool
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func newState() *state {
	s := &state{}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *state) IsClosed() bool {
	return s.closed.Load()
}

// markClosed reports whether this call did the transition.
func (s *state) markClosed() bool {
	done := false
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		done = true
	})
	return done
}

func (s *state) opCtx(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultDeliverTimeout
	}
	return context.WithTimeout(s.ctx, timeout)
}

type transportOptions struct {
	logger   xlog.XLogger
	codec    Codec
	retry    RetryPolicy
	timeout  time.Duration
	sensor   string
	listener string
}

type TransportOption func(opts *transportOptions)

func WithLogger(logger xlog.XLogger) TransportOption {
	return func(opts *transportOptions) {
		opts.logger = logger
	}
}

func WithCodec(codec Codec) TransportOption {
	return func(opts *transportOptions) {
		if codec != nil {
			opts.codec = codec
		}
	}
}

func WithRetry(policy RetryPolicy) TransportOption {
	return func(opts *transportOptions) {
		opts.retry = policy
	}
}

// WithTimeout bounds one delivery, retries included.
func WithTimeout(timeout time.Duration) TransportOption {
	return func(opts *transportOptions) {
		opts.timeout = timeout
	}
}

// WithSubscription names the sensor and listener stamped on envelopes.
func WithSubscription(sensor, listener string) TransportOption {
	return func(opts *transportOptions) {
		opts.sensor, opts.listener = sensor, listener
	}
}

func newTransportOptions(opts ...TransportOption) *transportOptions {
	o := &transportOptions{
		codec:   MsgpackCodec,
		retry:   NoRetry(),
		timeout: defaultDeliverTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = xlog.NewXLogger(xlog.WithXLoggerLevel(xlog.LogLevelInfo))
	}
	return o
}

func (o *transportOptions) encode(typ string, elem *model.StreamElement) ([]byte, error) {
	return o.codec.Marshal(newEnvelope(typ, o.sensor, o.listener, elem))
}
