package sink

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/benz9527/xsensor/model"
)

const (
	redisFieldType    = "type"
	redisFieldCodec   = "codec"
	redisFieldPayload = "payload"
)

// RedisStreamSink appends envelopes to a Redis stream, a pull queue the
// consumer reads at its own pace. The stream is capped approximately at
// maxLen entries.
type RedisStreamSink struct {
	*state
	opts   *transportOptions
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamSink writes to stream. An empty stream gets a generated
// per-subscription name, see Stream.
func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64, opts ...TransportOption) (*RedisStreamSink, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	o := newTransportOptions(opts...)
	if stream == "" {
		stream = "xsensor:" + o.sensor + ":" + uuid.NewString()
	}
	return &RedisStreamSink{
		state:  newState(),
		opts:   o,
		client: client,
		stream: stream,
		maxLen: maxLen,
	}, nil
}

func (s *RedisStreamSink) Stream() string {
	return s.stream
}

func (s *RedisStreamSink) xadd(typ string, elem *model.StreamElement) error {
	values := map[string]any{redisFieldType: typ, redisFieldCodec: s.opts.codec.Name()}
	if elem != nil {
		payload, err := s.opts.encode(typ, elem)
		if err != nil {
			return err
		}
		values[redisFieldPayload] = payload
	}
	ctx, cancel := s.opCtx(s.opts.timeout)
	defer cancel()
	return retryDo(ctx, s.opts.retry, func(ctx context.Context) error {
		return s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: s.maxLen > 0,
			Values: values,
		}).Err()
	})
}

func (s *RedisStreamSink) Deliver(elem *model.StreamElement) bool {
	if s.IsClosed() {
		return false
	}
	if err := s.xadd(EnvelopeData, elem); err != nil {
		s.opts.logger.Warn("redis stream delivery failed",
			zap.String("stream", s.stream),
			zap.String("listener", s.opts.listener),
			zap.String("error", err.Error()),
		)
		return false
	}
	return true
}

// DeliverKeepAlive writes a marker entry, consumers skip it.
func (s *RedisStreamSink) DeliverKeepAlive() bool {
	if s.IsClosed() {
		return false
	}
	if err := s.xadd(EnvelopeKeepAlive, nil); err != nil {
		s.opts.logger.Warn("redis stream keep-alive failed",
			zap.String("stream", s.stream),
			zap.String("error", err.Error()),
		)
		return false
	}
	return true
}

// Close leaves the stream in place for the consumer to drain; the
// client belongs to the caller.
func (s *RedisStreamSink) Close() error {
	s.markClosed()
	return nil
}

// RedisPubSubSink publishes envelopes on a channel. Pub/sub drops
// messages nobody listens to, so after maxIdle consecutive publishes
// without receivers the consumer is treated as gone.
type RedisPubSubSink struct {
	*state
	opts     *transportOptions
	client   redis.UniversalClient
	channel  string
	maxIdle  int64
	idleRuns atomic.Int64
}

func NewRedisPubSubSink(client redis.UniversalClient, channel string, maxIdle int64, opts ...TransportOption) (*RedisPubSubSink, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if channel == "" {
		return nil, ErrEmptyTarget
	}
	if maxIdle <= 0 {
		maxIdle = 3
	}
	return &RedisPubSubSink{
		state:   newState(),
		opts:    newTransportOptions(opts...),
		client:  client,
		channel: channel,
		maxIdle: maxIdle,
	}, nil
}

func (s *RedisPubSubSink) publish(typ string, elem *model.StreamElement) bool {
	if s.IsClosed() {
		return false
	}
	payload, err := s.opts.encode(typ, elem)
	if err != nil {
		s.opts.logger.Warn("redis pubsub encode failed", zap.String("error", err.Error()))
		return false
	}
	ctx, cancel := s.opCtx(s.opts.timeout)
	defer cancel()
	var receivers int64
	err = retryDo(ctx, s.opts.retry, func(ctx context.Context) error {
		n, err := s.client.Publish(ctx, s.channel, payload).Result()
		receivers = n
		return err
	})
	if err != nil {
		s.opts.logger.Warn("redis pubsub publish failed",
			zap.String("channel", s.channel),
			zap.String("type", typ),
			zap.String("error", err.Error()),
		)
		return false
	}
	if receivers > 0 {
		s.idleRuns.Store(0)
		return true
	}
	if idle := s.idleRuns.Add(1); idle >= s.maxIdle {
		s.opts.logger.Warn("redis pubsub channel has no subscriber",
			zap.String("channel", s.channel),
			zap.Int64("publishes", idle),
			zap.Error(ErrNoSubscriber),
		)
		return false
	}
	return true
}

func (s *RedisPubSubSink) Deliver(elem *model.StreamElement) bool {
	return s.publish(EnvelopeData, elem)
}

func (s *RedisPubSubSink) DeliverKeepAlive() bool {
	return s.publish(EnvelopeKeepAlive, nil)
}

func (s *RedisPubSubSink) Close() error {
	s.markClosed()
	return nil
}
