package app

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/benz9527/xsensor/config"
	"github.com/benz9527/xsensor/distributer"
	"github.com/benz9527/xsensor/lib/infra"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/sink"
	"github.com/benz9527/xsensor/xlog"
)

type AppErr string

func (e AppErr) Error() string {
	return string(e)
}

const (
	ErrTransportDisabled = AppErr("[app] transport not enabled")
	ErrUnknownTransport  = AppErr("[app] unknown transport")
)

// Transports holds the outbound clients enabled in the configuration.
// A disabled transport leaves its client nil.
type Transports struct {
	cfg    config.SinkConfig
	logger xlog.XLogger
	codec  sink.Codec
	Redis  redis.UniversalClient
	Kafka  sarama.SyncProducer
	NATS   *nats.Conn
}

func newTransports(lc fx.Lifecycle, cfg *config.Config, logger xlog.XLogger) (*Transports, error) {
	codec, err := sink.CodecByName(cfg.Sink.Codec)
	if err != nil {
		return nil, err
	}
	t := &Transports{cfg: cfg.Sink, logger: logger, codec: codec}
	if cfg.Sink.Redis.Enabled {
		redis.SetLogger(xlog.NewGoRedisXLogger(logger))
		t.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Sink.Redis.Addr,
			Password: cfg.Sink.Redis.Password,
			DB:       cfg.Sink.Redis.DB,
		})
	}
	if cfg.Sink.Kafka.Enabled {
		sarama.Logger = xlog.NewSaramaXLogger(logger)
		if t.Kafka, err = sink.NewSaramaSyncProducer(cfg.Sink.Kafka.Brokers, cfg.Sink.Kafka.ClientID); err != nil {
			return nil, infra.WrapErrorStackWithMessage(err, "[app] connect kafka")
		}
	}
	if cfg.Sink.NATS.Enabled {
		t.NATS, err = nats.Connect(cfg.Sink.NATS.URL,
			nats.Name("xsensor"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", zap.String("error", err.Error()))
				}
			}),
			nats.ReconnectHandler(func(conn *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
			}),
		)
		if err != nil {
			return nil, infra.WrapErrorStackWithMessage(err, "[app] connect nats")
		}
	}
	lc.Append(fx.StopHook(func(ctx context.Context) error {
		return t.Close()
	}))
	return t, nil
}

func (t *Transports) Close() error {
	var errs error
	if t.Redis != nil {
		errs = multierr.Append(errs, t.Redis.Close())
	}
	if t.Kafka != nil {
		errs = multierr.Append(errs, t.Kafka.Close())
	}
	if t.NATS != nil {
		errs = multierr.Append(errs, t.NATS.Drain())
	}
	return errs
}

// NewSink builds the sink of a configured subscription.
func (t *Transports) NewSink(sub config.SubscriptionConfig, sensor *model.Sensor, listener string) (distributer.Sink, error) {
	opts := []sink.TransportOption{
		sink.WithLogger(t.logger),
		sink.WithCodec(t.codec),
		sink.WithTimeout(t.cfg.Timeout),
		sink.WithSubscription(sensor.Name, listener),
	}
	switch sub.Transport {
	case "log":
		return newLogSink(t.logger, sensor, listener)
	case "redis-stream":
		if t.Redis == nil {
			return nil, ErrTransportDisabled
		}
		opts = append(opts, sink.WithRetry(sink.DefaultExponentialBackoffRetry()))
		return sink.NewRedisStreamSink(t.Redis, sub.Target, t.cfg.Redis.StreamMaxLen, opts...)
	case "redis-pubsub":
		if t.Redis == nil {
			return nil, ErrTransportDisabled
		}
		target := sub.Target
		if target == "" {
			target = "xsensor." + sensor.Name
		}
		opts = append(opts, sink.WithRetry(sink.DefaultExponentialBackoffRetry()))
		return sink.NewRedisPubSubSink(t.Redis, target, 3, opts...)
	case "kafka":
		if t.Kafka == nil {
			return nil, ErrTransportDisabled
		}
		target := sub.Target
		if target == "" {
			target = t.cfg.Kafka.Topic
		}
		return sink.NewKafkaSink(t.Kafka, target, opts...)
	case "nats":
		if t.NATS == nil {
			return nil, ErrTransportDisabled
		}
		target := sub.Target
		if target == "" {
			target = "xsensor." + sensor.Name
		}
		return sink.NewNATSSink(t.NATS, target, opts...)
	default:
	}
	return nil, ErrUnknownTransport
}

// newLogSink writes every element to the debug log.
func newLogSink(logger xlog.XLogger, sensor *model.Sensor, listener string) (distributer.Sink, error) {
	return sink.NewLocalSink(func(elem *model.StreamElement) error {
		logger.Debug("element delivered",
			zap.String("sensor", sensor.Name),
			zap.String("listener", listener),
			zap.Int64("timed", elem.Timestamp),
			zap.Int64("pk", elem.Position),
		)
		return nil
	})
}
