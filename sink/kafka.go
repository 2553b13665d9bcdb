package sink

import (
	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/benz9527/xsensor/model"
)

const kafkaHeaderType = "type"

// KafkaSink produces one message per element, keyed by partition key so
// a partition stays ordered on one Kafka partition.
type KafkaSink struct {
	*state
	opts     *transportOptions
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink shares producer with other sinks; closing the sink leaves
// it open.
func NewKafkaSink(producer sarama.SyncProducer, topic string, opts ...TransportOption) (*KafkaSink, error) {
	if producer == nil {
		return nil, ErrNilClient
	}
	if topic == "" {
		return nil, ErrEmptyTarget
	}
	return &KafkaSink{
		state:    newState(),
		opts:     newTransportOptions(opts...),
		producer: producer,
		topic:    topic,
	}, nil
}

// NewSaramaSyncProducer builds a producer acknowledging on all in-sync
// replicas, which the sink relies on to report a real failure.
func NewSaramaSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 3
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0
	return sarama.NewSyncProducer(brokers, cfg)
}

func (s *KafkaSink) send(typ string, key string, elem *model.StreamElement) error {
	payload, err := s.opts.encode(typ, elem)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(kafkaHeaderType), Value: []byte(typ)},
			{Key: []byte("codec"), Value: []byte(s.opts.codec.Name())},
		},
	}
	_, _, err = s.producer.SendMessage(msg)
	return err
}

func (s *KafkaSink) Deliver(elem *model.StreamElement) bool {
	if s.IsClosed() {
		return false
	}
	key := elem.PartitionKey
	if key == "" {
		key = s.opts.sensor
	}
	if err := s.send(EnvelopeData, key, elem); err != nil {
		s.opts.logger.Warn("kafka delivery failed",
			zap.String("topic", s.topic),
			zap.String("listener", s.opts.listener),
			zap.Int64("pk", elem.Position),
			zap.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *KafkaSink) DeliverKeepAlive() bool {
	if s.IsClosed() {
		return false
	}
	if err := s.send(EnvelopeKeepAlive, s.opts.listener, nil); err != nil {
		s.opts.logger.Warn("kafka keep-alive failed",
			zap.String("topic", s.topic),
			zap.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *KafkaSink) Close() error {
	s.markClosed()
	return nil
}
