package sink

import (
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/benz9527/xsensor/model"
)

// NATSPublisher is the part of *nats.Conn the sink needs.
type NATSPublisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	IsClosed() bool
}

var _ NATSPublisher = (*nats.Conn)(nil)

// NATSSink publishes envelopes on a subject. Core NATS publishes are
// fire and forget, so the keep-alive flushes to make sure the server
// still answers.
type NATSSink struct {
	*state
	opts    *transportOptions
	conn    NATSPublisher
	subject string
}

func NewNATSSink(conn NATSPublisher, subject string, opts ...TransportOption) (*NATSSink, error) {
	if conn == nil {
		return nil, ErrNilClient
	}
	if subject == "" {
		return nil, ErrEmptyTarget
	}
	return &NATSSink{
		state:   newState(),
		opts:    newTransportOptions(opts...),
		conn:    conn,
		subject: subject,
	}, nil
}

func (s *NATSSink) publish(typ string, elem *model.StreamElement) error {
	if s.conn.IsClosed() {
		return nats.ErrConnectionClosed
	}
	payload, err := s.opts.encode(typ, elem)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = payload
	msg.Header.Set("type", typ)
	msg.Header.Set("codec", s.opts.codec.Name())
	return s.conn.PublishMsg(msg)
}

func (s *NATSSink) Deliver(elem *model.StreamElement) bool {
	if s.IsClosed() {
		return false
	}
	if err := s.publish(EnvelopeData, elem); err != nil {
		s.opts.logger.Warn("nats delivery failed",
			zap.String("subject", s.subject),
			zap.String("listener", s.opts.listener),
			zap.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *NATSSink) DeliverKeepAlive() bool {
	if s.IsClosed() {
		return false
	}
	err := s.publish(EnvelopeKeepAlive, nil)
	if err == nil {
		err = s.conn.FlushTimeout(s.opts.timeout)
	}
	if err != nil {
		s.opts.logger.Warn("nats keep-alive failed",
			zap.String("subject", s.subject),
			zap.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *NATSSink) Close() error {
	s.markClosed()
	return nil
}
