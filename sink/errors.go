package sink

type SinkErr string

func (e SinkErr) Error() string {
	return string(e)
}

const (
	ErrNilClient       = SinkErr("[sink] nil transport client")
	ErrEmptyTarget     = SinkErr("[sink] empty stream, channel, topic or subject")
	ErrNilDeliverFunc  = SinkErr("[sink] nil deliver func")
	ErrUnknownCodec    = SinkErr("[sink] unknown codec")
	ErrNoSubscriber    = SinkErr("[sink] no subscriber received the message")
	ErrInvalidCapacity = SinkErr("[sink] invalid channel capacity")
)
