package sink

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/benz9527/xsensor/model"
)

const (
	EnvelopeData      = "data"
	EnvelopeKeepAlive = "keepalive"
)

// Envelope is what outbound transports carry. ID lets consumers drop
// the duplicates a transport retry may produce.
type Envelope struct {
	ID       string               `json:"id" msgpack:"id"`
	Type     string               `json:"type" msgpack:"type"`
	Sensor   string               `json:"sensor" msgpack:"sensor"`
	Listener string               `json:"listener" msgpack:"listener"`
	SentAt   int64                `json:"sentAt" msgpack:"sentAt"`
	Element  *model.StreamElement `json:"element,omitempty" msgpack:"element,omitempty"`
}

func newEnvelope(typ, sensor, listener string, elem *model.StreamElement) *Envelope {
	return &Envelope{
		ID:       uuid.NewString(),
		Type:     typ,
		Sensor:   sensor,
		Listener: listener,
		SentAt:   time.Now().UnixMilli(),
		Element:  elem,
	}
}

type Codec interface {
	Name() string
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(env *Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (msgpackCodec) Unmarshal(data []byte, env *Envelope) error {
	return msgpack.Unmarshal(data, env)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(data []byte, env *Envelope) error {
	return json.Unmarshal(data, env)
}

var (
	MsgpackCodec Codec = msgpackCodec{}
	JSONCodec    Codec = jsonCodec{}
)

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", MsgpackCodec.Name():
		return MsgpackCodec, nil
	case JSONCodec.Name():
		return JSONCodec, nil
	default:
	}
	return nil, ErrUnknownCodec
}
