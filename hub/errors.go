package hub

type HubErr string

func (e HubErr) Error() string {
	return string(e)
}

const (
	ErrNilStore        = HubErr("[hub] nil durable store")
	ErrNilWindowStore  = HubErr("[hub] nil window store")
	ErrNilSensor       = HubErr("[hub] nil sensor")
	ErrSensorLoaded    = HubErr("[hub] sensor with the same name already loaded")
	ErrSensorNotLoaded = HubErr("[hub] sensor not loaded")
	ErrUnknownKind     = HubErr("[hub] unknown distributer kind")
	ErrOutOfOrder      = HubErr("[hub] out of order record")
	ErrNilDefaultSink  = HubErr("[hub] default sink factory returned nil")
)
