package distributer

type DistributerErr string

func (e DistributerErr) Error() string {
	return string(e)
}

const (
	ErrNilListener        = DistributerErr("[distributer] nil listener")
	ErrListenerNoSink     = DistributerErr("[distributer] listener without sink")
	ErrListenerNoSensor   = DistributerErr("[distributer] listener without sensor")
	ErrDuplicateListener  = DistributerErr("[distributer] listener already registered")
	ErrListenerRetired    = DistributerErr("[distributer] listener was unregistered, create a new one")
	ErrDistributerStopped = DistributerErr("[distributer] distributer stopped")
	ErrDistributerStarted = DistributerErr("[distributer] distributer already started")
	ErrNilFetcher         = DistributerErr("[distributer] nil fetcher")
)
