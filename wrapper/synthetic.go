package wrapper

import (
	"context"
	"math"
	randv2 "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/benz9527/xsensor/lib/id"
	"github.com/benz9527/xsensor/model"
	"github.com/benz9527/xsensor/xlog"
)

type WrapperErr string

func (e WrapperErr) Error() string {
	return string(e)
}

const (
	ErrNilPublisher   = WrapperErr("[wrapper] nil publisher")
	ErrNilSensor      = WrapperErr("[wrapper] nil sensor")
	ErrWrapperStarted = WrapperErr("[wrapper] already started")
)

// Publisher is the ingestion entry a wrapper feeds.
type Publisher interface {
	Publish(ctx context.Context, sensor *model.Sensor, elem *model.StreamElement) error
}

type PublisherFunc func(ctx context.Context, sensor *model.Sensor, elem *model.StreamElement) error

func (fn PublisherFunc) Publish(ctx context.Context, sensor *model.Sensor, elem *model.StreamElement) error {
	return fn(ctx, sensor, elem)
}

// Reading builds the fields of the seq-th reading of partition.
type Reading func(seq int64, partition string, now time.Time) map[string]any

// Synthetic emits readings at a fixed rate, round-robin over its
// partitions. It stands in for a device during demos and soak runs.
type Synthetic struct {
	sensor     *model.Sensor
	publisher  Publisher
	logger     xlog.XLogger
	limiter    *rate.Limiter
	reading    Reading
	partitions []string
	readingID  id.NanoIDGen
	clock      func() time.Time
	limit      int64

	produced atomic.Int64
	rejected atomic.Int64
	started  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type SyntheticOption func(s *Synthetic)

// WithSyntheticRate emits one reading every period, bursts up to burst.
func WithSyntheticRate(period time.Duration, burst int) SyntheticOption {
	return func(s *Synthetic) {
		if period > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Every(period), burst)
		}
	}
}

// WithSyntheticPartitions cycles the values of the sensor partition field.
func WithSyntheticPartitions(partitions ...string) SyntheticOption {
	return func(s *Synthetic) {
		s.partitions = partitions
	}
}

func WithSyntheticReading(reading Reading) SyntheticOption {
	return func(s *Synthetic) {
		if reading != nil {
			s.reading = reading
		}
	}
}

// WithSyntheticLimit stops after n readings.
func WithSyntheticLimit(n int64) SyntheticOption {
	return func(s *Synthetic) {
		s.limit = n
	}
}

func WithSyntheticLogger(logger xlog.XLogger) SyntheticOption {
	return func(s *Synthetic) {
		s.logger = logger
	}
}

func WithSyntheticClock(clock func() time.Time) SyntheticOption {
	return func(s *Synthetic) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// SineReading is a temperature-like signal with a little noise.
func SineReading(seq int64, partition string, now time.Time) map[string]any {
	return map[string]any{
		"value": 20 + 5*math.Sin(float64(seq)/10) + randv2.Float64()*0.5,
		"seq":   seq,
	}
}

func NewSynthetic(sensor *model.Sensor, publisher Publisher, opts ...SyntheticOption) (*Synthetic, error) {
	if sensor == nil {
		return nil, ErrNilSensor
	}
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	readingID, err := id.ClassicNanoID(12)
	if err != nil {
		return nil, err
	}
	s := &Synthetic{
		sensor:    sensor,
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		reading:   SineReading,
		readingID: readingID,
		clock:     time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if len(s.partitions) == 0 {
		s.partitions = []string{model.GlobalPartition}
	}
	if s.logger == nil {
		s.logger = xlog.NewXLogger(xlog.WithXLoggerLevel(xlog.LogLevelInfo))
	}
	return s, nil
}

func (s *Synthetic) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrWrapperStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop waits for the emitting goroutine to exit.
func (s *Synthetic) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Wait blocks until the limit is reached or the wrapper stops.
func (s *Synthetic) Wait() {
	s.wg.Wait()
}

func (s *Synthetic) Produced() int64 {
	return s.produced.Load()
}

// Rejected counts readings the publisher refused, out-of-order ones
// included.
func (s *Synthetic) Rejected() int64 {
	return s.rejected.Load()
}

func (s *Synthetic) run(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if err := recover(); err != nil {
			s.logger.Error(nil, "synthetic wrapper panic",
				zap.String("sensor", s.sensor.Name),
				zap.Any("panic", err),
			)
		}
	}()
	for seq := int64(0); s.limit <= 0 || seq < s.limit; seq++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.emit(ctx, seq)
	}
}

func (s *Synthetic) emit(ctx context.Context, seq int64) {
	partition := s.partitions[seq%int64(len(s.partitions))]
	now := s.clock()
	fields := s.reading(seq, partition, now)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["readingId"] = s.readingID()
	if s.sensor.PartitionField != "" {
		fields[s.sensor.PartitionField] = partition
	}
	elem := &model.StreamElement{
		Timestamp:    now.UnixMilli(),
		PartitionKey: s.sensor.PartitionKeyOf(fields),
		Fields:       fields,
	}
	if err := s.publisher.Publish(ctx, s.sensor, elem); err != nil {
		s.rejected.Add(1)
		s.logger.Debug("synthetic reading rejected",
			zap.String("sensor", s.sensor.Name),
			zap.Int64("seq", seq),
			zap.String("error", err.Error()),
		)
		return
	}
	s.produced.Add(1)
}
