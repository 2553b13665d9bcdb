package wrapper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benz9527/xsensor/model"
)

type recordingPublisher struct {
	lock  sync.Mutex
	elems []*model.StreamElement
	fail  func(elem *model.StreamElement) bool
}

func (p *recordingPublisher) Publish(ctx context.Context, sensor *model.Sensor, elem *model.StreamElement) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.fail != nil && p.fail(elem) {
		return errors.New("out of order")
	}
	p.elems = append(p.elems, elem)
	return nil
}

func TestSynthetic_Partitions(t *testing.T) {
	sensor := &model.Sensor{Name: "weather", PartitionField: "station"}
	pub := &recordingPublisher{}
	ts := time.UnixMilli(1_000)
	s, err := NewSynthetic(sensor, pub,
		WithSyntheticRate(time.Millisecond, 10),
		WithSyntheticPartitions("a", "b"),
		WithSyntheticLimit(6),
		WithSyntheticClock(func() time.Time {
			ts = ts.Add(time.Millisecond)
			return ts
		}),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrWrapperStarted)
	s.Wait()

	require.Equal(t, int64(6), s.Produced())
	require.Len(t, pub.elems, 6)
	for i, elem := range pub.elems {
		want := "a"
		if i%2 == 1 {
			want = "b"
		}
		require.Equal(t, want, elem.PartitionKey)
		require.Equal(t, want, elem.Fields["station"])
		require.Equal(t, int64(1_001+i), elem.Timestamp)
		require.Len(t, elem.Fields["readingId"], 12)
		require.Contains(t, elem.Fields, "value")
	}
}

func TestSynthetic_RejectedAndStop(t *testing.T) {
	sensor := &model.Sensor{Name: "weather"}
	pub := &recordingPublisher{fail: func(elem *model.StreamElement) bool {
		return elem.Fields["seq"].(int64)%2 == 0
	}}
	s, err := NewSynthetic(sensor, pub, WithSyntheticRate(time.Millisecond, 1))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return s.Produced() >= 3
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	produced := s.Produced()
	require.GreaterOrEqual(t, s.Rejected(), produced-1)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, produced, s.Produced())
}

func TestNewSynthetic_Invalid(t *testing.T) {
	_, err := NewSynthetic(nil, &recordingPublisher{})
	require.ErrorIs(t, err, ErrNilSensor)
	_, err = NewSynthetic(&model.Sensor{Name: "x"}, nil)
	require.ErrorIs(t, err, ErrNilPublisher)
}
