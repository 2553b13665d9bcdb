package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benz9527/xsensor/distributer"
	"github.com/benz9527/xsensor/model"
)

func TestWindowStore_OrderAndEviction(t *testing.T) {
	ws := NewWindowStore(WithDefaultWindowSize(4))
	sensor := &model.Sensor{Name: "temp"}
	require.ErrorIs(t, ws.Append(sensor, &model.StreamElement{}), ErrWindowNotFound)
	require.NoError(t, ws.Create(sensor))
	require.NoError(t, ws.Create(sensor))

	// Partitions interleave, so positions do not follow timestamps.
	inputs := []struct{ ts, pos int64 }{{10, 1}, {12, 2}, {11, 3}, {12, 4}, {13, 5}}
	for _, in := range inputs {
		require.NoError(t, ws.Append(sensor, &model.StreamElement{Timestamp: in.ts, Position: in.pos, Fields: map[string]any{}}))
	}
	require.Equal(t, 4, ws.Len(sensor))

	cur, err := ws.Open(context.Background(), distributer.FetchRequest{Sensor: sensor, StartTime: -1, LastSeenPosition: -1})
	require.NoError(t, err)
	got := drain(cur)
	require.Equal(t, []int64{3, 2, 4, 5}, positionsOf(got))

	cur, err = ws.Open(context.Background(), distributer.FetchRequest{Sensor: sensor, StartTime: 12, LastSeenPosition: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{4, 5}, positionsOf(drain(cur)))

	require.True(t, ws.Drop(sensor))
	require.False(t, ws.Drop(sensor))
	_, err = ws.Open(context.Background(), distributer.FetchRequest{Sensor: sensor})
	require.ErrorIs(t, err, ErrWindowNotFound)
	require.Equal(t, 0, ws.Len(sensor))
}

func TestWindowStore_QueryAndRowCap(t *testing.T) {
	ws := NewWindowStore()
	sensor := &model.Sensor{Name: "temp", WindowSize: 16}
	require.NoError(t, ws.Create(sensor))
	for i := int64(1); i <= 6; i++ {
		dev := "a"
		if i%2 == 0 {
			dev = "b"
		}
		require.NoError(t, ws.Append(sensor, &model.StreamElement{
			Timestamp:    i,
			Position:     i,
			PartitionKey: dev,
			Fields:       map[string]any{"dev": dev, "level": i % 3},
		}))
	}

	open := func(q model.Query, rowCap int) (distributer.Cursor, error) {
		return ws.Open(context.Background(), distributer.FetchRequest{
			Sensor: sensor, Query: q, StartTime: -1, LastSeenPosition: -1, RowCap: rowCap,
		})
	}
	cur, err := open("dev=a", 0)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 5}, positionsOf(drain(cur)))

	cur, err = open(" partitionKey = b , level=0 ", 0)
	require.NoError(t, err)
	require.Equal(t, []int64{6}, positionsOf(drain(cur)))

	cur, err = open("dev=a", 2)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, positionsOf(drain(cur)))
	require.True(t, cur.Truncated())

	cur, err = open("", 6)
	require.NoError(t, err)
	require.Len(t, drain(cur), 6)
	require.False(t, cur.Truncated())

	_, err = open("dev", 0)
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = open("=a", 0)
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestWindowStore_AppendCopies(t *testing.T) {
	ws := NewWindowStore()
	sensor := &model.Sensor{Name: "temp"}
	require.NoError(t, ws.Create(sensor))
	elem := &model.StreamElement{Timestamp: 1, Position: 1, Fields: map[string]any{"v": 1}}
	require.NoError(t, ws.Append(sensor, elem))
	elem.Fields["v"] = 2
	cur, err := ws.Open(context.Background(), distributer.FetchRequest{Sensor: sensor, StartTime: -1, LastSeenPosition: -1})
	require.NoError(t, err)
	require.Equal(t, 1, drain(cur)[0].Fields["v"])

	reloaded := &model.Sensor{Name: "temp"}
	_, err = ws.Open(context.Background(), distributer.FetchRequest{Sensor: reloaded})
	require.ErrorIs(t, err, ErrWindowNotFound)
}

func positionsOf(elems []*model.StreamElement) []int64 {
	res := make([]int64, 0, len(elems))
	for _, e := range elems {
		res = append(res, e.Position)
	}
	return res
}
