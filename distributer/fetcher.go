package distributer

import (
	"context"

	"github.com/benz9527/xsensor/model"
)

// FetchRequest anchors a fetch strictly after (StartTime, LastSeenPosition).
type FetchRequest struct {
	Sensor           *model.Sensor
	Query            model.Query
	StartTime        int64
	LastSeenPosition int64
	// RowCap bounds the rows a single cursor yields. Zero means unbounded.
	RowCap int
}

// Fetcher opens resumable cursors over a sensor's data.
type Fetcher interface {
	Open(ctx context.Context, req FetchRequest) (Cursor, error)
}

// Cursor is a finite, non-restartable sequence of records ordered by
// (time asc, position asc).
type Cursor interface {
	HasNext() bool
	Next() *model.StreamElement
	// Truncated reports that the row cap was reached while more rows
	// might exist. Meaningful once the cursor is exhausted.
	Truncated() bool
	Close() error
}

// FetcherFunc adapts a function into a Fetcher.
type FetcherFunc func(ctx context.Context, req FetchRequest) (Cursor, error)

func (fn FetcherFunc) Open(ctx context.Context, req FetchRequest) (Cursor, error) {
	return fn(ctx, req)
}

var _ Cursor = (*SliceCursor)(nil)

// SliceCursor iterates over elements already in memory.
type SliceCursor struct {
	elems     []*model.StreamElement
	idx       int
	truncated bool
	closed    bool
}

func NewSliceCursor(elems []*model.StreamElement, truncated bool) *SliceCursor {
	return &SliceCursor{elems: elems, truncated: truncated}
}

func (c *SliceCursor) HasNext() bool {
	return !c.closed && c.idx < len(c.elems)
}

func (c *SliceCursor) Next() *model.StreamElement {
	if !c.HasNext() {
		return nil
	}
	e := c.elems[c.idx]
	c.elems[c.idx] = nil
	c.idx++
	return e
}

func (c *SliceCursor) Truncated() bool {
	return c.truncated
}

func (c *SliceCursor) Close() error {
	c.closed = true
	c.elems = nil
	return nil
}
