package ipc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrChannelClosed      = errors.New("[ipc] channel has been closed")
	ErrChannelSendTimeout = errors.New("[ipc] channel send timeout")
	ErrChannelFull        = errors.New("[ipc] channel is full")
)

type ReadOnlyChannel[T any] interface {
	Wait() <-chan T
}

type SendOnlyChannel[T any] interface {
	Send(v T, nonBlocking ...bool) error
	SendTimeout(v T, timeout time.Duration) error
	IsClosed() bool
}

type ClosableChannel[T any] interface {
	io.Closer
	ReadOnlyChannel[T]
	SendOnlyChannel[T]
}

// safeClosableChannel is a generic channel wrapper.
//  1. The channel is closed only once.
//  2. The underlying channel is never closed while a sender may still
//     be running; closing only flips the flag and wakes the blocked
//     senders, then the channel is collected by GC.
type safeClosableChannel[T any] struct {
	queueC   chan T
	closeC   chan struct{}
	isClosed atomic.Bool
	once     *sync.Once
}

func (c *safeClosableChannel[T]) IsClosed() bool {
	return c.isClosed.Load()
}

func (c *safeClosableChannel[T]) Close() error {
	c.once.Do(func() {
		c.isClosed.Store(true)
		close(c.closeC)
	})
	return nil
}

func (c *safeClosableChannel[T]) Wait() <-chan T {
	return c.queueC
}

func (c *safeClosableChannel[T]) Send(v T, nonBlocking ...bool) error {
	if c.isClosed.Load() {
		return ErrChannelClosed
	}

	if len(nonBlocking) > 0 && nonBlocking[0] {
		select {
		case c.queueC <- v:
			return nil
		case <-c.closeC:
			return ErrChannelClosed
		default:
			return ErrChannelFull
		}
	}
	select {
	case c.queueC <- v:
		return nil
	case <-c.closeC:
		return ErrChannelClosed
	}
}

func (c *safeClosableChannel[T]) SendTimeout(v T, timeout time.Duration) error {
	if c.isClosed.Load() {
		return ErrChannelClosed
	}
	if timeout <= 0 {
		return c.Send(v)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.queueC <- v:
		return nil
	case <-c.closeC:
		return ErrChannelClosed
	case <-timer.C:
		return ErrChannelSendTimeout
	}
}

var (
	_ ReadOnlyChannel[struct{}] = &safeClosableChannel[struct{}]{} // type check assertion
	_ SendOnlyChannel[struct{}] = &safeClosableChannel[struct{}]{} // type check assertion
)

func NewSafeClosableChannel[T any](chSize ...int) ClosableChannel[T] {
	size := 0
	if len(chSize) > 0 && chSize[0] > 0 {
		size = chSize[0]
	}
	return &safeClosableChannel[T]{
		queueC: make(chan T, size),
		closeC: make(chan struct{}),
		once:   &sync.Once{},
	}
}
