package sink

import (
	"context"
	randv2 "math/rand/v2"
	"time"

	"go.uber.org/multierr"
)

// RetryStrategy yields the wait before the next attempt. Zero stops.
// A strategy carries the state of one operation and is not shared.
type RetryStrategy interface {
	Next() time.Duration
}

// RetryPolicy builds a fresh strategy per operation.
type RetryPolicy func() RetryStrategy

type linearBackoff time.Duration

func (backoff linearBackoff) Next() time.Duration {
	return time.Duration(backoff)
}

func NoRetry() RetryPolicy {
	return func() RetryStrategy {
		return linearBackoff(0)
	}
}

type limitedRetry struct {
	strategy RetryStrategy
	count    int64
	maxCount int64
}

func (retry *limitedRetry) Next() time.Duration {
	if retry.count >= retry.maxCount {
		return 0
	}
	retry.count++
	return retry.strategy.Next()
}

// LimitedRetry waits the same backoff, with a little jitter, at most
// maxCount times.
func LimitedRetry(backoff time.Duration, maxCount int64) RetryPolicy {
	if backoff <= 0 || maxCount <= 0 {
		return NoRetry()
	}
	return func() RetryStrategy {
		return &limitedRetry{
			strategy: newExponentialBackoff(maxCount, backoff, 0, 1.0, 0.1),
			maxCount: maxCount,
		}
	}
}

type exponentialBackoff struct {
	duration time.Duration
	factor   float64
	jitter   float64
	steps    int64
	cap      time.Duration
}

func newExponentialBackoff(maxSteps int64, initBackoff, maxBackoff time.Duration, factor, jitter float64) *exponentialBackoff {
	return &exponentialBackoff{
		cap:      maxBackoff,
		duration: initBackoff,
		factor:   factor,
		jitter:   jitter,
		steps:    maxSteps,
	}
}

func (backoff *exponentialBackoff) Next() time.Duration {
	if backoff.steps < 1 {
		return 0
	}
	backoff.steps--
	duration := backoff.duration
	if backoff.factor != 0 {
		backoff.duration = time.Duration(float64(backoff.duration) * backoff.factor)
		if backoff.cap > 0 && backoff.duration > backoff.cap {
			backoff.duration = backoff.cap
		}
	}
	if backoff.jitter > 0 {
		duration += time.Duration(randv2.Float64() * backoff.jitter * float64(duration))
	}
	return duration
}

func ExponentialBackoffRetry(maxSteps int64, initBackoff, maxBackoff time.Duration, factor, jitter float64) RetryPolicy {
	return func() RetryStrategy {
		return newExponentialBackoff(maxSteps, initBackoff, maxBackoff, factor, jitter)
	}
}

func DefaultExponentialBackoffRetry() RetryPolicy {
	return ExponentialBackoffRetry(3, 10*time.Millisecond, 200*time.Millisecond, 2.0, 0.1)
}

// retryDo runs op until it succeeds, the strategy gives up or ctx ends.
// The returned error aggregates every failed attempt.
func retryDo(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	if policy == nil {
		policy = NoRetry()
	}
	strategy := policy()
	var errs error
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		errs = multierr.Append(errs, err)
		wait := strategy.Next()
		if wait <= 0 {
			return errs
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return multierr.Append(errs, ctx.Err())
		case <-timer.C:
		}
	}
}
