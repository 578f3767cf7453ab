package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saiset-co/sai-cache-engine/types"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 100 * time.Millisecond
)

// retryPolicy retries transient store failures with bounded exponential
// backoff before the caller fails open. A key miss is never retried.
type retryPolicy struct {
	attempts int
	base     time.Duration
}

func newRetryPolicy(attempts int, base time.Duration) retryPolicy {
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if base <= 0 {
		base = defaultRetryBase
	}
	return retryPolicy{attempts: attempts, base: base}
}

func (p retryPolicy) do(ctx context.Context, op func() error) error {
	var err error
	delay := p.base

	for attempt := 0; attempt < p.attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}

		if types.IsError(err, redis.Nil) || types.IsError(err, context.Canceled) {
			return err
		}

		if attempt == p.attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.WrapError(ctx.Err(), "store retry cancelled")
		case <-timer.C:
		}
		delay *= 2
	}

	return types.WrapError(err, "store operation exhausted retries")
}
