package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/iliyamo/debtflow-identity/internal/repository"
)

// FirstRetryDelay is the company fetch schedule: wait Delay before the first
// retry and not at all before later ones.  A value must not be shared
// between concurrent retry loops.
type FirstRetryDelay struct {
	Delay time.Duration

	retries int
}

func (b *FirstRetryDelay) NextBackOff() time.Duration {
	b.retries++
	if b.retries == 1 {
		return b.Delay
	}
	return 0
}

func (b *FirstRetryDelay) Reset() { b.retries = 0 }

// RetryPolicy bounds the company fetch.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// fetchWithRetry runs fetch until it succeeds, fails with a non-retryable
// error or runs out of attempts.  Only repository.ErrNotFound is
// retried; the last error is returned on exhaustion.  onWait, when set, is
// called before every sleep.
func fetchWithRetry[T any](ctx context.Context, p RetryPolicy, fetch func(context.Context) (T, error), onWait func(error, time.Duration)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	op := func() (T, error) {
		v, err := fetch(ctx)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(&FirstRetryDelay{Delay: p.Delay}),
		backoff.WithMaxTries(uint(attempts)),
	}
	if onWait != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(onWait)))
	}
	return backoff.Retry(ctx, op, opts...)
}
