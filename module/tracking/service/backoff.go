package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetryPause = 5 * time.Second

// newBackoff doubles from initial up to limit, without jitter, and never
// gives up on its own.
func newBackoff(initial, limit time.Duration) *backoff.ExponentialBackOff {
	if limit < initial {
		limit = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = limit
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retry calls fn up to attempts times, doubling the pause from base between
// failures. It returns the last error, or ctx.Err() if ctx ends first.
func retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(newBackoff(base, maxRetryPause), uint64(attempts-1))
	return backoff.Retry(fn, backoff.WithContext(b, ctx))
}
