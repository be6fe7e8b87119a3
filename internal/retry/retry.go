// Package retry provides the exponential-backoff helper used for token
// refresh and similar auxiliary upstream calls. The relay orchestrator
// itself never retries through this; retrying a relayed request is the
// caller's decision.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const DefaultAttempts = 3

// Do runs op up to attempts times with delays of 1s, 2s, 4s, ...
// A zero attempts count falls back to DefaultAttempts.
func Do(ctx context.Context, attempts int, op func() error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
}

// Permanent wraps an error so Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
