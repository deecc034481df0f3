// ABOUTME: Conflict retry loop shared by the transactional store backends
// ABOUTME: Wraps cenkalti/backoff so retryable failures back off and others fail fast

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultTxAttempts bounds how many times a conflicting transaction is retried.
const defaultTxAttempts = 8

// withRetry runs op until it succeeds, returns a non-retryable error, or the
// attempt budget runs out. Exhaustion is reported as ErrConflict.
func withRetry(ctx context.Context, attempts int, retryable func(error) bool, op func() error) error {
	if attempts <= 0 {
		attempts = defaultTxAttempts
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()

	permanent := false
	err := backoff.Retry(func() error {
		err := op()
		if err != nil && !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))

	if err == nil || permanent || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConflict, attempts, err)
}
