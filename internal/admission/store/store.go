// Package store provides bucket storage backends for the admission
// controller. The only mutation a backend exposes is a single atomic
// refill-and-consume step, so two concurrent requests against one
// bucket can never observe the same pre-consumption token count.
package store

import (
	"context"
	"time"
)

// Result is the outcome of an atomic refill-and-consume step.
type Result struct {
	// Allowed indicates whether the requested tokens were consumed.
	Allowed bool

	// Remaining is the token count after the operation.
	Remaining float64

	// RetryAfter is the time until enough tokens accumulate for the
	// request to succeed. Zero when allowed.
	RetryAfter time.Duration
}

// Store is the shared bucket store. Implementations must perform
// RefillAndConsume as one atomic operation, never as a read followed
// by a separate write.
type Store interface {
	// RefillAndConsume refills the bucket at key based on elapsed time
	// (rate tokens per second, capped at burst), then consumes cost
	// tokens if available. A bucket is created lazily at full burst on
	// first use and expires after ttl of inactivity.
	RefillAndConsume(ctx context.Context, key string, rate, burst, cost float64, ttl time.Duration) (Result, error)

	// Reset removes the bucket state for the given key.
	Reset(ctx context.Context, key string) error

	// Close closes the store and releases resources.
	Close() error
}

// retryAfter computes the wait until cost tokens are available at the
// given refill rate.
func retryAfter(tokens, cost, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	missing := cost - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / rate * float64(time.Second))
}
