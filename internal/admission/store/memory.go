package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxCASRetries bounds the compare-and-swap loop to prevent spinning
// under pathological contention.
const maxCASRetries = 100

// cleanupInterval is how often expired buckets are swept.
const cleanupInterval = time.Minute

// bucket is an immutable snapshot of one bucket's state. Updates
// replace the whole value via CompareAndSwap, which makes the
// refill-and-consume step atomic per key without a shared lock across
// keys.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

// MemoryStore implements Store for single-instance deployments using
// an in-process concurrent map with per-key compare-and-swap.
type MemoryStore struct {
	data    sync.Map
	clock   func() time.Time
	cleanup *time.Ticker
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// MemoryOption is a functional option for the memory store.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock, used by tests to drive refill.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = clock
	}
}

// NewMemoryStore creates a new in-memory bucket store and starts its
// background sweep of expired buckets.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock:   time.Now,
		cleanup: time.NewTicker(cleanupInterval),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.startCleanup()

	return s
}

// RefillAndConsume implements Store.
func (s *MemoryStore) RefillAndConsume(
	ctx context.Context,
	key string,
	rate, burst, cost float64,
	ttl time.Duration,
) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	now := s.clock()

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			// Lazily create the bucket at full burst, minus the cost.
			fresh := &bucket{
				tokens:     burst - cost,
				lastRefill: now,
				expiresAt:  now.Add(ttl),
			}
			if burst < cost {
				fresh.tokens = burst
			}
			if actual, loaded := s.data.LoadOrStore(key, fresh); loaded {
				value = actual
			} else {
				if burst < cost {
					return Result{Allowed: false, Remaining: burst, RetryAfter: retryAfter(burst, cost, rate)}, nil
				}
				return Result{Allowed: true, Remaining: fresh.tokens}, nil
			}
		}

		cur := value.(*bucket)

		// An expired bucket restarts at full burst.
		if now.After(cur.expiresAt) {
			next := &bucket{
				tokens:     burst - cost,
				lastRefill: now,
				expiresAt:  now.Add(ttl),
			}
			allowed := burst >= cost
			if !allowed {
				next.tokens = burst
			}
			if s.data.CompareAndSwap(key, cur, next) {
				if !allowed {
					return Result{Allowed: false, Remaining: burst, RetryAfter: retryAfter(burst, cost, rate)}, nil
				}
				return Result{Allowed: true, Remaining: next.tokens}, nil
			}
			continue
		}

		elapsed := now.Sub(cur.lastRefill).Seconds()
		tokens := cur.tokens + elapsed*rate
		if tokens > burst {
			tokens = burst
		}

		allowed := tokens >= cost
		if allowed {
			tokens -= cost
		}

		next := &bucket{
			tokens:     tokens,
			lastRefill: now,
			expiresAt:  now.Add(ttl),
		}
		if s.data.CompareAndSwap(key, cur, next) {
			res := Result{Allowed: allowed, Remaining: tokens}
			if !allowed {
				res.RetryAfter = retryAfter(tokens, cost, rate)
			}
			return res, nil
		}
		// CAS lost, retry with fresh state.
	}

	return Result{}, fmt.Errorf("refill and consume failed: max retries (%d) exceeded", maxCASRetries)
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.data.Delete(key)
	return nil
}

// Close implements Store. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cleanup.Stop()
	close(s.done)
	return nil
}

// startCleanup periodically removes expired buckets.
func (s *MemoryStore) startCleanup() {
	for {
		select {
		case <-s.cleanup.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

// cleanupExpired removes all expired buckets.
func (s *MemoryStore) cleanupExpired() {
	now := s.clock()

	s.data.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		if now.After(b.expiresAt) {
			s.data.Delete(key)
		}
		return true
	})
}

// Size returns the number of buckets currently held.
func (s *MemoryStore) Size() int {
	count := 0
	s.data.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
