package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/promptforge/gatekeeper/internal/observability"
)

// Prometheus metrics for bucket store operations.
var (
	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "bucket_store",
			Name:      "operations_total",
			Help:      "Total number of bucket store operations",
		},
		[]string{"operation", "status"},
	)

	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Subsystem: "bucket_store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of bucket store operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"operation"},
	)
)

// refillAndConsumeScript performs the token bucket refill-and-consume
// step atomically on the Redis side. Rate, burst and cost arrive as
// decimal strings so slow refill rates (hourly windows come out well
// below 0.001 tokens/s) keep full float precision; the remaining count
// is returned scaled by 1000 because Redis truncates Lua numbers to
// integers on the way out.
//
// KEYS[1] = bucket key
// ARGV[1] = rate (tokens per second, decimal string)
// ARGV[2] = burst (decimal string)
// ARGV[3] = cost (decimal string)
// ARGV[4] = now in milliseconds
// ARGV[5] = ttl in milliseconds
//
// Returns {allowed (0|1), remaining (scaled by 1000), retry_after_ms}.
var refillAndConsumeScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local cost = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local data = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(data[1])
	local last_refill = tonumber(data[2])

	if tokens == nil then
		tokens = burst
		last_refill = now
	end

	local elapsed = (now - last_refill) / 1000.0
	tokens = math.min(burst, tokens + (elapsed * rate))

	local allowed = 0
	if tokens >= cost then
		tokens = tokens - cost
		allowed = 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
	redis.call('PEXPIRE', key, ttl)

	local retry_ms = 0
	if allowed == 0 and rate > 0 then
		retry_ms = math.ceil((cost - tokens) / rate * 1000)
	end

	return {allowed, math.floor(tokens * 1000), retry_ms}
`)

// RedisConfig holds configuration for the Redis bucket store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger observability.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:      "localhost:6379",
		Prefix:       "gatekeeper:bucket:",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// RedisStore implements Store using Redis. The refill-and-consume step
// runs as a single Lua script, which Redis executes atomically, so the
// guarantee holds across gateway instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger observability.Logger
	mu     sync.Mutex
	closed bool
}

// NewRedisStore creates a Redis bucket store and verifies connectivity.
func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Address, err)
	}

	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		logger: logger,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: observability.NopLogger(),
	}
}

// scale decodes the script's fixed-point remaining count.
const scale = 1000.0

// RefillAndConsume implements Store.
func (s *RedisStore) RefillAndConsume(
	ctx context.Context,
	key string,
	rate, burst, cost float64,
	ttl time.Duration,
) (Result, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("context error before refill and consume: %w", err)
	}

	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	raw, err := refillAndConsumeScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		strconv.FormatFloat(rate, 'f', -1, 64),
		strconv.FormatFloat(burst, 'f', -1, 64),
		strconv.FormatFloat(cost, 'f', -1, 64),
		time.Now().UnixMilli(), ttlMs,
	).Result()

	storeOperationDuration.WithLabelValues("refill_and_consume").Observe(time.Since(start).Seconds())

	if err != nil {
		storeOperationsTotal.WithLabelValues("refill_and_consume", "error").Inc()
		return Result{}, fmt.Errorf("redis script error: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		storeOperationsTotal.WithLabelValues("refill_and_consume", "error").Inc()
		return Result{}, fmt.Errorf("redis script returned unexpected shape: %T", raw)
	}

	allowed, aok := values[0].(int64)
	remaining, rok := values[1].(int64)
	retryMs, tok := values[2].(int64)
	if !aok || !rok || !tok {
		storeOperationsTotal.WithLabelValues("refill_and_consume", "error").Inc()
		return Result{}, fmt.Errorf("redis script returned unexpected types: %v", values)
	}

	storeOperationsTotal.WithLabelValues("refill_and_consume", "success").Inc()

	return Result{
		Allowed:    allowed == 1,
		Remaining:  float64(remaining) / scale,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before reset: %w", err)
	}

	err := s.client.Del(ctx, s.prefix+key).Err()

	storeOperationDuration.WithLabelValues("reset").Observe(time.Since(start).Seconds())

	if err != nil {
		storeOperationsTotal.WithLabelValues("reset", "error").Inc()
		return fmt.Errorf("redis del error: %w", err)
	}

	storeOperationsTotal.WithLabelValues("reset", "success").Inc()
	return nil
}

// Close implements Store. Idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
