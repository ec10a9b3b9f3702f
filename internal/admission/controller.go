package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/promptforge/gatekeeper/internal/admission/store"
	"github.com/promptforge/gatekeeper/internal/observability"
	"github.com/promptforge/gatekeeper/internal/policy"
	"github.com/promptforge/gatekeeper/internal/principal"
)

// Defaults for the controller.
const (
	// DefaultStoreTimeout bounds the round-trip to the shared bucket
	// store. Exceeding it triggers the per-class degraded fallback
	// instead of hanging the request.
	DefaultStoreTimeout = 50 * time.Millisecond

	// DefaultFallbackPerMinute is the conservative in-process limit
	// applied to fail-open classes while the store is down.
	DefaultFallbackPerMinute = 10

	// ttlWindowMultiple sizes bucket TTLs as a few multiples of the
	// rule window.
	ttlWindowMultiple = 3
)

// Prometheus metrics for admission decisions.
var (
	admissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions",
		},
		[]string{"class", "outcome"},
	)

	admissionDegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "admission",
			Name:      "degraded_total",
			Help:      "Total number of admission checks served in degraded mode",
		},
		[]string{"class", "mode"},
	)
)

// Controller admits or denies requests per endpoint class using token
// buckets in a shared store. It implements policy.Evaluator and runs
// last in the policy chain so denied requests never consume quota.
type Controller struct {
	rules        map[string]*Rule
	store        store.Store
	breaker      *gobreaker.CircuitBreaker
	storeTimeout time.Duration
	logger       observability.Logger

	// fallback holds per-key in-process limiters used while the store
	// is unreachable and the class fails open.
	fallback    sync.Map
	fallbackRPM int
}

// Option is a functional option for the controller.
type Option func(*Controller)

// WithControllerLogger sets the logger.
func WithControllerLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithStoreTimeout bounds the bucket store round-trip.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		c.storeTimeout = timeout
	}
}

// WithFallbackPerMinute sets the in-process degraded-mode limit for
// fail-open classes.
func WithFallbackPerMinute(perMinute int) Option {
	return func(c *Controller) {
		c.fallbackRPM = perMinute
	}
}

// NewController creates an admission controller over the given rules
// and bucket store. Every rule must validate; sensitive classes with
// hard-coded limits fail closed regardless of their configured mode.
func NewController(rules []Rule, s store.Store, opts ...Option) (*Controller, error) {
	if s == nil {
		return nil, fmt.Errorf("admission: store is required")
	}

	c := &Controller{
		rules:        make(map[string]*Rule, len(rules)),
		store:        s,
		storeTimeout: DefaultStoreTimeout,
		fallbackRPM:  DefaultFallbackPerMinute,
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for i := range rules {
		rule := rules[i]
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.rules[rule.Class]; dup {
			return nil, fmt.Errorf("admission: duplicate rule for class %q", rule.Class)
		}
		c.rules[rule.Class] = &rule
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bucket-store",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn("bucket store breaker state change",
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return c, nil
}

// Evaluate implements policy.Evaluator.
func (c *Controller) Evaluate(ctx context.Context, in *policy.Input) policy.Decision {
	return c.Check(ctx, in.Principal, in.EndpointClass)
}

// Check runs the token-bucket admission step for one request. The
// refill-and-consume is a single atomic store operation per scope key;
// a token consumed before the caller's context is cancelled is not
// refunded.
func (c *Controller) Check(ctx context.Context, p *principal.Principal, class string) policy.Decision {
	rule, ok := c.rules[class]
	if !ok {
		// Unconfigured classes pass through; the configuration
		// validator warns about classes referenced but not defined.
		return policy.Allow()
	}

	if p == nil {
		p = principal.Anonymous("")
	}

	eff := c.effectiveLimits(rule, p)
	key, keyed := scopeKey(rule, p, class)
	if !keyed {
		// An IP-keyed caller without a client address cannot be
		// attributed to a bucket. Pooling such callers under one key
		// would let a single client exhaust the class for all of them.
		admissionDecisionsTotal.WithLabelValues(class, "deny").Inc()
		c.logger.Warn("admission denied, caller has no scope key",
			observability.String("class", rule.Class))
		return policy.Deny(policy.ReasonInternalError)
	}
	ttl := ttlWindowMultiple * eff.window

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.store.RefillAndConsume(storeCtx, key, eff.rate(), float64(eff.burst), 1, ttl)
	})
	if err != nil {
		// Caller cancellation is not a store fault; deny without
		// tripping degraded accounting.
		if ctx.Err() != nil {
			return policy.Deny(policy.ReasonInternalError)
		}
		return c.degraded(rule, key, err)
	}

	res := raw.(store.Result)
	if !res.Allowed {
		admissionDecisionsTotal.WithLabelValues(class, "deny").Inc()
		return policy.DenyRateLimited(ceilSecond(res.RetryAfter))
	}

	admissionDecisionsTotal.WithLabelValues(class, "allow").Inc()
	return policy.Allow()
}

// effectiveLimits resolves the limits for a principal's tier. Hard
// sensitive-class limits take precedence over every tier override.
func (c *Controller) effectiveLimits(rule *Rule, p *principal.Principal) limits {
	if hard, ok := hardLimits[rule.Class]; ok {
		return hard
	}
	tier := p.Tier
	if p.IsAnonymous() {
		tier = principal.TierFree
	}
	return rule.resolve(tier)
}

// scopeKey builds the bucket key for a request. Authenticated
// principals are keyed by id; anonymous callers by client IP. An
// IP-keyed caller with no address has no scope key and reports false.
func scopeKey(rule *Rule, p *principal.Principal, class string) (string, bool) {
	if rule.KeyBy == KeyByIP || p.IsAnonymous() {
		if p.IPAddress == "" {
			return "", false
		}
		return class + ":ip:" + p.IPAddress, true
	}
	return class + ":principal:" + p.ID, true
}

// degraded applies the per-class store-outage policy. Sensitive
// hard-limited classes always fail closed.
func (c *Controller) degraded(rule *Rule, key string, cause error) policy.Decision {
	mode := rule.DegradedMode
	if HardLimited(rule.Class) {
		mode = DegradedFailClosed
	}

	admissionDegradedTotal.WithLabelValues(rule.Class, string(mode)).Inc()
	c.logger.Warn("bucket store unavailable, admission degraded",
		observability.String("class", rule.Class),
		observability.String("mode", string(mode)),
		observability.Error(cause),
	)

	if mode == DegradedFailClosed {
		return policy.Deny(policy.ReasonStoreUnavailable)
	}

	return c.fallbackCheck(rule.Class, key)
}

// fallbackCheck admits through a conservative in-process bucket while
// the store is down. Fallback buckets are per scope key, so one noisy
// client cannot starve the rest even in degraded mode.
func (c *Controller) fallbackCheck(class, key string) policy.Decision {
	value, _ := c.fallback.LoadOrStore(key,
		rate.NewLimiter(rate.Limit(float64(c.fallbackRPM)/60.0), c.fallbackRPM))
	limiter := value.(*rate.Limiter)

	rsv := limiter.Reserve()
	if !rsv.OK() {
		admissionDecisionsTotal.WithLabelValues(class, "deny").Inc()
		return policy.Deny(policy.ReasonStoreUnavailable)
	}
	if delay := rsv.Delay(); delay > 0 {
		rsv.Cancel()
		admissionDecisionsTotal.WithLabelValues(class, "deny").Inc()
		return policy.DenyRateLimited(ceilSecond(delay))
	}

	admissionDecisionsTotal.WithLabelValues(class, "allow").Inc()
	return policy.Allow()
}

// Rule returns the rule configured for a class.
func (c *Controller) Rule(class string) (*Rule, bool) {
	rule, ok := c.rules[class]
	return rule, ok
}

// Close closes the underlying store.
func (c *Controller) Close() error {
	return c.store.Close()
}

// ceilSecond rounds a retry hint up to a whole second so the value is
// directly usable as a Retry-After header.
func ceilSecond(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		return d - rem + time.Second
	}
	return d
}

// Ensure Controller implements policy.Evaluator.
var _ policy.Evaluator = (*Controller)(nil)
