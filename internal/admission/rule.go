// Package admission provides the tiered request-admission controller.
// Each protected endpoint class is governed by a token-bucket rule
// whose refill-and-consume step executes atomically in a shared bucket
// store, so admission stays correct across concurrent requests and
// gateway instances.
package admission

import (
	"fmt"
	"time"

	"github.com/promptforge/gatekeeper/internal/principal"
)

// DegradedMode selects the behavior of an endpoint class when the
// shared bucket store is unreachable. The choice is explicit per
// class; there is no global default.
type DegradedMode string

// Degraded modes.
const (
	// DegradedFailClosed denies requests while the store is down.
	// Required for destructive and write endpoint classes.
	DegradedFailClosed DegradedMode = "fail_closed"

	// DegradedFailOpen admits requests through a conservative
	// in-process fallback bucket while the store is down. Acceptable
	// for low-risk read endpoint classes only.
	DegradedFailOpen DegradedMode = "fail_open"
)

// Valid returns true for a known degraded mode.
func (m DegradedMode) Valid() bool {
	return m == DegradedFailClosed || m == DegradedFailOpen
}

// KeyBy selects the admission scope of an endpoint class.
type KeyBy string

// Scope selectors.
const (
	// KeyByPrincipal scopes buckets per authenticated principal,
	// falling back to the client IP for anonymous callers.
	KeyByPrincipal KeyBy = "principal"

	// KeyByIP always scopes buckets per client IP.
	KeyByIP KeyBy = "ip"
)

// Override is a per-tier replacement for a rule's base limits.
type Override struct {
	MaxRequests int
	Window      time.Duration
	Burst       int
}

// Rule is the immutable admission configuration for one endpoint class.
type Rule struct {
	// Class names the endpoint class (e.g. "login", "ai-execution",
	// "default-read").
	Class string

	// MaxRequests allowed per Window.
	MaxRequests int

	// Window is the averaging window for MaxRequests.
	Window time.Duration

	// Burst is the bucket capacity. Defaults to MaxRequests when zero.
	Burst int

	// TierOverrides replaces the base limits for specific tiers.
	TierOverrides map[principal.Tier]Override

	// DegradedMode is the explicit store-outage behavior for this class.
	DegradedMode DegradedMode

	// KeyBy selects the bucket scope.
	KeyBy KeyBy
}

// Validate checks the rule for configuration errors.
func (r *Rule) Validate() error {
	if r.Class == "" {
		return fmt.Errorf("admission rule has no class")
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("admission rule %q: max_requests must be positive", r.Class)
	}
	if r.Window <= 0 {
		return fmt.Errorf("admission rule %q: window must be positive", r.Class)
	}
	if !r.DegradedMode.Valid() {
		return fmt.Errorf("admission rule %q: degraded_mode must be fail_open or fail_closed", r.Class)
	}
	if r.KeyBy != "" && r.KeyBy != KeyByPrincipal && r.KeyBy != KeyByIP {
		return fmt.Errorf("admission rule %q: key_by must be principal or ip", r.Class)
	}
	for tier, o := range r.TierOverrides {
		if !tier.Valid() {
			return fmt.Errorf("admission rule %q: unknown tier %q", r.Class, tier)
		}
		if o.MaxRequests <= 0 || o.Window <= 0 {
			return fmt.Errorf("admission rule %q: tier %q override must have positive limits", r.Class, tier)
		}
	}
	return nil
}

// limits is the resolved (rate, burst, window) triple for one check.
type limits struct {
	maxRequests int
	window      time.Duration
	burst       int
}

func (l limits) rate() float64 {
	return float64(l.maxRequests) / l.window.Seconds()
}

// resolve picks the effective limits for a tier. Sensitive classes
// with hard limits never reach this point.
func (r *Rule) resolve(tier principal.Tier) limits {
	l := limits{maxRequests: r.MaxRequests, window: r.Window, burst: r.Burst}
	if o, ok := r.TierOverrides[tier]; ok {
		l.maxRequests = o.MaxRequests
		l.window = o.Window
		l.burst = o.Burst
	}
	if l.burst <= 0 {
		l.burst = l.maxRequests
	}
	return l
}

// Sensitive endpoint classes carry hard-coded limits that apply to
// every tier and take precedence over any configured override. These
// are deliberately not configurable.
var hardLimits = map[string]limits{
	"login":          {maxRequests: 5, window: 15 * time.Minute, burst: 5},
	"signup":         {maxRequests: 3, window: time.Hour, burst: 3},
	"password-reset": {maxRequests: 3, window: time.Hour, burst: 3},
}

// HardLimited returns true if the class carries a hard-coded limit.
func HardLimited(class string) bool {
	_, ok := hardLimits[class]
	return ok
}
