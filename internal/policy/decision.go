// Package policy provides the preset policy model, the pure policy
// evaluator and the sequential policy composer. A policy decision is a
// value; it never becomes an HTTP response inside this package.
package policy

import (
	"net/http"
	"time"
)

// Outcome is the result of a policy evaluation.
type Outcome string

// Outcomes.
const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Reason is the internal reason code for a decision. Reason codes are
// written to audit records and logs for operators; they are never
// echoed to the calling client.
type Reason string

// Reason codes.
const (
	ReasonNone                 Reason = ""
	ReasonInsufficientRole     Reason = "INSUFFICIENT_ROLE"
	ReasonUnknownPermission    Reason = "UNKNOWN_PERMISSION"
	ReasonMFARequired          Reason = "MFA_REQUIRED"
	ReasonSessionStale         Reason = "SESSION_STALE"
	ReasonBreakGlassDisallowed Reason = "BREAK_GLASS_DISALLOWED"
	ReasonNotFound             Reason = "NOT_FOUND"
	ReasonOwnershipMismatch    Reason = "OWNERSHIP_MISMATCH"
	ReasonRateLimited          Reason = "RATE_LIMITED"
	ReasonStoreUnavailable     Reason = "STORE_UNAVAILABLE"
	ReasonInternalError        Reason = "INTERNAL_ERROR"
)

// Decision represents the outcome of evaluating one or more policies
// against a request. Decisions are created per evaluation and never
// persisted.
type Decision struct {
	// Outcome is allow or deny.
	Outcome Outcome

	// Reason is the internal reason code for a deny.
	Reason Reason

	// HTTPStatus is a hint for the external handler layer; it is one
	// of 401, 403, 404 or 429 for denials.
	HTTPStatus int

	// RetryAfter is set for rate-limited denials.
	RetryAfter time.Duration
}

// Allowed returns true for an allow decision.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// Allow returns an allow decision.
func Allow() Decision {
	return Decision{Outcome: OutcomeAllow, HTTPStatus: http.StatusOK}
}

// Deny returns a deny decision with the status hint derived from the
// reason code.
func Deny(reason Reason) Decision {
	return Decision{
		Outcome:    OutcomeDeny,
		Reason:     reason,
		HTTPStatus: statusFor(reason),
	}
}

// DenyRateLimited returns a rate-limited denial carrying the duration
// the client should wait before retrying.
func DenyRateLimited(retryAfter time.Duration) Decision {
	d := Deny(ReasonRateLimited)
	d.RetryAfter = retryAfter
	return d
}

// statusFor maps a reason code to its HTTP status hint. NOT_FOUND
// intentionally maps to the same status as a generic forbidden so that
// unauthorized callers cannot probe for resource existence.
func statusFor(reason Reason) int {
	switch reason {
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonNotFound:
		return http.StatusForbidden
	default:
		return http.StatusForbidden
	}
}

// WithStatus returns a copy of the decision with an overridden status
// hint. Used for per-rule choices such as revealing 404 on ownership
// misses, or 401 for unauthenticated callers.
func (d Decision) WithStatus(status int) Decision {
	d.HTTPStatus = status
	return d
}

// ClientMessage returns the generic, non-leaking message for a
// decision. Clients never receive the missing role or permission name,
// tenant mismatch details, or the internal reason code.
func (d Decision) ClientMessage() string {
	if d.Allowed() {
		return ""
	}
	switch d.Reason {
	case ReasonRateLimited:
		return "Too many requests"
	case ReasonStoreUnavailable, ReasonInternalError:
		return "Temporarily unavailable"
	default:
		return "Insufficient permissions"
	}
}
