// Package principal defines the authenticated actor consumed by the
// gateway core. A Principal is created per request by an external
// authentication layer, is immutable for the lifetime of the request,
// and is never persisted by this core.
package principal

import (
	"context"
	"errors"
	"time"
)

// Tier represents the subscription tier of a principal.
type Tier string

// Subscription tiers.
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// Valid returns true if the tier is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierTeam, TierEnterprise:
		return true
	default:
		return false
	}
}

// AnonymousID is the subject identifier used for unauthenticated requests.
const AnonymousID = "anonymous"

// Principal represents an authenticated actor making a request.
type Principal struct {
	// ID is the unique identifier of the principal (e.g. user ID).
	ID string `json:"id"`

	// Role is the principal's role identifier.
	Role string `json:"role"`

	// OrganizationID is the tenant the principal belongs to.
	OrganizationID string `json:"organization_id,omitempty"`

	// Permissions contains fine-grained permission strings granted
	// directly to the principal, in addition to role-derived ones.
	Permissions map[string]struct{} `json:"permissions,omitempty"`

	// MFAVerified indicates whether the principal completed a
	// multi-factor challenge in the current session.
	MFAVerified bool `json:"mfa_verified"`

	// MFAVerifiedAt is when the multi-factor challenge was completed.
	MFAVerifiedAt *time.Time `json:"mfa_verified_at,omitempty"`

	// SessionIssuedAt is when the current session was issued.
	SessionIssuedAt time.Time `json:"session_issued_at"`

	// Tier is the subscription tier used for rate-limit resolution.
	Tier Tier `json:"tier"`

	// IPAddress is the client address as seen by the edge.
	IPAddress string `json:"ip_address,omitempty"`

	// UserAgent is the client user agent.
	UserAgent string `json:"user_agent,omitempty"`
}

// HasPermission checks if the principal holds a directly granted permission.
func (p *Principal) HasPermission(permission string) bool {
	if p.Permissions == nil {
		return false
	}
	_, ok := p.Permissions[permission]
	return ok
}

// IsAnonymous returns true for unauthenticated principals.
func (p *Principal) IsAnonymous() bool {
	return p.ID == "" || p.ID == AnonymousID
}

// SessionAge returns the age of the principal's session at the given time.
func (p *Principal) SessionAge(now time.Time) time.Duration {
	if p.SessionIssuedAt.IsZero() {
		return 0
	}
	return now.Sub(p.SessionIssuedAt)
}

// Anonymous returns an unauthenticated principal keyed by client IP.
// Anonymous principals are admitted at the strictest tier.
func Anonymous(ip string) *Principal {
	return &Principal{
		ID:        AnonymousID,
		Tier:      TierFree,
		IPAddress: ip,
	}
}

// Context key type for the principal.
type principalContextKey struct{}

// ContextWithPrincipal adds a principal to the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext extracts the principal from the context.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

// ErrPrincipalNotFound is returned when no principal is present in context.
var ErrPrincipalNotFound = errors.New("principal not found in context")

// ErrPrincipalNil is returned when the principal in context is nil.
var ErrPrincipalNil = errors.New("principal in context is nil")

// FromContextOrError extracts the principal from the context or returns
// an error. Preferred over FromContext in code paths that must not
// proceed without an authenticated actor.
func FromContextOrError(ctx context.Context) (*Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	if p == nil {
		return nil, ErrPrincipalNil
	}
	return p, nil
}
