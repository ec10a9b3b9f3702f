// Package ownership provides the resource ownership authorizer. It
// enforces multi-tenant isolation by comparing a target resource's
// owner field against the requesting principal's scope. The resource
// lookup itself is an injected capability; this package never talks to
// a data store directly.
package ownership

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/promptforge/gatekeeper/internal/observability"
	"github.com/promptforge/gatekeeper/internal/policy"
	"github.com/promptforge/gatekeeper/internal/registry"
)

// Resource is the document view returned by a lookup. Only the fields
// needed for ownership comparison have to be populated.
type Resource map[string]string

// ErrNotFound is returned by a Lookup when the resource does not exist.
var ErrNotFound = errors.New("resource not found")

// Lookup resolves a resource by collection and id. Supplied by the
// external data layer.
type Lookup func(ctx context.Context, collection, id string) (Resource, error)

// Rule declares how ownership is checked for one resource kind.
type Rule struct {
	// Collection is the collection the resource lives in.
	Collection string

	// IDParam names the request path parameter carrying the resource id.
	IDParam string

	// OwnershipField is the resource field compared against the
	// principal's scope.
	OwnershipField string

	// PersonalScope compares against the principal's own id instead of
	// its organization.
	PersonalScope bool

	// RevealNotFound returns a 404 status hint for missing resources
	// instead of mirroring the generic forbidden status. Off by
	// default so existence does not leak.
	RevealNotFound bool
}

// DefaultLookupTimeout bounds the resource lookup round-trip.
const DefaultLookupTimeout = 2 * time.Second

// Authorizer checks resource ownership for a single rule. It
// implements policy.Evaluator and is placed after the RBAC check and
// before admission in the policy chain.
type Authorizer struct {
	rule        Rule
	lookup      Lookup
	bypassRoles map[registry.Role]struct{}
	timeout     time.Duration
	logger      observability.Logger
}

// Option is a functional option for the authorizer.
type Option func(*Authorizer)

// WithBypassRoles sets the explicit role list that skips the ownership
// check entirely. The bypass is a named set, never a rank comparison.
func WithBypassRoles(roles ...registry.Role) Option {
	return func(a *Authorizer) {
		a.bypassRoles = make(map[registry.Role]struct{}, len(roles))
		for _, role := range roles {
			a.bypassRoles[role] = struct{}{}
		}
	}
}

// WithLookupTimeout bounds the lookup round-trip.
func WithLookupTimeout(timeout time.Duration) Option {
	return func(a *Authorizer) {
		a.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Authorizer) {
		a.logger = logger
	}
}

// New creates an ownership authorizer for a rule.
func New(rule Rule, lookup Lookup, opts ...Option) (*Authorizer, error) {
	if lookup == nil {
		return nil, errors.New("ownership: lookup is required")
	}
	if rule.Collection == "" || rule.IDParam == "" || rule.OwnershipField == "" {
		return nil, errors.New("ownership: rule needs collection, id_param and ownership_field")
	}

	a := &Authorizer{
		rule:    rule,
		lookup:  lookup,
		timeout: DefaultLookupTimeout,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.bypassRoles == nil {
		a.bypassRoles = map[registry.Role]struct{}{registry.RoleSuperAdmin: {}}
	}
	return a, nil
}

// Evaluate resolves the target resource and compares its owner field
// to the principal's scope. Missing resources deny with the same
// status as a generic forbidden unless the rule reveals 404s.
func (a *Authorizer) Evaluate(ctx context.Context, in *policy.Input) policy.Decision {
	p := in.Principal
	if p == nil {
		return policy.Deny(policy.ReasonOwnershipMismatch)
	}

	if _, ok := a.bypassRoles[registry.Role(p.Role)]; ok {
		return policy.Allow()
	}

	id := in.PathParams[a.rule.IDParam]
	if id == "" {
		return a.denyNotFound()
	}

	lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resource, err := a.lookup(lookupCtx, a.rule.Collection, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return a.denyNotFound()
		}
		// Lookup failure or timeout: fail closed, never hang the
		// request or leak the fault to the caller.
		a.logger.Error("ownership lookup failed",
			observability.String("collection", a.rule.Collection),
			observability.String("resource_id", id),
			observability.Error(err),
		)
		return policy.Deny(policy.ReasonStoreUnavailable)
	}

	owner := resource[a.rule.OwnershipField]
	expected := p.OrganizationID
	if a.rule.PersonalScope {
		expected = p.ID
	}

	if owner == "" || expected == "" || owner != expected {
		return policy.Deny(policy.ReasonOwnershipMismatch)
	}
	return policy.Allow()
}

// denyNotFound builds the not-found denial honouring RevealNotFound.
func (a *Authorizer) denyNotFound() policy.Decision {
	d := policy.Deny(policy.ReasonNotFound)
	if a.rule.RevealNotFound {
		return d.WithStatus(http.StatusNotFound)
	}
	return d
}

// Ensure Authorizer implements policy.Evaluator.
var _ policy.Evaluator = (*Authorizer)(nil)
