package policy

import (
	"context"
	"errors"
	"time"

	"github.com/promptforge/gatekeeper/internal/principal"
	"github.com/promptforge/gatekeeper/internal/registry"
)

// Input carries the request-local facts a policy evaluates against.
// Everything here is immutable for the lifetime of the request.
type Input struct {
	// Principal is the authenticated actor, supplied by the external
	// authentication layer.
	Principal *principal.Principal

	// PathParams holds resolved request path parameters, used by the
	// ownership authorizer.
	PathParams map[string]string

	// EndpointClass names the rate-limit class of the endpoint.
	EndpointClass string

	// BreakGlassRequested is true when the caller attempted the
	// emergency override flag.
	BreakGlassRequested bool
}

// Evaluator is one policy in an ordered chain. Implementations must be
// safe for concurrent use; all mutable state lives behind their own
// synchronization.
type Evaluator interface {
	// Evaluate returns the decision for the input. Evaluators never
	// return errors at this boundary; unexpected faults are converted
	// to safe denials by the caller.
	Evaluate(ctx context.Context, in *Input) Decision
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, in *Input) Decision

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, in *Input) Decision {
	return f(ctx, in)
}

// PresetEvaluator evaluates a single preset against a principal. It is
// a pure function of its inputs and the injected clock: identical
// inputs always yield identical decisions.
type PresetEvaluator struct {
	preset *Preset
	reg    *registry.Registry
	now    func() time.Time
}

// PresetEvaluatorOption is a functional option for the evaluator.
type PresetEvaluatorOption func(*PresetEvaluator)

// WithClock sets the clock used for session freshness checks.
func WithClock(now func() time.Time) PresetEvaluatorOption {
	return func(e *PresetEvaluator) {
		e.now = now
	}
}

// NewPresetEvaluator creates an evaluator for a preset. The preset must
// already have been validated against the registry.
func NewPresetEvaluator(preset *Preset, reg *registry.Registry, opts ...PresetEvaluatorOption) *PresetEvaluator {
	e := &PresetEvaluator{
		preset: preset,
		reg:    reg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Preset returns the preset this evaluator enforces.
func (e *PresetEvaluator) Preset() *Preset {
	return e.preset
}

// Evaluate checks the preset requirements in fixed order, short-
// circuiting on the first failure: role/permission, then MFA, then
// session freshness, then the break-glass gate.
func (e *PresetEvaluator) Evaluate(_ context.Context, in *Input) Decision {
	p := in.Principal
	if p == nil {
		return Deny(ReasonInsufficientRole)
	}

	if !e.reg.HasRole(p, e.preset.RequiredRoles, e.preset.RequireAny) {
		return Deny(ReasonInsufficientRole)
	}

	if e.preset.RequiredPermission != "" {
		ok, err := e.reg.HasPermission(p, e.preset.RequiredPermission)
		if err != nil {
			// Unresolved permission reference: fail closed with a
			// distinct reason so misconfiguration is observable.
			if errors.Is(err, registry.ErrUnknownPermission) {
				return Deny(ReasonUnknownPermission)
			}
			return Deny(ReasonInternalError)
		}
		if !ok {
			return Deny(ReasonInsufficientRole)
		}
	}

	if e.preset.RequireMFA && !p.MFAVerified {
		return Deny(ReasonMFARequired)
	}

	if e.preset.RequireFreshSession {
		if p.SessionIssuedAt.IsZero() || p.SessionAge(e.now()) > e.preset.MaxSessionAge {
			return Deny(ReasonSessionStale)
		}
	}

	// The break-glass gate holds regardless of role: a preset that
	// disallows the override denies every attempted use of it.
	if in.BreakGlassRequested && !e.preset.AllowBreakGlass {
		return Deny(ReasonBreakGlassDisallowed)
	}

	return Allow()
}

// Chain composes an ordered list of evaluators. Ordering is a
// correctness requirement: RBAC runs before resource ownership so an
// unauthorized caller cannot learn whether a resource exists, and both
// run before rate limiting so denied requests never consume quota.
type Chain struct {
	evaluators []Evaluator
}

// NewChain creates a composer over the evaluators in the given order.
func NewChain(evaluators ...Evaluator) *Chain {
	return &Chain{evaluators: evaluators}
}

// Evaluate runs the chain strictly in order and returns the first
// deny; it returns allow only if every evaluator allows.
func (c *Chain) Evaluate(ctx context.Context, in *Input) Decision {
	for _, e := range c.evaluators {
		if d := e.Evaluate(ctx, in); !d.Allowed() {
			return d
		}
	}
	return Allow()
}

// Ensure implementations satisfy the interface.
var (
	_ Evaluator = (*PresetEvaluator)(nil)
	_ Evaluator = (*Chain)(nil)
	_ Evaluator = (EvaluatorFunc)(nil)
)
