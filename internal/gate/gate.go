package gate

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/promptforge/gatekeeper/internal/admission"
	"github.com/promptforge/gatekeeper/internal/audit"
	"github.com/promptforge/gatekeeper/internal/observability"
	"github.com/promptforge/gatekeeper/internal/ownership"
	"github.com/promptforge/gatekeeper/internal/policy"
	"github.com/promptforge/gatekeeper/internal/principal"
	"github.com/promptforge/gatekeeper/internal/registry"
)

var gateDecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Total number of gateway decisions",
	},
	[]string{"preset", "outcome", "reason"},
)

// Request carries everything the gateway needs to decide a single
// call. The zero Principal means an unauthenticated caller.
type Request struct {
	Principal           *principal.Principal
	PresetName          string
	EndpointClass       string
	PathParams          map[string]string
	BreakGlassRequested bool
	IP                  string
	UserAgent           string
}

// Binding ties a policy preset to its optional ownership authorizer.
type Binding struct {
	Preset    *policy.Preset
	Ownership *ownership.Authorizer
}

// entry is a compiled binding: the preset plus its evaluator chain.
type entry struct {
	preset *policy.Preset
	chain  *policy.Chain
}

// RetentionFunc resolves the audit retention window for an
// organization. A nil func or non-positive result falls back to the
// default retention.
type RetentionFunc func(organizationID string) time.Duration

// Gateway composes role policy, ownership and admission into a single
// Check call. The order is fixed: role and session checks run first,
// then ownership, then rate admission, so a caller never burns rate
// budget on a request it was not allowed to make.
type Gateway struct {
	registry  *registry.Registry
	admission *admission.Controller
	sink      audit.Sink
	logger    observability.Logger
	retention RetentionFunc

	entries atomic.Pointer[map[string]*entry]
}

// GatewayOption is a functional option for the Gateway.
type GatewayOption func(*Gateway)

// WithAdmission sets the admission controller appended to every
// preset chain.
func WithAdmission(c *admission.Controller) GatewayOption {
	return func(g *Gateway) {
		g.admission = c
	}
}

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) GatewayOption {
	return func(g *Gateway) {
		g.sink = s
	}
}

// WithGatewayLogger sets the operational logger.
func WithGatewayLogger(l observability.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithRetention sets the per-organization audit retention resolver.
func WithRetention(fn RetentionFunc) GatewayOption {
	return func(g *Gateway) {
		g.retention = fn
	}
}

// NewGateway creates a gateway over the given bindings. Every preset
// must validate against the registry.
func NewGateway(reg *registry.Registry, bindings []Binding, opts ...GatewayOption) (*Gateway, error) {
	if reg == nil {
		return nil, fmt.Errorf("gate: registry is required")
	}

	g := &Gateway{
		registry: reg,
		sink:     audit.NopSink(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}

	entries, err := g.compile(bindings)
	if err != nil {
		return nil, err
	}
	g.entries.Store(&entries)

	return g, nil
}

// compile validates bindings and builds the per-preset chains.
func (g *Gateway) compile(bindings []Binding) (map[string]*entry, error) {
	entries := make(map[string]*entry, len(bindings))
	for _, b := range bindings {
		if b.Preset == nil {
			return nil, fmt.Errorf("gate: binding without preset")
		}
		if err := b.Preset.Validate(g.registry); err != nil {
			return nil, fmt.Errorf("gate: preset %q: %w", b.Preset.Name, err)
		}
		if _, ok := entries[b.Preset.Name]; ok {
			return nil, fmt.Errorf("gate: duplicate preset %q", b.Preset.Name)
		}

		evals := []policy.Evaluator{policy.NewPresetEvaluator(b.Preset, g.registry)}
		if b.Ownership != nil {
			evals = append(evals, b.Ownership)
		}
		if g.admission != nil {
			evals = append(evals, g.admission)
		}

		entries[b.Preset.Name] = &entry{
			preset: b.Preset,
			chain:  policy.NewChain(evals...),
		}
	}
	return entries, nil
}

// Reload validates and atomically swaps the preset table. On error
// the previous table stays live.
func (g *Gateway) Reload(bindings []Binding) error {
	entries, err := g.compile(bindings)
	if err != nil {
		return err
	}
	g.entries.Store(&entries)
	g.logger.Info("preset table reloaded",
		observability.Int("presets", len(entries)))
	return nil
}

// Presets returns the names of the currently loaded presets.
func (g *Gateway) Presets() []string {
	entries := *g.entries.Load()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	return names
}

// Check decides a single request. It never panics and never fails
// open: any internal fault becomes a deny with the detail logged.
func (g *Gateway) Check(ctx context.Context, req *Request) (d policy.Decision) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic during gate evaluation",
				observability.String("preset", req.PresetName),
				observability.Any("panic", r),
				observability.String("stack", string(debug.Stack())),
			)
			d = policy.Deny(policy.ReasonInternalError)
			g.record(req, nil, d)
		}
	}()

	p := req.Principal
	if p == nil {
		p = principal.Anonymous(req.IP)
	} else if p.IPAddress == "" && req.IP != "" {
		clone := *p
		clone.IPAddress = req.IP
		p = &clone
	}

	entries := *g.entries.Load()
	e, ok := entries[req.PresetName]
	if !ok {
		g.logger.Error("unknown preset requested",
			observability.String("preset", req.PresetName))
		d = policy.Deny(policy.ReasonInternalError)
		g.record(req, p, d)
		return d
	}

	in := &policy.Input{
		Principal:           p,
		PathParams:          req.PathParams,
		EndpointClass:       req.EndpointClass,
		BreakGlassRequested: req.BreakGlassRequested,
	}

	d = e.chain.Evaluate(ctx, in)

	// Unauthenticated callers denied on role or session grounds get
	// the challenge status rather than forbidden.
	if !d.Allowed() && p.IsAnonymous() &&
		(d.Reason == policy.ReasonInsufficientRole || d.Reason == policy.ReasonMFARequired) {
		d = d.WithStatus(401)
	}

	gateDecisionsTotal.WithLabelValues(req.PresetName, string(d.Outcome), string(d.Reason)).Inc()

	if !d.Allowed() || e.preset.Sensitive {
		g.record(req, p, d)
	}

	return d
}

// record writes an audit event for the decision.
func (g *Gateway) record(req *Request, p *principal.Principal, d policy.Decision) {
	outcome := audit.OutcomeAllow
	if !d.Allowed() {
		outcome = audit.OutcomeDeny
	}

	var retention time.Duration
	if g.retention != nil && p != nil {
		retention = g.retention(p.OrganizationID)
	}

	event := audit.NewEvent(actionFor(req), outcome, retention)
	event.Resource = req.PresetName
	event.EndpointClass = req.EndpointClass
	event.Reason = string(d.Reason)
	event.IPAddress = req.IP
	event.UserAgent = req.UserAgent
	event.BreakGlass = req.BreakGlassRequested
	if p != nil {
		event.OrganizationID = p.OrganizationID
		event.PrincipalID = p.ID
		event.Role = string(p.Role)
		if event.IPAddress == "" {
			event.IPAddress = p.IPAddress
		}
	}
	if id, ok := req.PathParams["id"]; ok {
		event.ResourceID = id
	}

	g.sink.Record(event)
}

// actionFor maps a request to its audit action.
func actionFor(req *Request) audit.Action {
	if req.BreakGlassRequested {
		return audit.ActionBreakGlass
	}
	if req.EndpointClass == "login" {
		return audit.ActionLogin
	}
	return audit.ActionAccess
}
