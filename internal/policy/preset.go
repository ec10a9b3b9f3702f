package policy

import (
	"fmt"
	"time"

	"github.com/promptforge/gatekeeper/internal/registry"
)

// Preset is a named, reusable composite authorization policy. Presets
// are defined at process startup, immutable, and shared read-only
// across all requests.
type Preset struct {
	// Name identifies the preset in configuration and audit records.
	Name string

	// RequiredRoles is the explicit set of roles allowed by this
	// preset. Roles from the two rank ladders are independent checks;
	// the preset names the exact set it accepts.
	RequiredRoles []registry.Role

	// RequireAny controls whether one required role suffices (true)
	// or all are required (false).
	RequireAny bool

	// RequiredPermission is an optional fine-grained permission. It
	// must exist in the permission registry; an unresolved reference
	// is a configuration error caught at load time.
	RequiredPermission string

	// RequireMFA requires a completed multi-factor challenge.
	RequireMFA bool

	// RequireFreshSession requires the session to be younger than
	// MaxSessionAge.
	RequireFreshSession bool

	// MaxSessionAge bounds session age when RequireFreshSession is set.
	MaxSessionAge time.Duration

	// AllowBreakGlass permits the emergency override path. Presets for
	// destructive operations set this to false so they can never be
	// bypassed.
	AllowBreakGlass bool

	// Sensitive marks presets whose Allow decisions are audited in
	// addition to denials.
	Sensitive bool
}

// Validate checks the preset against the registry. Every referenced
// role and permission must resolve; failures here abort process boot.
func (p *Preset) Validate(reg *registry.Registry) error {
	if p.Name == "" {
		return fmt.Errorf("preset has no name")
	}
	for _, role := range p.RequiredRoles {
		if !registry.KnownRole(role) {
			return fmt.Errorf("preset %q: unknown role %q", p.Name, role)
		}
	}
	if p.RequiredPermission != "" && !reg.KnownPermission(p.RequiredPermission) {
		return fmt.Errorf("preset %q: unknown permission %q", p.Name, p.RequiredPermission)
	}
	if p.RequireFreshSession && p.MaxSessionAge <= 0 {
		return fmt.Errorf("preset %q: require_fresh_session needs a positive max_session_age", p.Name)
	}
	return nil
}
