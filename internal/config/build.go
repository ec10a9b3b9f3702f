package config

import (
	"fmt"
	"time"

	"github.com/promptforge/gatekeeper/internal/admission"
	"github.com/promptforge/gatekeeper/internal/audit"
	"github.com/promptforge/gatekeeper/internal/gate"
	"github.com/promptforge/gatekeeper/internal/ownership"
	"github.com/promptforge/gatekeeper/internal/policy"
	"github.com/promptforge/gatekeeper/internal/principal"
	"github.com/promptforge/gatekeeper/internal/registry"
)

// BuildRegistry constructs the permission registry from the declared
// permission table.
func (c *Config) BuildRegistry() (*registry.Registry, error) {
	perms := make(map[string][]registry.Role, len(c.Permissions))
	for perm, roles := range c.Permissions {
		rs := make([]registry.Role, 0, len(roles))
		for _, r := range roles {
			rs = append(rs, registry.Role(r))
		}
		perms[perm] = rs
	}
	return registry.New(perms)
}

// BuildAdmissionRules converts the rate limit section into admission
// rules. Hard-limited classes may omit requests and window; the
// controller enforces the fixed limits regardless, so placeholders
// are filled in to satisfy rule validation.
func (c *Config) BuildAdmissionRules() []admission.Rule {
	rules := make([]admission.Rule, 0, len(c.RateLimits))
	for _, rl := range c.RateLimits {
		rule := admission.Rule{
			Class:        rl.Class,
			MaxRequests:  rl.Requests,
			Window:       rl.Window.Duration(),
			Burst:        rl.Burst,
			DegradedMode: admission.DegradedMode(rl.DegradedMode),
			KeyBy:        admission.KeyBy(rl.KeyBy),
		}
		if admission.HardLimited(rl.Class) {
			if rule.MaxRequests <= 0 {
				rule.MaxRequests = 1
			}
			if rule.Window <= 0 {
				rule.Window = time.Second
			}
		}
		if len(rl.TierOverrides) > 0 {
			rule.TierOverrides = make(map[principal.Tier]admission.Override, len(rl.TierOverrides))
			for tier, o := range rl.TierOverrides {
				rule.TierOverrides[principal.Tier(tier)] = admission.Override{
					MaxRequests: o.Requests,
					Window:      o.Window.Duration(),
					Burst:       o.Burst,
				}
			}
		}
		rules = append(rules, rule)
	}
	return rules
}

// BuildBindings converts presets and ownership rules into gateway
// bindings. The lookup resolves resources for ownership checks and is
// shared across rules.
func (c *Config) BuildBindings(lookup ownership.Lookup, opts ...ownership.Option) ([]gate.Binding, error) {
	rules := make(map[string]OwnershipRuleConfig, len(c.OwnershipRules))
	for _, r := range c.OwnershipRules {
		rules[r.Name] = r
	}

	bindings := make([]gate.Binding, 0, len(c.Presets))
	for _, pc := range c.Presets {
		roles := make([]registry.Role, 0, len(pc.Roles))
		for _, r := range pc.Roles {
			roles = append(roles, registry.Role(r))
		}

		b := gate.Binding{
			Preset: &policy.Preset{
				Name:                pc.Name,
				RequiredRoles:       roles,
				RequireAny:          pc.RequireAny,
				RequiredPermission:  pc.Permission,
				RequireMFA:          pc.RequireMFA,
				RequireFreshSession: pc.RequireFreshSession,
				MaxSessionAge:       pc.MaxSessionAge.Duration(),
				AllowBreakGlass:     pc.AllowBreakGlass,
				Sensitive:           pc.Sensitive,
			},
		}

		if pc.OwnershipRule != "" {
			rc, ok := rules[pc.OwnershipRule]
			if !ok {
				return nil, fmt.Errorf("preset %q: ownership rule %q is not declared", pc.Name, pc.OwnershipRule)
			}
			if lookup == nil {
				return nil, fmt.Errorf("preset %q: ownership rule %q requires a resource lookup", pc.Name, pc.OwnershipRule)
			}
			authz, err := ownership.New(ownership.Rule{
				Collection:     rc.Collection,
				IDParam:        rc.IDParam,
				OwnershipField: rc.OwnershipField,
				PersonalScope:  rc.PersonalScope,
				RevealNotFound: rc.RevealNotFound,
			}, lookup, opts...)
			if err != nil {
				return nil, fmt.Errorf("preset %q: %w", pc.Name, err)
			}
			b.Ownership = authz
		}

		bindings = append(bindings, b)
	}
	return bindings, nil
}

// BuildAuditConfig converts the audit section into the sink
// configuration.
func (c *Config) BuildAuditConfig() *audit.Config {
	return &audit.Config{
		Enabled:    c.Audit.Enabled,
		Output:     c.Audit.Output,
		BufferSize: c.Audit.BufferSize,
		Retention:  c.Audit.Retention.Duration(),
	}
}
