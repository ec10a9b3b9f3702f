package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/promptforge/gatekeeper/internal/admission"
	"github.com/promptforge/gatekeeper/internal/principal"
	"github.com/promptforge/gatekeeper/internal/registry"
)

// ValidationError is a single configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator accumulates validation errors across the whole
// configuration so a single run reports everything that is wrong.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates a configuration.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateLogging(cfg)
	v.validatePermissions(cfg)
	v.validatePresets(cfg)
	v.validateOwnershipRules(cfg)
	v.validateRateLimits(cfg)
	v.validateAudit(cfg)
	v.validateRedis(cfg)
	v.validateTrustedProxies(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateLogging(cfg *Config) {
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("unknown format %q", cfg.Logging.Format))
	}
}

func (v *Validator) validatePermissions(cfg *Config) {
	if len(cfg.Permissions) == 0 {
		v.addError("permissions", "at least one permission is required")
		return
	}
	for perm, roles := range cfg.Permissions {
		path := fmt.Sprintf("permissions.%s", perm)
		if perm == "" {
			v.addError("permissions", "permission name must not be empty")
		}
		if len(roles) == 0 {
			v.addError(path, "at least one role is required")
		}
		for _, r := range roles {
			if !registry.KnownRole(registry.Role(r)) {
				v.addError(path, fmt.Sprintf("unknown role %q", r))
			}
		}
	}
}

func (v *Validator) validatePresets(cfg *Config) {
	if len(cfg.Presets) == 0 {
		v.addError("presets", "at least one preset is required")
		return
	}

	ruleNames := make(map[string]struct{}, len(cfg.OwnershipRules))
	for _, r := range cfg.OwnershipRules {
		ruleNames[r.Name] = struct{}{}
	}

	seen := make(map[string]struct{}, len(cfg.Presets))
	for i, p := range cfg.Presets {
		path := fmt.Sprintf("presets[%d]", i)
		if p.Name == "" {
			v.addError(path+".name", "name is required")
		} else if _, dup := seen[p.Name]; dup {
			v.addError(path+".name", fmt.Sprintf("duplicate preset %q", p.Name))
		} else {
			seen[p.Name] = struct{}{}
		}

		if len(p.Roles) == 0 {
			v.addError(path+".roles", "at least one role is required")
		}
		for _, r := range p.Roles {
			if !registry.KnownRole(registry.Role(r)) {
				v.addError(path+".roles", fmt.Sprintf("unknown role %q", r))
			}
		}

		if p.Permission != "" {
			if _, ok := cfg.Permissions[p.Permission]; !ok {
				v.addError(path+".permission",
					fmt.Sprintf("permission %q is not declared", p.Permission))
			}
		}

		if p.RequireFreshSession && p.MaxSessionAge <= 0 {
			v.addError(path+".max_session_age",
				"required when require_fresh_session is set")
		}

		if p.OwnershipRule != "" {
			if _, ok := ruleNames[p.OwnershipRule]; !ok {
				v.addError(path+".ownership_rule",
					fmt.Sprintf("ownership rule %q is not declared", p.OwnershipRule))
			}
		}
	}
}

func (v *Validator) validateOwnershipRules(cfg *Config) {
	seen := make(map[string]struct{}, len(cfg.OwnershipRules))
	for i, r := range cfg.OwnershipRules {
		path := fmt.Sprintf("ownership_rules[%d]", i)
		if r.Name == "" {
			v.addError(path+".name", "name is required")
		} else if _, dup := seen[r.Name]; dup {
			v.addError(path+".name", fmt.Sprintf("duplicate ownership rule %q", r.Name))
		} else {
			seen[r.Name] = struct{}{}
		}
		if r.Collection == "" {
			v.addError(path+".collection", "collection is required")
		}
		if r.IDParam == "" {
			v.addError(path+".id_param", "id_param is required")
		}
		if r.OwnershipField == "" {
			v.addError(path+".ownership_field", "ownership_field is required")
		}
	}
}

func (v *Validator) validateRateLimits(cfg *Config) {
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, rl := range cfg.RateLimits {
		path := fmt.Sprintf("rate_limits[%d]", i)
		if rl.Class == "" {
			v.addError(path+".class", "class is required")
		} else if _, dup := seen[rl.Class]; dup {
			v.addError(path+".class", fmt.Sprintf("duplicate class %q", rl.Class))
		} else {
			seen[rl.Class] = struct{}{}
		}

		if rl.Requests <= 0 && !admission.HardLimited(rl.Class) {
			v.addError(path+".requests", "requests must be positive")
		}
		if rl.Window <= 0 && !admission.HardLimited(rl.Class) {
			v.addError(path+".window", "window must be positive")
		}
		if rl.Burst < 0 {
			v.addError(path+".burst", "burst must not be negative")
		}

		if !admission.DegradedMode(rl.DegradedMode).Valid() {
			v.addError(path+".degraded_mode",
				fmt.Sprintf("must be %q or %q", admission.DegradedFailClosed, admission.DegradedFailOpen))
		}

		switch admission.KeyBy(rl.KeyBy) {
		case "", admission.KeyByPrincipal, admission.KeyByIP:
		default:
			v.addError(path+".key_by",
				fmt.Sprintf("must be %q or %q", admission.KeyByPrincipal, admission.KeyByIP))
		}

		for tier, o := range rl.TierOverrides {
			tpath := fmt.Sprintf("%s.tier_overrides.%s", path, tier)
			if !principal.Tier(tier).Valid() {
				v.addError(tpath, fmt.Sprintf("unknown tier %q", tier))
			}
			if o.Requests <= 0 {
				v.addError(tpath+".requests", "requests must be positive")
			}
			if o.Window <= 0 {
				v.addError(tpath+".window", "window must be positive")
			}
		}
	}
}

func (v *Validator) validateAudit(cfg *Config) {
	if cfg.Audit.BufferSize < 0 {
		v.addError("audit.buffer_size", "must not be negative")
	}
	if cfg.Audit.Retention < 0 {
		v.addError("audit.retention", "must not be negative")
	}
	for org, d := range cfg.Audit.OrgRetention {
		if d <= 0 {
			v.addError(fmt.Sprintf("audit.org_retention.%s", org), "must be positive")
		}
	}
}

func (v *Validator) validateRedis(cfg *Config) {
	if cfg.Redis == nil || !cfg.Redis.Enabled {
		return
	}
	if cfg.Redis.Addr == "" {
		v.addError("redis.addr", "addr is required when redis is enabled")
	}
	if cfg.Redis.DB < 0 {
		v.addError("redis.db", "must not be negative")
	}
}

func (v *Validator) validateTrustedProxies(cfg *Config) {
	for i, cidr := range cfg.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			v.addError(fmt.Sprintf("trusted_proxies[%d]", i),
				fmt.Sprintf("invalid CIDR %q", cidr))
		}
	}
}
