// Package config provides configuration management for the gatekeeper
// core: policy presets, ownership rules, admission limits, audit and
// store settings, loaded from YAML and validated before use.
package config

import (
	"time"

	"github.com/promptforge/gatekeeper/internal/observability"
)

// Duration wraps time.Duration so configuration files can use
// human-readable strings ("30s", "15m", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration.
type Config struct {
	Logging        observability.LogConfig `yaml:"logging"`
	Permissions    map[string][]string     `yaml:"permissions"`
	Presets        []PresetConfig          `yaml:"presets"`
	OwnershipRules []OwnershipRuleConfig   `yaml:"ownership_rules"`
	RateLimits     []RateLimitConfig       `yaml:"rate_limits"`
	Audit          AuditConfig             `yaml:"audit"`
	Redis          *RedisConfig            `yaml:"redis,omitempty"`
	TrustedProxies []string                `yaml:"trusted_proxies"`
}

// PresetConfig declares one named policy preset.
type PresetConfig struct {
	Name                string   `yaml:"name"`
	Roles               []string `yaml:"roles"`
	RequireAny          bool     `yaml:"require_any"`
	Permission          string   `yaml:"permission"`
	RequireMFA          bool     `yaml:"require_mfa"`
	RequireFreshSession bool     `yaml:"require_fresh_session"`
	MaxSessionAge       Duration `yaml:"max_session_age"`
	AllowBreakGlass     bool     `yaml:"allow_break_glass"`
	Sensitive           bool     `yaml:"sensitive"`
	OwnershipRule       string   `yaml:"ownership_rule,omitempty"`
}

// OwnershipRuleConfig declares one resource ownership rule.
type OwnershipRuleConfig struct {
	Name           string `yaml:"name"`
	Collection     string `yaml:"collection"`
	IDParam        string `yaml:"id_param"`
	OwnershipField string `yaml:"ownership_field"`
	PersonalScope  bool   `yaml:"personal_scope"`
	RevealNotFound bool   `yaml:"reveal_not_found"`
}

// TierOverrideConfig overrides the limit for one plan tier.
type TierOverrideConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
	Burst    int      `yaml:"burst"`
}

// RateLimitConfig declares the admission rule for one endpoint class.
type RateLimitConfig struct {
	Class         string                        `yaml:"class"`
	Requests      int                           `yaml:"requests"`
	Window        Duration                      `yaml:"window"`
	Burst         int                           `yaml:"burst"`
	DegradedMode  string                        `yaml:"degraded_mode"`
	KeyBy         string                        `yaml:"key_by"`
	TierOverrides map[string]TierOverrideConfig `yaml:"tier_overrides,omitempty"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Enabled      bool                `yaml:"enabled"`
	Output       string              `yaml:"output"`
	BufferSize   int                 `yaml:"buffer_size"`
	Retention    Duration            `yaml:"retention"`
	OrgRetention map[string]Duration `yaml:"org_retention,omitempty"`
}

// RedisConfig configures the optional shared bucket store.
type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password,omitempty"`
	DB       int      `yaml:"db"`
	PoolSize int      `yaml:"pool_size"`
	Timeout  Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration with conservative defaults
// and no presets.
func DefaultConfig() *Config {
	return &Config{
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Enabled:    true,
			Output:     "stdout",
			BufferSize: 1024,
			Retention:  Duration(365 * 24 * time.Hour),
		},
	}
}

// RetentionFor resolves the audit retention window for an
// organization, falling back to the global retention.
func (a *AuditConfig) RetentionFor(organizationID string) time.Duration {
	if d, ok := a.OrgRetention[organizationID]; ok && d > 0 {
		return d.Duration()
	}
	return a.Retention.Duration()
}
