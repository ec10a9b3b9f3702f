package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/gatekeeper/internal/principal"
	"github.com/promptforge/gatekeeper/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(map[string][]registry.Role{
		"prompts.read":  {registry.RoleOrgMember},
		"prompts.write": {registry.RoleOrgManager},
		"orgs.delete":   {registry.RoleSuperAdmin},
	})
	require.NoError(t, err)
	return reg
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPresetValidate(t *testing.T) {
	reg := testRegistry(t)

	tests := []struct {
		name    string
		preset  Preset
		wantErr bool
	}{
		{
			name:   "valid",
			preset: Preset{Name: "read", RequiredRoles: []registry.Role{registry.RoleOrgMember}, RequireAny: true},
		},
		{
			name:    "no name",
			preset:  Preset{},
			wantErr: true,
		},
		{
			name:    "unknown role",
			preset:  Preset{Name: "x", RequiredRoles: []registry.Role{"owner"}},
			wantErr: true,
		},
		{
			name:    "unknown permission",
			preset:  Preset{Name: "x", RequiredPermission: "prompts.export"},
			wantErr: true,
		},
		{
			name:    "fresh session without max age",
			preset:  Preset{Name: "x", RequireFreshSession: true},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.preset.Validate(reg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPresetEvaluator_RoleCheckFirst(t *testing.T) {
	reg := testRegistry(t)

	// Role failure short-circuits regardless of MFA and freshness
	// state.
	preset := &Preset{
		Name:                "destructive",
		RequiredRoles:       []registry.Role{registry.RoleOrgAdmin},
		RequireAny:          true,
		RequireMFA:          true,
		RequireFreshSession: true,
		MaxSessionAge:       15 * time.Minute,
	}
	e := NewPresetEvaluator(preset, reg)

	p := &principal.Principal{
		ID:          "u",
		Role:        string(registry.RoleOrgMember),
		MFAVerified: false,
	}
	d := e.Evaluate(context.Background(), &Input{Principal: p})
	assert.Equal(t, ReasonInsufficientRole, d.Reason)
}

func TestPresetEvaluator_MFARequired(t *testing.T) {
	reg := testRegistry(t)
	now := time.Now()

	// Scenario: top-tier role, MFA not verified, destructive preset
	// requiring role + MFA + fresh session.
	preset := &Preset{
		Name:                "org-delete",
		RequiredRoles:       []registry.Role{registry.RoleSuperAdmin},
		RequireAny:          true,
		RequireMFA:          true,
		RequireFreshSession: true,
		MaxSessionAge:       15 * time.Minute,
	}
	e := NewPresetEvaluator(preset, reg, WithClock(fixedClock(now)))

	p := &principal.Principal{
		ID:              "u",
		Role:            string(registry.RoleSuperAdmin),
		MFAVerified:     false,
		SessionIssuedAt: now.Add(-time.Minute),
	}
	d := e.Evaluate(context.Background(), &Input{Principal: p})
	assert.Equal(t, ReasonMFARequired, d.Reason)
	assert.Equal(t, 403, d.HTTPStatus)
}

func TestPresetEvaluator_SessionStale(t *testing.T) {
	reg := testRegistry(t)
	now := time.Now()

	preset := &Preset{
		Name:                "sensitive",
		RequiredRoles:       []registry.Role{registry.RoleOrgAdmin},
		RequireAny:          true,
		RequireFreshSession: true,
		MaxSessionAge:       15 * time.Minute,
	}
	e := NewPresetEvaluator(preset, reg, WithClock(fixedClock(now)))

	stale := &principal.Principal{
		ID:              "u",
		Role:            string(registry.RoleOrgAdmin),
		SessionIssuedAt: now.Add(-time.Hour),
	}
	d := e.Evaluate(context.Background(), &Input{Principal: stale})
	assert.Equal(t, ReasonSessionStale, d.Reason)

	fresh := &principal.Principal{
		ID:              "u",
		Role:            string(registry.RoleOrgAdmin),
		SessionIssuedAt: now.Add(-time.Minute),
	}
	d = e.Evaluate(context.Background(), &Input{Principal: fresh})
	assert.True(t, d.Allowed())
}

func TestPresetEvaluator_BreakGlassGate(t *testing.T) {
	reg := testRegistry(t)

	// Break-glass is always denied when the preset disallows it, even
	// for the top of the hierarchy.
	preset := &Preset{
		Name:            "org-delete",
		RequiredRoles:   []registry.Role{registry.RoleSuperAdmin},
		RequireAny:      true,
		AllowBreakGlass: false,
	}
	e := NewPresetEvaluator(preset, reg)

	p := &principal.Principal{ID: "u", Role: string(registry.RoleSuperAdmin)}
	d := e.Evaluate(context.Background(), &Input{Principal: p, BreakGlassRequested: true})
	assert.Equal(t, ReasonBreakGlassDisallowed, d.Reason)

	// Without the override attempt the same principal is allowed.
	d = e.Evaluate(context.Background(), &Input{Principal: p})
	assert.True(t, d.Allowed())
}

func TestPresetEvaluator_UnknownPermissionFailsClosed(t *testing.T) {
	reg := testRegistry(t)

	// A preset referencing an unregistered permission is caught by
	// Validate, but if one slips through the evaluator still fails
	// closed with a distinct reason.
	preset := &Preset{
		Name:               "broken",
		RequiredPermission: "prompts.export",
	}
	e := NewPresetEvaluator(preset, reg)

	p := &principal.Principal{ID: "u", Role: string(registry.RoleSuperAdmin)}
	d := e.Evaluate(context.Background(), &Input{Principal: p})
	assert.Equal(t, ReasonUnknownPermission, d.Reason)
	assert.False(t, d.Allowed())
}

func TestPresetEvaluator_Purity(t *testing.T) {
	reg := testRegistry(t)
	now := time.Now()

	preset := &Preset{
		Name:                "manage",
		RequiredRoles:       []registry.Role{registry.RoleOrgManager},
		RequireAny:          true,
		RequireMFA:          true,
		RequireFreshSession: true,
		MaxSessionAge:       time.Hour,
	}
	e := NewPresetEvaluator(preset, reg, WithClock(fixedClock(now)))

	p := &principal.Principal{
		ID:              "u",
		Role:            string(registry.RoleOrgManager),
		MFAVerified:     true,
		SessionIssuedAt: now.Add(-time.Minute),
	}
	in := &Input{Principal: p}

	first := e.Evaluate(context.Background(), in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Evaluate(context.Background(), in))
	}
}

func TestPresetEvaluator_NilPrincipal(t *testing.T) {
	reg := testRegistry(t)
	e := NewPresetEvaluator(&Preset{Name: "read"}, reg)

	d := e.Evaluate(context.Background(), &Input{})
	assert.Equal(t, ReasonInsufficientRole, d.Reason)
}

func TestChain_FirstDenyWins(t *testing.T) {
	allow := EvaluatorFunc(func(_ context.Context, _ *Input) Decision { return Allow() })
	denyA := EvaluatorFunc(func(_ context.Context, _ *Input) Decision { return Deny(ReasonInsufficientRole) })
	denyB := EvaluatorFunc(func(_ context.Context, _ *Input) Decision { return Deny(ReasonRateLimited) })

	chain := NewChain(allow, denyA, denyB)
	d := chain.Evaluate(context.Background(), &Input{})
	assert.Equal(t, ReasonInsufficientRole, d.Reason)
}

func TestChain_OrderPreserved(t *testing.T) {
	var order []string
	record := func(name string, d Decision) EvaluatorFunc {
		return func(_ context.Context, _ *Input) Decision {
			order = append(order, name)
			return d
		}
	}

	chain := NewChain(
		record("rbac", Allow()),
		record("ownership", Allow()),
		record("admission", Deny(ReasonRateLimited)),
	)
	d := chain.Evaluate(context.Background(), &Input{})

	assert.Equal(t, []string{"rbac", "ownership", "admission"}, order)
	assert.Equal(t, ReasonRateLimited, d.Reason)
}

func TestChain_AllAllow(t *testing.T) {
	allow := EvaluatorFunc(func(_ context.Context, _ *Input) Decision { return Allow() })
	chain := NewChain(allow, allow, allow)
	assert.True(t, chain.Evaluate(context.Background(), &Input{}).Allowed())
}

func TestChain_Empty(t *testing.T) {
	assert.True(t, NewChain().Evaluate(context.Background(), &Input{}).Allowed())
}
