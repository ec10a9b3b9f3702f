package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/gatekeeper/internal/principal"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(map[string][]Role{
		"prompts.read":   {RoleOrgMember, RoleUser},
		"prompts.write":  {RoleOrgManager, RolePro},
		"members.manage": {RoleOrgAdmin},
		"orgs.delete":    {RoleSuperAdmin},
	})
	require.NoError(t, err)
	return r
}

func TestNew_UnknownRole(t *testing.T) {
	_, err := New(map[string][]Role{
		"prompts.read": {Role("owner")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestNew_EmptyRoleSet(t *testing.T) {
	_, err := New(map[string][]Role{"prompts.read": {}})
	assert.Error(t, err)
}

func TestKnownRole(t *testing.T) {
	assert.True(t, KnownRole(RoleSuperAdmin))
	assert.True(t, KnownRole(RoleFree))
	assert.False(t, KnownRole(Role("owner")))
}

func TestLadderOf(t *testing.T) {
	ladder, ok := LadderOf(RoleOrgManager)
	require.True(t, ok)
	assert.Equal(t, LadderOrganization, ladder)

	ladder, ok = LadderOf(RoleEnterprise)
	require.True(t, ok)
	assert.Equal(t, LadderPlan, ladder)

	_, ok = LadderOf(Role("owner"))
	assert.False(t, ok)
}

func TestHasRole_RequireAny(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		name     string
		role     string
		required []Role
		want     bool
	}{
		{"exact match", string(RoleOrgMember), []Role{RoleOrgMember}, true},
		{"inherited", string(RoleOrgAdmin), []Role{RoleOrgMember}, true},
		{"top of ladder", string(RoleSuperAdmin), []Role{RoleOrgManager}, true},
		{"lower role denied", string(RoleOrgMember), []Role{RoleOrgAdmin}, false},
		{"cross ladder denied", string(RoleEnterprise), []Role{RoleOrgMember}, false},
		{"unknown role denied", "owner", []Role{RoleOrgMember}, false},
		{"empty required allows", string(RoleFree), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &principal.Principal{ID: "u", Role: tt.role}
			assert.Equal(t, tt.want, r.HasRole(p, tt.required, true))
		})
	}
}

func TestHasRole_RequireAll(t *testing.T) {
	r := testRegistry(t)

	// org_admin's effective set covers org_admin, org_manager and
	// org_member, but never plan-ladder roles.
	p := &principal.Principal{ID: "u", Role: string(RoleOrgAdmin)}
	assert.True(t, r.HasRole(p, []Role{RoleOrgManager, RoleOrgMember}, false))
	assert.False(t, r.HasRole(p, []Role{RoleOrgManager, RolePro}, false))
	assert.False(t, r.HasRole(p, []Role{RoleSuperAdmin, RoleOrgMember}, false))
}

func TestHasRole_LaddersNotComparable(t *testing.T) {
	r := testRegistry(t)

	// enterprise ranks highest on the plan ladder but must not satisfy
	// any organizational requirement.
	p := &principal.Principal{ID: "u", Role: string(RoleEnterprise)}
	assert.False(t, r.HasRole(p, []Role{RoleOrgMember}, true))

	// super_admin must not satisfy plan-ladder requirements either.
	sa := &principal.Principal{ID: "u", Role: string(RoleSuperAdmin)}
	assert.False(t, r.HasRole(sa, []Role{RoleFree}, true))
}

func TestHasPermission(t *testing.T) {
	r := testRegistry(t)

	member := &principal.Principal{ID: "u", Role: string(RoleOrgMember)}
	ok, err := r.HasPermission(member, "prompts.read")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.HasPermission(member, "members.manage")
	require.NoError(t, err)
	assert.False(t, ok)

	// Inheritance: org_admin covers org_manager's permissions.
	admin := &principal.Principal{ID: "u", Role: string(RoleOrgAdmin)}
	ok, err = r.HasPermission(admin, "prompts.write")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasPermission_DirectGrant(t *testing.T) {
	r := testRegistry(t)

	p := &principal.Principal{
		ID:          "u",
		Role:        string(RoleFree),
		Permissions: map[string]struct{}{"members.manage": {}},
	}
	ok, err := r.HasPermission(p, "members.manage")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasPermission_Unknown(t *testing.T) {
	r := testRegistry(t)

	p := &principal.Principal{ID: "u", Role: string(RoleSuperAdmin)}
	ok, err := r.HasPermission(p, "prompts.export")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnknownPermission)
}

func TestPermissions_Sorted(t *testing.T) {
	r := testRegistry(t)
	perms := r.Permissions()
	assert.Equal(t, []string{"members.manage", "orgs.delete", "prompts.read", "prompts.write"}, perms)
	assert.True(t, r.KnownPermission("orgs.delete"))
	assert.False(t, r.KnownPermission("orgs.create"))
}
