// Package registry provides the static role and permission registry.
// The registry is built once at process startup from a closed set of
// role identifiers and a permission table mapping permission strings to
// the role sets allowed to hold them. Unresolved references are a
// configuration error and fail process boot.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/promptforge/gatekeeper/internal/principal"
)

// Role is a tagged role identifier from the closed role set.
type Role string

// Organizational ladder roles.
const (
	RoleSuperAdmin Role = "super_admin"
	RoleOrgAdmin   Role = "org_admin"
	RoleOrgManager Role = "org_manager"
	RoleOrgMember  Role = "org_member"
)

// Plan ladder roles.
const (
	RoleEnterprise Role = "enterprise"
	RolePro        Role = "pro"
	RoleUser       Role = "user"
	RoleFree       Role = "free"
)

// Ladder identifies which rank scale a role belongs to. The two
// ladders are not comparable on one numeric axis; policies name
// explicit allowed-role sets instead of relying on a combined order.
type Ladder string

// Ladders.
const (
	LadderOrganization Ladder = "organization"
	LadderPlan         Ladder = "plan"
)

// roleInfo holds the ladder and rank of a role. Rank orders roles
// within a single ladder only.
type roleInfo struct {
	ladder Ladder
	rank   int
}

// roleTable is the closed set of known roles.
var roleTable = map[Role]roleInfo{
	RoleSuperAdmin: {LadderOrganization, 100},
	RoleOrgAdmin:   {LadderOrganization, 80},
	RoleOrgManager: {LadderOrganization, 60},
	RoleOrgMember:  {LadderOrganization, 40},

	RoleEnterprise: {LadderPlan, 35},
	RolePro:        {LadderPlan, 30},
	RoleUser:       {LadderPlan, 20},
	RoleFree:       {LadderPlan, 10},
}

// KnownRole returns true if the role is part of the closed role set.
func KnownRole(r Role) bool {
	_, ok := roleTable[r]
	return ok
}

// LadderOf returns the ladder a role belongs to.
func LadderOf(r Role) (Ladder, bool) {
	info, ok := roleTable[r]
	return info.ladder, ok
}

// ErrUnknownPermission is returned when a permission string is not
// present in the registry. Policies referencing such a permission must
// fail closed.
var ErrUnknownPermission = errors.New("unknown permission")

// ErrUnknownRole is returned during validation when a permission entry
// references a role outside the closed role set.
var ErrUnknownRole = errors.New("unknown role")

// Registry maps permission strings to allowed-role sets and resolves
// role inheritance. Immutable after construction and shared read-only
// across all requests.
type Registry struct {
	permissions map[string]map[Role]struct{}
	effective   map[Role]map[Role]struct{}
}

// New builds a registry from a permission table. Every role referenced
// by a permission entry must be part of the closed role set; an unknown
// role is a configuration error.
func New(permissions map[string][]Role) (*Registry, error) {
	r := &Registry{
		permissions: make(map[string]map[Role]struct{}, len(permissions)),
		effective:   make(map[Role]map[Role]struct{}, len(roleTable)),
	}

	for perm, roles := range permissions {
		if len(roles) == 0 {
			return nil, fmt.Errorf("permission %q: empty allowed-role set", perm)
		}
		set := make(map[Role]struct{}, len(roles))
		for _, role := range roles {
			if !KnownRole(role) {
				return nil, fmt.Errorf("permission %q references %w: %q", perm, ErrUnknownRole, role)
			}
			set[role] = struct{}{}
		}
		r.permissions[perm] = set
	}

	for role := range roleTable {
		r.effective[role] = expandRole(role)
	}

	return r, nil
}

// expandRole returns the effective role set of a role: the role itself
// plus every lower-ranked role on the same ladder.
func expandRole(role Role) map[Role]struct{} {
	info := roleTable[role]
	set := make(map[Role]struct{})
	for other, otherInfo := range roleTable {
		if otherInfo.ladder == info.ladder && otherInfo.rank <= info.rank {
			set[other] = struct{}{}
		}
	}
	return set
}

// HasRole reports whether the principal satisfies the required role set.
// With requireAny the principal's effective role set must contain at
// least one required role; otherwise it must contain all of them.
// A principal with an unknown role never satisfies any requirement.
func (r *Registry) HasRole(p *principal.Principal, required []Role, requireAny bool) bool {
	if len(required) == 0 {
		return true
	}

	effective, ok := r.effective[Role(p.Role)]
	if !ok {
		return false
	}

	if requireAny {
		for _, role := range required {
			if _, ok := effective[role]; ok {
				return true
			}
		}
		return false
	}

	for _, role := range required {
		if _, ok := effective[role]; !ok {
			return false
		}
	}
	return true
}

// HasPermission reports whether the principal may hold the permission.
// A permission is granted when the principal's effective role set
// intersects the permission's allowed-role set, or when the permission
// was granted directly to the principal. An unknown permission string
// returns ErrUnknownPermission so the caller can fail closed with a
// distinct, observable reason.
func (r *Registry) HasPermission(p *principal.Principal, permission string) (bool, error) {
	allowed, ok := r.permissions[permission]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownPermission, permission)
	}

	if p.HasPermission(permission) {
		return true, nil
	}

	effective, ok := r.effective[Role(p.Role)]
	if !ok {
		return false, nil
	}
	for role := range allowed {
		if _, ok := effective[role]; ok {
			return true, nil
		}
	}
	return false, nil
}

// KnownPermission returns true if the permission is registered.
func (r *Registry) KnownPermission(permission string) bool {
	_, ok := r.permissions[permission]
	return ok
}

// Permissions returns the sorted list of registered permission strings.
func (r *Registry) Permissions() []string {
	out := make([]string, 0, len(r.permissions))
	for perm := range r.permissions {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}
