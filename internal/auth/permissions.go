package auth

import "slices"

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermContentRead Permission = "content:read"
	PermContentEdit Permission = "content:edit"
	// PermUserManage covers viewing and mutating users who hold neither
	// admin nor root.
	PermUserManage Permission = "user:manage"
	// PermUserManageAll extends PermUserManage to privileged users.
	PermUserManageAll Permission = "user:manage:all"
	PermAuditRead     Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermContentRead,
	},
	RoleEditor: {
		PermContentRead,
		PermContentEdit,
	},
	RoleAdmin: {
		PermContentRead,
		PermContentEdit,
		PermUserManage,
		PermAuditRead,
	},
	RoleRoot: {
		PermContentRead,
		PermContentEdit,
		PermUserManage,
		PermUserManageAll,
		PermAuditRead,
	},
}

// assignableRoles maps each role to the roles its holder may grant.
// Anonymous callers get the viewer row.
var assignableRoles = map[Role][]Role{
	RoleRoot:   {RoleRoot, RoleAdmin, RoleEditor, RoleViewer},
	RoleAdmin:  {RoleEditor, RoleViewer},
	RoleEditor: {RoleViewer},
	RoleViewer: {RoleViewer},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// HasAnyPermission applies role union: a permission held through any role
// is granted.
func HasAnyPermission(roles []Role, perm Permission) bool {
	for _, r := range roles {
		if HasPermission(r, perm) {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	return slices.Clone(perms)
}

// HasAnyRole is the quick gate behind route guards: true if the actor holds
// at least one of required.
func HasAnyRole(actor []Role, required ...Role) bool {
	return slices.ContainsFunc(actor, func(r Role) bool {
		return slices.Contains(required, r)
	})
}

// CanAssignRole reports whether an actor holding actorRoles may grant
// requested. A nil or empty actorRoles is an anonymous self-registration.
func CanAssignRole(actorRoles []Role, requested Role) bool {
	if !requested.IsValid() {
		return false
	}
	if len(actorRoles) == 0 {
		return slices.Contains(assignableRoles[RoleViewer], requested)
	}
	for _, r := range actorRoles {
		if slices.Contains(assignableRoles[r], requested) {
			return true
		}
	}
	return false
}

// CanAssignRoles reports whether every role in requested is assignable.
func CanAssignRoles(actorRoles, requested []Role) bool {
	for _, r := range requested {
		if !CanAssignRole(actorRoles, r) {
			return false
		}
	}
	return true
}

// CanViewUser reports whether the actor may see the target's details.
func CanViewUser(actorRoles, targetRoles []Role) bool {
	if HasAnyPermission(actorRoles, PermUserManageAll) {
		return true
	}
	if !HasAnyPermission(actorRoles, PermUserManage) {
		return false
	}
	return !slices.ContainsFunc(targetRoles, Role.IsPrivileged)
}

// CanMutateUser reports whether the actor may update or delete the target.
// The matrix is the same as for viewing.
func CanMutateUser(actorRoles, targetRoles []Role) bool {
	return CanViewUser(actorRoles, targetRoles)
}

// CanListUsers reports whether the actor may list users at all.
func CanListUsers(actorRoles []Role) bool {
	return HasAnyPermission(actorRoles, PermUserManage)
}

// HiddenRoles returns the roles whose holders are filtered out of the
// actor's listings. Root sees everything; an admin does not see admin or
// root holders.
func HiddenRoles(actorRoles []Role) []Role {
	if HasAnyPermission(actorRoles, PermUserManageAll) {
		return nil
	}
	return []Role{RoleRoot, RoleAdmin}
}

// Visible filters users down to those the actor may view. Filtering is
// silent: hidden users are dropped, never reported as an error.
func Visible(actorRoles []Role, users []User) []User {
	out := make([]User, 0, len(users))
	for _, u := range users {
		if CanViewUser(actorRoles, u.Roles) {
			out = append(out, u)
		}
	}
	return out
}
