// Package rbac provides role-based access control checks.
package rbac

import "github.com/NicolasHaas/gorelay/pkg/model"

// Permission identifies a privileged operation.
type Permission int

const (
	PermBanUser Permission = iota + 1
	PermManageRoles
)

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[Permission]bool{
	model.RoleAdmin: {
		PermBanUser:     true,
		PermManageRoles: true,
	},
	model.RoleModerator: {
		PermBanUser: true,
	},
	model.RoleUser: {
		// No special permissions: chat, private messages and contacts only
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.Role, perm Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + perm.String() + " requires higher role"
}

// CanAssign reports whether actor may give target the role next. Nobody can
// change their own role or grant a level above their own.
func CanAssign(actor model.Role, actorID, targetID int64, next model.Role) bool {
	if actorID == targetID || !next.Valid() {
		return false
	}
	return HasPermission(actor, PermManageRoles) && actor.AtLeast(next)
}

func (p Permission) String() string {
	switch p {
	case PermBanUser:
		return "ban_user"
	case PermManageRoles:
		return "manage_roles"
	default:
		return "unknown"
	}
}
