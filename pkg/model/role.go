package model

import "strconv"

// Role is a user's permission level. Lower values are more privileged.
type Role int

const (
	RoleAdmin     Role = 1 // Full control: ban, manage roles
	RoleModerator Role = 2 // Can ban users
	RoleUser      Role = 3 // Default role for registered accounts
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleModerator:
		return "moderator"
	case RoleUser:
		return "user"
	default:
		return "unknown(" + strconv.Itoa(int(r)) + ")"
	}
}

// ParseRole converts a role name or its numeric level to a Role.
// Unrecognised values map to RoleUser.
func ParseRole(s string) Role {
	switch s {
	case "admin", "1":
		return RoleAdmin
	case "moderator", "mod", "2":
		return RoleModerator
	default:
		return RoleUser
	}
}

// Valid returns true if the role is one of admin, moderator or user.
func (r Role) Valid() bool {
	return r >= RoleAdmin && r <= RoleUser
}

// AtLeast reports whether r is as privileged as other or more.
func (r Role) AtLeast(other Role) bool {
	return r.Valid() && r <= other
}
