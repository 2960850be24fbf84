package auth

import "errors"

// Role is an authorisation tier carried in the token.
type Role string

// Roles.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermRead                Permission = "gateway:read"
	PermAttributeWrite      Permission = "attribute:write"
	PermConfigurationManage Permission = "configuration:manage"
	PermLinkManage          Permission = "link:manage"
)

// Token errors.
var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrUnknownRole  = errors.New("auth: unknown role")
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermRead,
	},
	RoleOperator: {
		PermRead,
		PermAttributeWrite,
	},
	RoleAdmin: {
		PermRead,
		PermAttributeWrite,
		PermConfigurationManage,
		PermLinkManage,
	},
}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	_, ok := rolePermissions[r]
	return ok
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
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
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
