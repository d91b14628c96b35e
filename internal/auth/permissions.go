package auth

import "slices"

// Permission represents a specific permission of the admin API.
type Permission string

const (
	// PermissionViewDevices grants access to device state, streams excluded.
	PermissionViewDevices Permission = "devices:view"
	// PermissionControlDevices grants access to thermostat commands.
	PermissionControlDevices Permission = "devices:control"
	// PermissionViewCameras grants access to live streams and snapshots.
	PermissionViewCameras Permission = "cameras:view"
	// PermissionViewStatus grants access to status and statistics.
	PermissionViewStatus Permission = "status:view"
	// PermissionManageConfig grants access to settings and login.
	PermissionManageConfig Permission = "config:manage"
)

// Role represents a named set of permissions.
type Role struct {
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}

// GetRoleAdmin returns the admin role.
func GetRoleAdmin() Role {
	return Role{
		Name: "admin",
		Permissions: []Permission{
			PermissionViewDevices,
			PermissionControlDevices,
			PermissionViewCameras,
			PermissionViewStatus,
			PermissionManageConfig,
		},
	}
}

// GetRoleViewer returns the read-only role.
func GetRoleViewer() Role {
	return Role{
		Name: "viewer",
		Permissions: []Permission{
			PermissionViewDevices,
			PermissionViewCameras,
			PermissionViewStatus,
		},
	}
}

// GetRole returns a role by name. Unknown names get the viewer role.
func GetRole(name string) Role {
	if name == "admin" {
		return GetRoleAdmin()
	}

	return GetRoleViewer()
}

// HasPermission checks if a role has a specific permission.
func (r Role) HasPermission(permission Permission) bool {
	return slices.Contains(r.Permissions, permission)
}
