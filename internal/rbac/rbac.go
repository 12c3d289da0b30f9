// Package rbac decides which read and export operations an office role may
// use. Status transitions are not covered here; they depend on the
// document and are decided by the lifecycle package.
package rbac

type Role string
type Action string

const (
	RoleOffice Role = "office"
	RoleAdmin  Role = "admin"
)

const (
	ActionListOwn    Action = "list_own"
	ActionListAll    Action = "list_all"
	ActionViewStats  Action = "view_stats"
	ActionExport     Action = "export"
	ActionListOffice Action = "list_offices"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOffice:
		return action == ActionListOwn || action == ActionListOffice
	default:
		return false
	}
}

// For maps the admin flag carried by a token to a role.
func For(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleOffice
}
