// Package rbac gates console actions by operator role.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead covers the document, bookings, history and the event stream.
	ActionRead Action = "read"
	// ActionWrite covers section edits, save and reset.
	ActionWrite Action = "write"
	// ActionApprove covers booking approval and rejection.
	ActionApprove Action = "approve"
	ActionRemove  Action = "remove"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps unknown roles to viewer.
func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return r
	default:
		return RoleViewer
	}
}
