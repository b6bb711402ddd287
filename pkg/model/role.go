package model

import (
	"errors"
	"strings"
)

// Baseline role names every workspace must carry.
const (
	RoleOwner  = "Owner"
	RoleMember = "Member"

	RoleOwnerColor  = "#F1C40F"
	RoleMemberColor = "#99AAB5"
)

var ErrRoleNameEmpty = errors.New("role name must not be empty")

// Role is a named permission tier scoped to a single workspace.
type Role struct {
	ID          int64  `json:"id"`
	WorkspaceID int64  `json:"server_id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
}

// DefaultRoles returns the roles created alongside a new workspace.
func DefaultRoles(workspaceID int64) []Role {
	return []Role{
		{WorkspaceID: workspaceID, Name: RoleOwner, Color: RoleOwnerColor},
		{WorkspaceID: workspaceID, Name: RoleMember, Color: RoleMemberColor},
	}
}

func (r *Role) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrRoleNameEmpty
	}
	return nil
}

// FindRole returns the role with the given name. When several roles share the
// name, the one with the lowest id wins, so the result does not depend on the
// order rows were returned in. Returns nil if no role matches.
func FindRole(roles []Role, name string) *Role {
	var found *Role
	for i := range roles {
		if roles[i].Name != name {
			continue
		}
		if found == nil || roles[i].ID < found.ID {
			found = &roles[i]
		}
	}
	return found
}
