package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/NicolasHaas/huddle/pkg/model"
)

// ErrUserVanished is returned when a user row cannot be read back right after
// an insert-or-ignore.
var ErrUserVanished = errors.New("datastore: user missing after create")

// GetOrCreateUser returns the user with the given username, creating it with
// default profile fields on first login. A concurrent insert of the same name
// is resolved by reading the existing row.
func GetOrCreateUser(ctx context.Context, st DataStore, username string) (*model.User, bool, error) {
	u, err := st.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, false, err
	}
	if u != nil {
		return u, false, nil
	}

	created, err := st.CreateUserIfMissing(ctx, username)
	if err != nil {
		return nil, false, err
	}
	u, err = st.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, false, err
	}
	if u == nil {
		return nil, false, ErrUserVanished
	}
	return u, created, nil
}

// WorkspaceSetup is everything created for a new workspace.
type WorkspaceSetup struct {
	Workspace model.Workspace
	Roles     []model.Role
	Channel   model.Channel
}

// CreateWorkspaceWithDefaults creates a workspace with the Owner and Member
// roles, an Owner membership for ws.OwnerID and the default text channel, all
// in one transaction.
func CreateWorkspaceWithDefaults(ctx context.Context, f DataProviderFactory, ws model.Workspace) (*WorkspaceSetup, error) {
	tx, err := f.Tx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := tx.CreateWorkspace(ctx, &ws); err != nil {
		return nil, err
	}

	setup := &WorkspaceSetup{Workspace: ws}
	for _, role := range model.DefaultRoles(ws.ID) {
		if err := tx.CreateRole(ctx, &role); err != nil {
			return nil, err
		}
		setup.Roles = append(setup.Roles, role)
	}

	owner := model.FindRole(setup.Roles, model.RoleOwner)
	if err := tx.AddMember(ctx, model.Membership{WorkspaceID: ws.ID, UserID: ws.OwnerID, RoleID: &owner.ID}); err != nil {
		return nil, err
	}

	ch := model.NewChannel(ws.ID)
	if err := tx.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}
	setup.Channel = *ch

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("datastore: commit workspace: %w", err)
	}
	committed = true
	return setup, nil
}
