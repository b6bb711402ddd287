// Package repair backfills role assignments in persisted membership data.
//
// Run is idempotent. For every workspace it makes sure a role named Owner and
// a role named Member exist, then assigns a role to every membership that has
// none: Owner for the workspace owner, Member for everyone else.
//
// Roles are matched by exact name. If several roles share a name, the one
// with the lowest id is used (see model.FindRole). Roles are never picked by
// position.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/huddle/pkg/model"
)

// Store is the subset of the datastore the repair pass needs.
type Store interface {
	ListWorkspaces(ctx context.Context) ([]model.Workspace, error)
	ListRoles(ctx context.Context, workspaceID int64) ([]model.Role, error)
	CreateRole(ctx context.Context, role *model.Role) error
	ListMembershipsWithoutRole(ctx context.Context, workspaceID int64) ([]model.Membership, error)
	SetMemberRole(ctx context.Context, workspaceID, userID, roleID int64) error
}

// Report summarizes one pass.
type Report struct {
	Workspaces          int
	RolesCreated        int
	MembershipsAssigned int
	Failed              int
}

// Writes is the number of rows written during the pass.
func (r Report) Writes() int {
	return r.RolesCreated + r.MembershipsAssigned
}

// Run repairs every workspace. A failure in one workspace does not stop the
// others; all failures are returned joined.
func Run(ctx context.Context, st Store) (Report, error) {
	var rep Report

	workspaces, err := st.ListWorkspaces(ctx)
	if err != nil {
		return rep, fmt.Errorf("repair: list workspaces: %w", err)
	}

	var errs []error
	for _, ws := range workspaces {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep.Workspaces++
		if err := Workspace(ctx, st, ws, &rep); err != nil {
			rep.Failed++
			errs = append(errs, err)
			slog.Error("repair: workspace failed", "workspace", ws.ID, "err", err)
		}
	}

	if rep.Writes() > 0 {
		slog.Info("repair: completed",
			"workspaces", rep.Workspaces,
			"roles_created", rep.RolesCreated,
			"memberships_assigned", rep.MembershipsAssigned,
		)
	} else {
		slog.Debug("repair: nothing to do", "workspaces", rep.Workspaces)
	}
	return rep, errors.Join(errs...)
}

// Workspace repairs a single workspace, adding its writes to rep.
func Workspace(ctx context.Context, st Store, ws model.Workspace, rep *Report) error {
	roles, err := st.ListRoles(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("repair: list roles: %w", err)
	}

	owner, err := ensureRole(ctx, st, roles, ws.ID, model.RoleOwner, model.RoleOwnerColor, rep)
	if err != nil {
		return err
	}
	member, err := ensureRole(ctx, st, roles, ws.ID, model.RoleMember, model.RoleMemberColor, rep)
	if err != nil {
		return err
	}

	unassigned, err := st.ListMembershipsWithoutRole(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("repair: list memberships: %w", err)
	}
	for _, m := range unassigned {
		roleID := member.ID
		if m.UserID == ws.OwnerID {
			roleID = owner.ID
		}
		if err := st.SetMemberRole(ctx, ws.ID, m.UserID, roleID); err != nil {
			return fmt.Errorf("repair: assign role: %w", err)
		}
		rep.MembershipsAssigned++
	}
	return nil
}

func ensureRole(ctx context.Context, st Store, roles []model.Role, workspaceID int64, name, color string, rep *Report) (*model.Role, error) {
	if r := model.FindRole(roles, name); r != nil {
		return r, nil
	}
	r := &model.Role{WorkspaceID: workspaceID, Name: name, Color: color}
	if err := st.CreateRole(ctx, r); err != nil {
		return nil, fmt.Errorf("repair: create %s role: %w", name, err)
	}
	rep.RolesCreated++
	slog.Info("repair: created missing role", "workspace", workspaceID, "role", name)
	return r, nil
}
