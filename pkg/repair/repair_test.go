package repair_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/NicolasHaas/huddle/pkg/datastore"
	"github.com/NicolasHaas/huddle/pkg/model"
	"github.com/NicolasHaas/huddle/pkg/repair"
	"github.com/NicolasHaas/huddle/pkg/store"

	"github.com/google/go-cmp/cmp"
)

// countingStore counts every write that reaches the underlying store.
type countingStore struct {
	repair.Store
	writes atomic.Int64
}

func (c *countingStore) CreateRole(ctx context.Context, role *model.Role) error {
	c.writes.Add(1)
	return c.Store.CreateRole(ctx, role)
}

func (c *countingStore) SetMemberRole(ctx context.Context, workspaceID, userID, roleID int64) error {
	c.writes.Add(1)
	return c.Store.SetMemberRole(ctx, workspaceID, userID, roleID)
}

type fixture struct {
	mem    *store.MemoryStore
	owner  *model.User
	alice  *model.User
	bob    *model.User
	wsID   int64
	legacy int64
}

// newFixture builds one workspace made the normal way plus one "legacy"
// workspace with no roles and unassigned memberships.
func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	var f fixture
	f.mem = mem
	for _, name := range []string{"owner", "alice", "bob"} {
		u, _, err := datastore.GetOrCreateUser(ctx, mem, name)
		if err != nil {
			t.Fatalf("GetOrCreateUser(%s): %v", name, err)
		}
		switch name {
		case "owner":
			f.owner = u
		case "alice":
			f.alice = u
		case "bob":
			f.bob = u
		}
	}

	setup, err := datastore.CreateWorkspaceWithDefaults(ctx, mem, model.Workspace{Name: "Fresh", OwnerID: f.owner.ID})
	if err != nil {
		t.Fatalf("CreateWorkspaceWithDefaults: %v", err)
	}
	f.wsID = setup.Workspace.ID
	if err := mem.AddMember(ctx, model.Membership{WorkspaceID: f.wsID, UserID: f.alice.ID}); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	legacy := &model.Workspace{Name: "Legacy", OwnerID: f.bob.ID}
	if err := mem.CreateWorkspace(ctx, legacy); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	f.legacy = legacy.ID
	for _, uid := range []int64{f.bob.ID, f.alice.ID} {
		if err := mem.AddMember(ctx, model.Membership{WorkspaceID: f.legacy, UserID: uid}); err != nil {
			t.Fatalf("AddMember(legacy): %v", err)
		}
	}
	return f
}

func roleOf(t *testing.T, mem *store.MemoryStore, wsID, userID int64) string {
	t.Helper()
	ctx := context.Background()
	m, err := mem.GetMembership(ctx, wsID, userID)
	if err != nil || m == nil {
		t.Fatalf("GetMembership(%d, %d): %+v (err %v)", wsID, userID, m, err)
	}
	if m.RoleID == nil {
		return ""
	}
	roles, _ := mem.ListRoles(ctx, wsID)
	for _, r := range roles {
		if r.ID == *m.RoleID {
			return r.Name
		}
	}
	return "?"
}

func TestRunBackfills(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rep, err := repair.Run(ctx, f.mem)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := repair.Report{Workspaces: 2, RolesCreated: 2, MembershipsAssigned: 3}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Errorf("Report mismatch (-want +got):\n%s", diff)
	}

	if got := roleOf(t, f.mem, f.wsID, f.alice.ID); got != model.RoleMember {
		t.Errorf("alice in Fresh: expected Member, got %q", got)
	}
	if got := roleOf(t, f.mem, f.legacy, f.bob.ID); got != model.RoleOwner {
		t.Errorf("bob in Legacy: expected Owner, got %q", got)
	}
	if got := roleOf(t, f.mem, f.legacy, f.alice.ID); got != model.RoleMember {
		t.Errorf("alice in Legacy: expected Member, got %q", got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	cs := &countingStore{Store: f.mem}
	if _, err := repair.Run(ctx, cs); err != nil {
		t.Fatalf("Run (first): %v", err)
	}
	if cs.writes.Load() == 0 {
		t.Fatalf("Run (first): expected writes on unrepaired data")
	}

	cs.writes.Store(0)
	rep, err := repair.Run(ctx, cs)
	if err != nil {
		t.Fatalf("Run (second): %v", err)
	}
	if n := cs.writes.Load(); n != 0 || rep.Writes() != 0 {
		t.Fatalf("Run (second): expected zero writes, got %d (report %+v)", n, rep)
	}
}

func TestRunDuplicateRoleNames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := store.NewMemory()
	owner, _, _ := datastore.GetOrCreateUser(ctx, mem, "owner")
	carl, _, _ := datastore.GetOrCreateUser(ctx, mem, "carl")

	ws := &model.Workspace{Name: "Dupes", OwnerID: owner.ID}
	if err := mem.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	// Created out of name order so a positional rule would pick wrongly.
	for _, r := range []model.Role{
		{WorkspaceID: ws.ID, Name: "Moderator"},
		{WorkspaceID: ws.ID, Name: model.RoleMember, Color: "#first"},
		{WorkspaceID: ws.ID, Name: model.RoleOwner},
		{WorkspaceID: ws.ID, Name: model.RoleMember, Color: "#second"},
	} {
		if err := mem.CreateRole(ctx, &r); err != nil {
			t.Fatalf("CreateRole: %v", err)
		}
	}
	if err := mem.AddMember(ctx, model.Membership{WorkspaceID: ws.ID, UserID: carl.ID}); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	rep, err := repair.Run(ctx, mem)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RolesCreated != 0 || rep.MembershipsAssigned != 1 {
		t.Fatalf("Run: unexpected report %+v", rep)
	}

	members, _ := mem.ListMembers(ctx, ws.ID)
	if len(members) != 1 || members[0].RoleColor == nil || *members[0].RoleColor != "#first" {
		t.Fatalf("expected lowest-id Member role, got %+v", members)
	}
}
