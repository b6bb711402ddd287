package datastore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/NicolasHaas/huddle/pkg/datastore"
	"github.com/NicolasHaas/huddle/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

func mustUser(t *testing.T, st datastore.DataStore, name string) *model.User {
	t.Helper()
	u, _, err := datastore.GetOrCreateUser(context.Background(), st, name)
	if err != nil {
		t.Fatalf("GetOrCreateUser(%q): %v", name, err)
	}
	return u
}

func TestRebind(t *testing.T) {
	t.Parallel()

	tcases := map[string]struct {
		in, want string
	}{
		"none":      {"SELECT 1", "SELECT 1"},
		"two":       {"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		"in_quotes": {"SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		"case":      {"SET c = CASE WHEN ? = '' THEN c ELSE ? END", "SET c = CASE WHEN $1 = '' THEN c ELSE $2 END"},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			if got := datastore.Rebind(tc.in); got != tc.want {
				t.Errorf("Rebind(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestGetOrCreateUser(t *testing.T) {
	t.Parallel()

	type tcase struct {
		username  string
		expectErr bool
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {username: "johndoe"},
		"injection_username":      {username: "' OR '1'='1", expectErr: true},
		"empty_username":          {username: "", expectErr: true},
		"long_username":           {username: "24433252080542468109190329288548376491503980265648043643151614656", expectErr: true},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}
			ctx := context.Background()

			got, created, err := datastore.GetOrCreateUser(ctx, store.NonTx(), tc.username)
			if tc.expectErr {
				if err == nil {
					t.Fatalf("GetOrCreateUser: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("GetOrCreateUser: unexpected error: %v", err)
			}
			if !created {
				t.Fatalf("GetOrCreateUser: expected created=true on first call")
			}

			want := model.User{
				Username: tc.username,
				Bio:      model.UserDefaultBio,
				Status:   model.UserDefaultStatus,
				Color:    model.UserDefaultColor,
			}
			if diff := cmp.Diff(want, *got, cmpopts.IgnoreFields(model.User{}, "ID", "CreatedAt")); diff != "" {
				t.Errorf("GetOrCreateUser mismatch (-want +got):\n%s", diff)
			}

			again, created, err := datastore.GetOrCreateUser(ctx, store.NonTx(), tc.username)
			if err != nil {
				t.Fatalf("GetOrCreateUser (second): %v", err)
			}
			if created || again.ID != got.ID {
				t.Fatalf("GetOrCreateUser (second): expected existing id %d, got %d (created=%v)", got.ID, again.ID, created)
			}
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestCreateWorkspaceWithDefaults(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()
	st := store.NonTx()
	owner := mustUser(t, st, "alice")

	setup, err := datastore.CreateWorkspaceWithDefaults(ctx, store, model.Workspace{Name: "Test", OwnerID: owner.ID})
	if err != nil {
		t.Fatalf("CreateWorkspaceWithDefaults: %v", err)
	}
	wsID := setup.Workspace.ID

	channels, err := st.ListChannels(ctx, wsID)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	wantChannels := []model.Channel{{WorkspaceID: wsID, Name: "general", Type: model.ChannelText}}
	if diff := cmp.Diff(wantChannels, channels, cmpopts.IgnoreFields(model.Channel{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}

	roles, err := st.ListRoles(ctx, wsID)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	wantRoles := []model.Role{
		{WorkspaceID: wsID, Name: model.RoleOwner, Color: model.RoleOwnerColor},
		{WorkspaceID: wsID, Name: model.RoleMember, Color: model.RoleMemberColor},
	}
	if diff := cmp.Diff(wantRoles, roles, cmpopts.IgnoreFields(model.Role{}, "ID")); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}

	members, err := st.ListMembers(ctx, wsID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 || members[0].ID != owner.ID || members[0].RoleName == nil || *members[0].RoleName != model.RoleOwner {
		t.Fatalf("ListMembers: expected single Owner member, got %+v", members)
	}

	list, err := st.ListWorkspacesForUser(ctx, owner.ID)
	if err != nil {
		t.Fatalf("ListWorkspacesForUser: %v", err)
	}
	if len(list) != 1 || list[0].Name != "Test" {
		t.Fatalf("ListWorkspacesForUser: unexpected %+v", list)
	}
}

func TestCreateWorkspaceRollback(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	// Owner does not exist, so the foreign key rejects the workspace row.
	if _, err := datastore.CreateWorkspaceWithDefaults(ctx, store, model.Workspace{Name: "Ghost", OwnerID: 999}); err == nil {
		t.Fatalf("CreateWorkspaceWithDefaults: expected FK error, got nil")
	}
	all, err := store.NonTx().ListWorkspaces(ctx)
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("ListWorkspaces: expected no rows after rollback, got %d", len(all))
	}
}

func TestMembershipLifecycle(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()
	st := store.NonTx()
	owner := mustUser(t, st, "owner")
	bob := mustUser(t, st, "bob")
	carl := mustUser(t, st, "carl")

	setup, err := datastore.CreateWorkspaceWithDefaults(ctx, store, model.Workspace{Name: "W", OwnerID: owner.ID})
	if err != nil {
		t.Fatalf("CreateWorkspaceWithDefaults: %v", err)
	}
	wsID := setup.Workspace.ID
	member := model.FindRole(setup.Roles, model.RoleMember)

	if err := st.AddMember(ctx, model.Membership{WorkspaceID: wsID, UserID: bob.ID, RoleID: &member.ID}); err != nil {
		t.Fatalf("AddMember(bob): %v", err)
	}
	if err := st.AddMember(ctx, model.Membership{WorkspaceID: wsID, UserID: carl.ID}); err != nil {
		t.Fatalf("AddMember(carl): %v", err)
	}
	// Re-adding is a no-op and keeps the assigned role.
	if err := st.AddMember(ctx, model.Membership{WorkspaceID: wsID, UserID: bob.ID}); err != nil {
		t.Fatalf("AddMember(bob again): %v", err)
	}

	members, err := st.ListMembers(ctx, wsID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	var names []string
	for _, m := range members {
		names = append(names, m.Username)
	}
	if diff := cmp.Diff([]string{"owner", "bob", "carl"}, names); diff != "" {
		t.Errorf("member order mismatch (-want +got):\n%s", diff)
	}

	unassigned, err := st.ListMembershipsWithoutRole(ctx, wsID)
	if err != nil {
		t.Fatalf("ListMembershipsWithoutRole: %v", err)
	}
	if len(unassigned) != 1 || unassigned[0].UserID != carl.ID {
		t.Fatalf("ListMembershipsWithoutRole: expected carl only, got %+v", unassigned)
	}

	if err := st.SetMemberRole(ctx, wsID, carl.ID, member.ID); err != nil {
		t.Fatalf("SetMemberRole: %v", err)
	}
	m, err := st.GetMembership(ctx, wsID, carl.ID)
	if err != nil || m == nil || m.RoleID == nil || *m.RoleID != member.ID {
		t.Fatalf("GetMembership: expected member role, got %+v (err %v)", m, err)
	}

	removed, err := st.RemoveMember(ctx, wsID, bob.ID)
	if err != nil || !removed {
		t.Fatalf("RemoveMember: expected removed, got %v (err %v)", removed, err)
	}
	removed, err = st.RemoveMember(ctx, wsID, bob.ID)
	if err != nil || removed {
		t.Fatalf("RemoveMember (again): expected no-op, got %v (err %v)", removed, err)
	}

	if err := st.CreateBan(ctx, wsID, bob.ID); err != nil {
		t.Fatalf("CreateBan: %v", err)
	}
	if err := st.CreateBan(ctx, wsID, bob.ID); err != nil {
		t.Fatalf("CreateBan (again): %v", err)
	}
	banned, err := st.IsUserBanned(ctx, wsID, bob.ID)
	if err != nil || !banned {
		t.Fatalf("IsUserBanned: expected true, got %v (err %v)", banned, err)
	}
	bans, err := st.ListBans(ctx, wsID)
	if err != nil || len(bans) != 1 {
		t.Fatalf("ListBans: expected one ban, got %d (err %v)", len(bans), err)
	}
}

func TestRecentMessagesOrder(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()
	st := store.NonTx()
	alice := mustUser(t, st, "alice")

	setup, err := datastore.CreateWorkspaceWithDefaults(ctx, store, model.Workspace{Name: "W", OwnerID: alice.ID})
	if err != nil {
		t.Fatalf("CreateWorkspaceWithDefaults: %v", err)
	}
	chID := setup.Channel.ID

	total := model.HistoryLimit + 5
	for i := 0; i < total; i++ {
		got, err := st.CreateMessage(ctx, &model.Message{ChannelID: chID, UserID: alice.ID, Content: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("CreateMessage(%d): %v", i, err)
		}
		if got.Username != "alice" || got.Color != model.UserDefaultColor {
			t.Fatalf("CreateMessage: expected author fields, got %+v", got)
		}
	}

	msgs, err := st.ListRecentMessages(ctx, chID, model.HistoryLimit)
	if err != nil {
		t.Fatalf("ListRecentMessages: %v", err)
	}
	if len(msgs) != model.HistoryLimit {
		t.Fatalf("ListRecentMessages: expected %d, got %d", model.HistoryLimit, len(msgs))
	}
	if msgs[0].Content != "m5" || msgs[len(msgs)-1].Content != fmt.Sprintf("m%d", total-1) {
		t.Fatalf("ListRecentMessages: expected m5..m%d, got %s..%s", total-1, msgs[0].Content, msgs[len(msgs)-1].Content)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ListRecentMessages: not ascending at %d", i)
		}
	}

	empty, err := st.ListRecentMessages(ctx, chID+100, model.HistoryLimit)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("ListRecentMessages(empty): expected empty non-nil slice, got %v (err %v)", empty, err)
	}
}

func TestChannelAndProfileUpdates(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()
	st := store.NonTx()
	alice := mustUser(t, st, "alice")

	setup, err := datastore.CreateWorkspaceWithDefaults(ctx, store, model.Workspace{Name: "W", OwnerID: alice.ID})
	if err != nil {
		t.Fatalf("CreateWorkspaceWithDefaults: %v", err)
	}

	voice := &model.Channel{WorkspaceID: setup.Workspace.ID, Name: "Lounge", Type: model.ChannelVoice}
	if err := st.CreateChannel(ctx, voice); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := st.RenameChannel(ctx, voice.ID, "Hangout"); err != nil {
		t.Fatalf("RenameChannel: %v", err)
	}
	got, err := st.GetChannel(ctx, voice.ID)
	if err != nil || got == nil || got.Name != "Hangout" || got.Type != model.ChannelVoice {
		t.Fatalf("GetChannel: unexpected %+v (err %v)", got, err)
	}
	if err := st.DeleteChannel(ctx, voice.ID); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if got, _ := st.GetChannel(ctx, voice.ID); got != nil {
		t.Fatalf("GetChannel: expected nil after delete, got %+v", got)
	}

	if err := st.UpdateUserProfile(ctx, alice.ID, model.ProfileUpdate{Bio: "hi", AvatarURL: "http://a"}); err != nil {
		t.Fatalf("UpdateUserProfile: %v", err)
	}
	u, err := st.GetUserByID(ctx, alice.ID)
	if err != nil || u.Bio != "hi" || u.AvatarURL != "http://a" || u.Color != model.UserDefaultColor {
		t.Fatalf("GetUserByID: unexpected %+v (err %v)", u, err)
	}

	if err := st.UpdateWorkspace(ctx, setup.Workspace.ID, "Renamed", "http://icon"); err != nil {
		t.Fatalf("UpdateWorkspace: %v", err)
	}
	if err := st.DeleteWorkspace(ctx, setup.Workspace.ID); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	if ws, _ := st.GetWorkspace(ctx, setup.Workspace.ID); ws != nil {
		t.Fatalf("GetWorkspace: expected nil after delete, got %+v", ws)
	}
	if chs, _ := st.ListChannels(ctx, setup.Workspace.ID); len(chs) != 0 {
		t.Fatalf("ListChannels: expected cascade delete, got %d", len(chs))
	}
}
