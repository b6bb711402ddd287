package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/huddle/pkg/datastore"
	"github.com/NicolasHaas/huddle/pkg/model"
	"github.com/NicolasHaas/huddle/pkg/store"
)

func TestLoadEnv(t *testing.T) {
	t.Setenv("HUDDLE_ADDR", ":9000")
	t.Setenv("HUDDLE_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("HUDDLE_REPAIR_INTERVAL", "5m")
	t.Setenv("HUDDLE_ENFORCE_BANS", "true")

	cfg := DefaultConfig()
	if err := LoadEnv(&cfg); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}

	if cfg.Addr != ":9000" {
		t.Fatalf("Addr: expected :9000, got %q", cfg.Addr)
	}
	if diff := cmp.Diff([]string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins); diff != "" {
		t.Fatalf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}
	if cfg.RepairInterval != 5*time.Minute || !cfg.EnforceBans {
		t.Fatalf("unexpected RepairInterval %v / EnforceBans %v", cfg.RepairInterval, cfg.EnforceBans)
	}
	// Unset variables keep defaults.
	if cfg.DBDriver != datastore.DriverSQLite || cfg.SendBuffer != 256 {
		t.Fatalf("defaults overwritten: driver %q, send buffer %d", cfg.DBDriver, cfg.SendBuffer)
	}
}

func TestLoadEnvPostgres(t *testing.T) {
	t.Setenv("POSTGRES_CONNECTION", "postgres://huddle@localhost/huddle")

	cfg := DefaultConfig()
	if err := LoadEnv(&cfg); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.DBDriver != datastore.DriverPostgres || cfg.DSN != "postgres://huddle@localhost/huddle" {
		t.Fatalf("expected postgres driver and DSN, got %q %q", cfg.DBDriver, cfg.DSN)
	}
}

func TestExportYAML(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	alice, _, err := datastore.GetOrCreateUser(ctx, mem, "alice")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	bob, _, err := datastore.GetOrCreateUser(ctx, mem, "bob")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	setup, err := datastore.CreateWorkspaceWithDefaults(ctx, mem, model.Workspace{Name: "Test", OwnerID: alice.ID})
	if err != nil {
		t.Fatalf("CreateWorkspaceWithDefaults: %v", err)
	}
	if err := mem.CreateBan(ctx, setup.Workspace.ID, bob.ID); err != nil {
		t.Fatalf("CreateBan: %v", err)
	}

	data, err := ExportUsersYAML(ctx, mem)
	if err != nil {
		t.Fatalf("ExportUsersYAML: %v", err)
	}
	var users UsersExport
	if err := yaml.Unmarshal(data, &users); err != nil {
		t.Fatalf("unmarshal users: %v", err)
	}
	if len(users.Users) != 2 || users.Users[0].Username != "alice" {
		t.Fatalf("users export: unexpected %+v", users)
	}

	data, err = ExportWorkspacesYAML(ctx, mem)
	if err != nil {
		t.Fatalf("ExportWorkspacesYAML: %v", err)
	}
	var got WorkspacesExport
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal workspaces: %v", err)
	}
	want := WorkspacesExport{Workspaces: []WorkspaceYAML{{
		ID:       setup.Workspace.ID,
		Name:     "Test",
		Owner:    "alice",
		Channels: []ChannelYAML{{Name: model.ChannelDefaultName, Type: "text"}},
		Roles: []RoleYAML{
			{Name: model.RoleOwner, Color: model.RoleOwnerColor},
			{Name: model.RoleMember, Color: model.RoleMemberColor},
		},
		Members: []MemberYAML{{Username: "alice", Role: model.RoleOwner}},
		Banned:  []string{"bob"},
	}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("workspaces export mismatch (-want +got):\n%s", diff)
	}
}
