package server

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/huddle/pkg/datastore"
	"github.com/NicolasHaas/huddle/pkg/model"
)

// LoadEnv overlays environment variables onto cfg. Unset variables keep the
// values already in cfg. POSTGRES_CONNECTION switches the driver to postgres.
func LoadEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("server: parse env: %w", err)
	}
	if cfg.PostgresDSN != "" {
		cfg.DBDriver = datastore.DriverPostgres
		cfg.DSN = cfg.PostgresDSN
	}
	return nil
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	Bio       string `yaml:"bio,omitempty"`
	Color     string `yaml:"color,omitempty"`
	AvatarURL string `yaml:"avatar_url,omitempty"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// ChannelYAML represents a channel in YAML export.
type ChannelYAML struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// RoleYAML represents a role in YAML export.
type RoleYAML struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color,omitempty"`
}

// MemberYAML represents a membership in YAML export.
type MemberYAML struct {
	Username string `yaml:"username"`
	Role     string `yaml:"role,omitempty"`
}

// WorkspaceYAML represents a workspace with its channels, roles and members.
type WorkspaceYAML struct {
	ID       int64         `yaml:"id"`
	Name     string        `yaml:"name"`
	IconURL  string        `yaml:"icon_url,omitempty"`
	Owner    string        `yaml:"owner"`
	Channels []ChannelYAML `yaml:"channels"`
	Roles    []RoleYAML    `yaml:"roles"`
	Members  []MemberYAML  `yaml:"members"`
	Banned   []string      `yaml:"banned,omitempty"`
}

// WorkspacesExport is the top-level YAML for workspace export.
type WorkspacesExport struct {
	Workspaces []WorkspaceYAML `yaml:"workspaces"`
}

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{Users: []UserYAML{}}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			Bio:       u.Bio,
			Color:     u.Color,
			AvatarURL: u.AvatarURL,
			CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return yaml.Marshal(&export)
}

// ExportWorkspacesYAML exports every workspace with its channels, roles,
// members and bans as YAML.
func ExportWorkspacesYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	workspaces, err := st.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}

	export := WorkspacesExport{Workspaces: []WorkspaceYAML{}}
	for _, ws := range workspaces {
		entry, err := exportWorkspace(ctx, st, ws, names)
		if err != nil {
			return nil, fmt.Errorf("export workspace %d: %w", ws.ID, err)
		}
		export.Workspaces = append(export.Workspaces, entry)
	}
	return yaml.Marshal(&export)
}

func exportWorkspace(ctx context.Context, st datastore.DataStore, ws model.Workspace, names map[int64]string) (WorkspaceYAML, error) {
	entry := WorkspaceYAML{
		ID:       ws.ID,
		Name:     ws.Name,
		IconURL:  ws.IconURL,
		Owner:    names[ws.OwnerID],
		Channels: []ChannelYAML{},
		Roles:    []RoleYAML{},
		Members:  []MemberYAML{},
	}

	channels, err := st.ListChannels(ctx, ws.ID)
	if err != nil {
		return entry, err
	}
	for _, ch := range channels {
		entry.Channels = append(entry.Channels, ChannelYAML{Name: ch.Name, Type: string(ch.Type)})
	}

	roles, err := st.ListRoles(ctx, ws.ID)
	if err != nil {
		return entry, err
	}
	for _, r := range roles {
		entry.Roles = append(entry.Roles, RoleYAML{Name: r.Name, Color: r.Color})
	}

	members, err := st.ListMembers(ctx, ws.ID)
	if err != nil {
		return entry, err
	}
	for _, m := range members {
		mem := MemberYAML{Username: m.Username}
		if m.RoleName != nil {
			mem.Role = *m.RoleName
		}
		entry.Members = append(entry.Members, mem)
	}

	bans, err := st.ListBans(ctx, ws.ID)
	if err != nil {
		return entry, err
	}
	for _, b := range bans {
		entry.Banned = append(entry.Banned, names[b.UserID])
	}
	return entry, nil
}
