package datastore

import (
	"context"

	"github.com/NicolasHaas/huddle/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for all huddle entities.
// Implementations include the SQL store (SQLite or PostgreSQL) and the
// in-memory store used by tests.
//
// Get methods return (nil, nil) when the row does not exist.
type DataStore interface {
	UserReadProvider
	UserWriteProvider

	WorkspaceReadProvider
	WorkspaceWriteProvider

	RoleReadProvider
	RoleWriteProvider

	MembershipReadProvider
	MembershipWriteProvider

	ChannelReadProvider
	ChannelWriteProvider

	BanReadProvider
	BanWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type UserReadProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	// CreateUserIfMissing inserts a user with the default profile unless the
	// username is already taken. It reports whether a row was inserted.
	CreateUserIfMissing(ctx context.Context, username string) (bool, error)
	UpdateUserProfile(ctx context.Context, userID int64, upd model.ProfileUpdate) error
}

type WorkspaceReadProvider interface {
	GetWorkspace(ctx context.Context, id int64) (*model.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]model.Workspace, error)
	ListWorkspacesForUser(ctx context.Context, userID int64) ([]model.Workspace, error)
}

type WorkspaceWriteProvider interface {
	CreateWorkspace(ctx context.Context, ws *model.Workspace) error
	UpdateWorkspace(ctx context.Context, id int64, name, iconURL string) error
	DeleteWorkspace(ctx context.Context, id int64) error
}

type RoleReadProvider interface {
	ListRoles(ctx context.Context, workspaceID int64) ([]model.Role, error)
}

type RoleWriteProvider interface {
	CreateRole(ctx context.Context, role *model.Role) error
}

type MembershipReadProvider interface {
	GetMembership(ctx context.Context, workspaceID, userID int64) (*model.Membership, error)
	ListMembers(ctx context.Context, workspaceID int64) ([]model.Member, error)
	ListMembershipsWithoutRole(ctx context.Context, workspaceID int64) ([]model.Membership, error)
}

type MembershipWriteProvider interface {
	AddMember(ctx context.Context, m model.Membership) error
	RemoveMember(ctx context.Context, workspaceID, userID int64) (bool, error)
	SetMemberRole(ctx context.Context, workspaceID, userID, roleID int64) error
}

type ChannelReadProvider interface {
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	ListChannels(ctx context.Context, workspaceID int64) ([]model.Channel, error)
}

type ChannelWriteProvider interface {
	CreateChannel(ctx context.Context, channel *model.Channel) error
	RenameChannel(ctx context.Context, id int64, name string) error
	DeleteChannel(ctx context.Context, id int64) error
}

type BanReadProvider interface {
	IsUserBanned(ctx context.Context, workspaceID, userID int64) (bool, error)
	ListBans(ctx context.Context, workspaceID int64) ([]model.Ban, error)
}

type BanWriteProvider interface {
	// CreateBan is idempotent: banning an already banned user is not an error.
	CreateBan(ctx context.Context, workspaceID, userID int64) error
}

type MessageReadProvider interface {
	// ListRecentMessages returns the newest limit messages of a channel in
	// chronological order (oldest first).
	ListRecentMessages(ctx context.Context, channelID int64, limit int) ([]model.MessageWithAuthor, error)
}

type MessageWriteProvider interface {
	// CreateMessage inserts the message and returns it joined with its author.
	CreateMessage(ctx context.Context, message *model.Message) (*model.MessageWithAuthor, error)
}
