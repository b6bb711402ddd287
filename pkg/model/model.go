// Package model defines the persisted domain types for huddle.
//
// JSON tags follow the wire format consumed by the web client, which reads
// rows in snake_case exactly as they come out of the store.
package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// HistoryLimit is the number of messages returned when a connection opens a
// text channel.
const HistoryLimit = 50

const MaxWorkspaceNameLength = 100

var ErrWorkspaceNameEmpty = errors.New("workspace name must not be empty")
var ErrWorkspaceNameTooLong = errors.New("workspace name too long")

// Workspace is a top-level group ("server" on the wire) owned by one user.
type Workspace struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IconURL   string    `json:"icon_url"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *Workspace) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return ErrWorkspaceNameEmpty
	} else if utf8.RuneCountInString(w.Name) > MaxWorkspaceNameLength {
		return ErrWorkspaceNameTooLong
	}
	return nil
}

// Membership associates a user with a workspace. RoleID is nil until a role
// has been assigned, either at join time or by the repair pass.
type Membership struct {
	WorkspaceID int64  `json:"server_id"`
	UserID      int64  `json:"user_id"`
	RoleID      *int64 `json:"role_id"`
}

// Member is a membership joined with the user and role rows, as listed to
// clients.
type Member struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	AvatarURL string  `json:"avatar_url"`
	Status    string  `json:"status"`
	RoleID    *int64  `json:"role_id"`
	RoleName  *string `json:"role_name"`
	RoleColor *string `json:"role_color"`
}
