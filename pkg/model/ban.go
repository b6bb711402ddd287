package model

import "time"

// Ban marks a user as permanently excluded from a workspace.
type Ban struct {
	WorkspaceID int64     `json:"server_id"`
	UserID      int64     `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
}
