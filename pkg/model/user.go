package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	MaxUsernameLength = 32
	MaxBioLength      = 190

	UserDefaultBio    = "Newbie"
	UserDefaultStatus = "online"
	UserDefaultColor  = "#7289da"
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrBioTooLong = fmt.Errorf("bio must not exceed %d characters", MaxBioLength)
var ErrInvalidColor = errors.New("color must be a #rrggbb hex value")

// User represents a registered user and their public profile.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Bio       string    `json:"bio"`
	Status    string    `json:"status"`
	Color     string    `json:"color"`
	AvatarURL string    `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
}

// NewUser returns a user with the default profile.
func NewUser(username string) *User {
	return &User{
		Username: username,
		Bio:      UserDefaultBio,
		Status:   UserDefaultStatus,
		Color:    UserDefaultColor,
	}
}

// ProfileUpdate carries the user-editable profile fields.
type ProfileUpdate struct {
	Bio       string
	Color     string
	AvatarURL string
}

func (p *ProfileUpdate) Validate() error {
	if utf8.RuneCountInString(p.Bio) > MaxBioLength {
		return ErrBioTooLong
	}
	if p.Color != "" && !isHexColor(p.Color) {
		return ErrInvalidColor
	}
	return nil
}

// Apply copies the update onto u. An empty color keeps the current one.
func (p *ProfileUpdate) Apply(u *User) {
	u.Bio = p.Bio
	if p.Color != "" {
		u.Color = p.Color
	}
	u.AvatarURL = p.AvatarURL
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

func isHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, r := range s[1:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
