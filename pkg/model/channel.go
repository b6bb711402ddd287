package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	ChannelDefaultName = "general"

	MaxChannelNameLength = 64
)

var ErrChannelNameEmpty = errors.New("channel name must not be empty")
var ErrChannelNameTooLong = errors.New("channel name too long")
var ErrChannelType = errors.New("channel type must be text or voice")

// ChannelType distinguishes chat channels from voice channels.
type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
)

// ParseChannelType converts a wire value to a ChannelType. An empty value
// means text.
func ParseChannelType(s string) (ChannelType, error) {
	switch ChannelType(strings.ToLower(strings.TrimSpace(s))) {
	case "", ChannelText:
		return ChannelText, nil
	case ChannelVoice:
		return ChannelVoice, nil
	default:
		return "", ErrChannelType
	}
}

// Channel is a text or voice sub-room of a workspace.
type Channel struct {
	ID          int64       `json:"id"`
	WorkspaceID int64       `json:"server_id"`
	Name        string      `json:"name"`
	Type        ChannelType `json:"type"`
	CreatedAt   time.Time   `json:"created_at"`
}

// NewChannel returns the default text channel for a workspace.
func NewChannel(workspaceID int64) *Channel {
	return &Channel{
		WorkspaceID: workspaceID,
		Name:        ChannelDefaultName,
		Type:        ChannelText,
	}
}

func (ch *Channel) Validate() error {
	if err := ValidateChannelName(ch.Name); err != nil {
		return err
	}
	if ch.Type != ChannelText && ch.Type != ChannelVoice {
		return ErrChannelType
	}
	return nil
}

func ValidateChannelName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrChannelNameEmpty
	} else if utf8.RuneCountInString(name) > MaxChannelNameLength {
		return ErrChannelNameTooLong
	}
	return nil
}
