// Package pb holds the payload bodies carried in protocol envelopes.
//
// Field names follow the web client: inbound commands use camelCase, rows
// sent back from the store use the model package's snake_case tags.
package pb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidID = errors.New("pb: id must be an integer or numeric string")

// ID is a numeric identifier that also accepts a quoted decimal string, since
// browser clients send ids both ways. Null decodes as zero.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = 0
		return nil
	}
	s := string(b)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*id = 0
			return nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidID, string(b))
	}
	*id = ID(v)
	return nil
}

// Int64 returns the id as int64.
func (id ID) Int64() int64 { return int64(id) }

// Text is a string that also accepts a bare JSON number.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("pb: expected string or number: %w", err)
	}
	*t = Text(n.String())
	return nil
}

// ----- Session -----

// LoginRequest accepts either a bare username string or {"username": ...}.
type LoginRequest struct {
	Username string `json:"username"`
}

func (r *LoginRequest) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.Username)
	}
	type plain LoginRequest
	return json.Unmarshal(b, (*plain)(r))
}

type UpdateProfileRequest struct {
	UserID    ID     `json:"userId"`
	Bio       string `json:"bio"`
	Color     string `json:"color"`
	AvatarURL string `json:"avatarUrl"`
}

// ----- Workspaces -----

type CreateServerRequest struct {
	Name    string `json:"name"`
	IconURL string `json:"iconUrl"`
	UserID  ID     `json:"userId"`
}

type JoinServerRequest struct {
	InviteCode Text `json:"inviteCode"`
	UserID     ID   `json:"userId"`
}

type EditServerRequest struct {
	ServerID ID     `json:"serverId"`
	Name     string `json:"name"`
	IconURL  string `json:"iconUrl"`
}

// MemberActionRequest is shared by kick_member and ban_member.
type MemberActionRequest struct {
	ServerID    ID `json:"serverId"`
	TargetID    ID `json:"targetId"`
	RequesterID ID `json:"requesterId"`
}

type MemberEvent struct {
	ServerID int64 `json:"serverId"`
	UserID   int64 `json:"userId"`
}

// ----- Channels -----

type CreateChannelRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	ServerID ID     `json:"serverId"`
}

type RenameChannelRequest struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

type ChannelRenamedEvent struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ----- Chat -----

type SendMessageRequest struct {
	Content   string `json:"content"`
	ChannelID ID     `json:"channelId"`
	UserID    ID     `json:"userId"`
}

// ----- Voice -----

type JoinVoiceRequest struct {
	ChannelID ID `json:"channelId"`
	UserID    ID `json:"userId"`
}

type VoiceUser struct {
	ConnectionID string `json:"connectionId"`
	UserID       int64  `json:"userId"`
}

type VoiceStatusEvent struct {
	ChannelID int64       `json:"channelId"`
	Users     []VoiceUser `json:"users"`
}

type SendingSignalRequest struct {
	UserToSignal string          `json:"userToSignal"`
	Signal       json.RawMessage `json:"signal"`
	CallerID     string          `json:"callerID"`
}

type ReturningSignalRequest struct {
	CallerID string          `json:"callerID"`
	Signal   json.RawMessage `json:"signal"`
}

type UserJoinedVoiceEvent struct {
	Signal   json.RawMessage `json:"signal"`
	CallerID string          `json:"callerID"`
}

type ReturnedSignalEvent struct {
	Signal json.RawMessage `json:"signal"`
	ID     string          `json:"id"`
}

// ----- Generic -----

type CommandRejected struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
