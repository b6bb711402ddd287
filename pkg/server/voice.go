package server

import (
	"sort"
	"sync"

	"github.com/NicolasHaas/huddle/pkg/protocol"
	"github.com/NicolasHaas/huddle/pkg/protocol/pb"
)

type voiceEntry struct {
	channelID   int64
	workspaceID int64
	userID      int64
	seq         uint64 // join order
}

type voiceChannel struct {
	channelID   int64
	workspaceID int64
}

// VoiceRoster owns the live voice presence of every connection. Each
// mutation recomputes the full roster of the affected channels and publishes
// it while still holding the roster lock, so no observer sees a half-applied
// change.
type VoiceRoster struct {
	mu      sync.Mutex
	entries map[string]voiceEntry // connection id -> entry
	seq     uint64
	router  *RoomRouter
}

// NewVoiceRoster creates an empty roster publishing through router.
func NewVoiceRoster(router *RoomRouter) *VoiceRoster {
	return &VoiceRoster{
		entries: make(map[string]voiceEntry),
		router:  router,
	}
}

// Join places the connection in a voice channel, replacing any entry it
// already had. The previous channel, if different, gets a fresh roster too.
func (v *VoiceRoster) Join(connID string, userID, channelID, workspaceID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	prev, had := v.entries[connID]
	if had && prev.channelID == channelID && prev.userID == userID {
		v.emitLocked(voiceChannel{channelID, workspaceID})
		return
	}
	v.seq++
	v.entries[connID] = voiceEntry{
		channelID:   channelID,
		workspaceID: workspaceID,
		userID:      userID,
		seq:         v.seq,
	}
	if had && prev.channelID != channelID {
		v.emitLocked(voiceChannel{prev.channelID, prev.workspaceID})
	}
	v.emitLocked(voiceChannel{channelID, workspaceID})
}

// Leave removes the connection's entry. It reports false, and emits nothing,
// if the connection was not in voice.
func (v *VoiceRoster) Leave(connID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[connID]
	if !ok {
		return false
	}
	delete(v.entries, connID)
	v.emitLocked(voiceChannel{e.channelID, e.workspaceID})
	return true
}

// OnDisconnect is Leave for a connection that has gone away. It is safe to
// call for connections that never joined voice or already left.
func (v *VoiceRoster) OnDisconnect(connID string) {
	v.Leave(connID)
}

// RemoveChannel drops every entry in a channel and publishes the now empty
// roster. It returns the removed connection ids.
func (v *VoiceRoster) RemoveChannel(channelID, workspaceID int64) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var removed []string
	for connID, e := range v.entries {
		if e.channelID == channelID {
			delete(v.entries, connID)
			removed = append(removed, connID)
		}
	}
	v.emitLocked(voiceChannel{channelID, workspaceID})
	return removed
}

// EvictUser removes every entry userID holds in the workspace's channels.
func (v *VoiceRoster) EvictUser(workspaceID, userID int64) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var removed []string
	touched := make(map[voiceChannel]struct{})
	for connID, e := range v.entries {
		if e.workspaceID == workspaceID && e.userID == userID {
			delete(v.entries, connID)
			removed = append(removed, connID)
			touched[voiceChannel{e.channelID, e.workspaceID}] = struct{}{}
		}
	}
	for ch := range touched {
		v.emitLocked(ch)
	}
	return removed
}

// Roster returns the current members of a voice channel in join order.
func (v *VoiceRoster) Roster(channelID int64) []pb.VoiceUser {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rosterLocked(channelID)
}

// ChannelOf returns the voice channel the connection is in.
func (v *VoiceRoster) ChannelOf(connID string) (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[connID]
	return e.channelID, ok
}

func (v *VoiceRoster) rosterLocked(channelID int64) []pb.VoiceUser {
	type row struct {
		seq  uint64
		user pb.VoiceUser
	}
	var rows []row
	for connID, e := range v.entries {
		if e.channelID == channelID {
			rows = append(rows, row{e.seq, pb.VoiceUser{ConnectionID: connID, UserID: e.userID}})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	users := make([]pb.VoiceUser, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.user)
	}
	return users
}

func (v *VoiceRoster) emitLocked(ch voiceChannel) {
	if v.router == nil {
		return
	}
	v.router.Broadcast(WorkspaceRoom(ch.workspaceID), protocol.EvtVoiceStatusUpdate, pb.VoiceStatusEvent{
		ChannelID: ch.channelID,
		Users:     v.rosterLocked(ch.channelID),
	})
}
