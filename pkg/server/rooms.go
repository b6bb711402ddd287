package server

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/huddle/pkg/protocol"
)

// Sender is the outbound half of a connection. TrySend must not block.
type Sender interface {
	TrySend(frame []byte) error
}

// RoomID names a delivery scope.
type RoomID string

// WorkspaceRoom is the room every connection viewing a workspace sits in.
func WorkspaceRoom(workspaceID int64) RoomID {
	return RoomID(fmt.Sprintf("workspace:%d", workspaceID))
}

// ChannelRoom is the chat room of a text channel.
func ChannelRoom(channelID int64) RoomID {
	return RoomID(fmt.Sprintf("channel:%d", channelID))
}

type channelSeat struct {
	channelID   int64
	workspaceID int64
}

// RoomRouter manages room membership and fans frames out to connections.
type RoomRouter struct {
	mu       sync.RWMutex
	conns    map[string]Sender              // connection id -> sender
	rooms    map[RoomID]map[string]struct{} // room -> connection ids
	memberOf map[string]map[RoomID]struct{} // connection id -> rooms
	seats    map[string]channelSeat         // connection id -> active chat channel
	metrics  *Metrics
}

// NewRoomRouter creates an empty router. metrics may be nil.
func NewRoomRouter(metrics *Metrics) *RoomRouter {
	return &RoomRouter{
		conns:    make(map[string]Sender),
		rooms:    make(map[RoomID]map[string]struct{}),
		memberOf: make(map[string]map[RoomID]struct{}),
		seats:    make(map[string]channelSeat),
		metrics:  metrics,
	}
}

// Attach makes a connection addressable.
func (rr *RoomRouter) Attach(connID string, s Sender) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.conns[connID] = s
}

// Detach removes a connection from every room and forgets it.
func (rr *RoomRouter) Detach(connID string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	for room := range rr.memberOf[connID] {
		rr.removeLocked(connID, room)
	}
	delete(rr.memberOf, connID)
	delete(rr.seats, connID)
	delete(rr.conns, connID)
}

// Join adds the connection to a room. Unknown connections are ignored.
func (rr *RoomRouter) Join(connID string, room RoomID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.joinLocked(connID, room)
}

// JoinChannel moves the connection's chat seat to channelID, leaving the
// previous channel room. It returns the previous channel id, or 0.
func (rr *RoomRouter) JoinChannel(connID string, channelID, workspaceID int64) int64 {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if _, ok := rr.conns[connID]; !ok {
		return 0
	}
	prev, had := rr.seats[connID]
	if had && prev.channelID != channelID {
		rr.removeLocked(connID, ChannelRoom(prev.channelID))
	}
	rr.seats[connID] = channelSeat{channelID: channelID, workspaceID: workspaceID}
	rr.joinLocked(connID, ChannelRoom(channelID))
	if had {
		return prev.channelID
	}
	return 0
}

// ChannelOf returns the chat channel the connection is in, or 0.
func (rr *RoomRouter) ChannelOf(connID string) int64 {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return rr.seats[connID].channelID
}

// Leave removes the connection from a room. Safe to call when absent.
func (rr *RoomRouter) Leave(connID string, room RoomID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.removeLocked(connID, room)
}

// LeaveWorkspace removes the connection from the workspace room and from its
// chat channel if that channel belongs to the workspace.
func (rr *RoomRouter) LeaveWorkspace(connID string, workspaceID int64) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rr.removeLocked(connID, WorkspaceRoom(workspaceID))
	if seat, ok := rr.seats[connID]; ok && seat.workspaceID == workspaceID {
		rr.removeLocked(connID, ChannelRoom(seat.channelID))
	}
}

// CloseRoom removes every member from a room.
func (rr *RoomRouter) CloseRoom(room RoomID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	for connID := range rr.rooms[room] {
		rr.removeLocked(connID, room)
	}
}

// Members returns the connection ids currently in a room.
func (rr *RoomRouter) Members(room RoomID) []string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	result := make([]string, 0, len(rr.rooms[room]))
	for id := range rr.rooms[room] {
		result = append(result, id)
	}
	return result
}

// InRoom reports whether the connection is a member of room.
func (rr *RoomRouter) InRoom(connID string, room RoomID) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	_, ok := rr.rooms[room][connID]
	return ok
}

// Broadcast delivers an event to every connection in the room.
func (rr *RoomRouter) Broadcast(room RoomID, event string, payload any) {
	rr.BroadcastMany([]RoomID{room}, event, payload)
}

// BroadcastMany delivers an event once to every connection in any of the rooms.
func (rr *RoomRouter) BroadcastMany(rooms []RoomID, event string, payload any) {
	rr.fanout(rooms, "", event, payload)
}

// BroadcastWith delivers an event to every connection in the room and to
// connID, which gets it once even when it is not a member.
func (rr *RoomRouter) BroadcastWith(room RoomID, connID, event string, payload any) {
	rr.fanout([]RoomID{room}, connID, event, payload)
}

func (rr *RoomRouter) fanout(rooms []RoomID, extra, event string, payload any) {
	frame, ok := rr.encode(event, payload)
	if !ok {
		return
	}

	rr.mu.RLock()
	defer rr.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, room := range rooms {
		for connID := range rr.rooms[room] {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			rr.deliverLocked(connID, event, frame)
		}
	}
	if _, dup := seen[extra]; extra != "" && !dup {
		rr.deliverLocked(extra, event, frame)
	}
	if rr.metrics != nil {
		rr.metrics.Broadcasts.Add(1)
	}
}

// BroadcastAll delivers an event to every attached connection. Reserved for
// process-wide notices.
func (rr *RoomRouter) BroadcastAll(event string, payload any) {
	frame, ok := rr.encode(event, payload)
	if !ok {
		return
	}

	rr.mu.RLock()
	defer rr.mu.RUnlock()
	for connID := range rr.conns {
		rr.deliverLocked(connID, event, frame)
	}
	if rr.metrics != nil {
		rr.metrics.Broadcasts.Add(1)
	}
}

// SendTo delivers an event to a single connection. It reports false if the
// connection is not attached or its buffer is full.
func (rr *RoomRouter) SendTo(connID, event string, payload any) bool {
	frame, ok := rr.encode(event, payload)
	if !ok {
		return false
	}

	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return rr.deliverLocked(connID, event, frame)
}

func (rr *RoomRouter) encode(event string, payload any) ([]byte, bool) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		slog.Error("encode event failed", "event", event, "err", err)
		return nil, false
	}
	return frame, true
}

func (rr *RoomRouter) deliverLocked(connID, event string, frame []byte) bool {
	s, ok := rr.conns[connID]
	if !ok {
		return false
	}
	if err := s.TrySend(frame); err != nil {
		slog.Debug("frame dropped", "conn", connID, "event", event, "err", err)
		if rr.metrics != nil {
			rr.metrics.FramesDropped.Add(1)
		}
		return false
	}
	return true
}

func (rr *RoomRouter) joinLocked(connID string, room RoomID) {
	if _, ok := rr.conns[connID]; !ok {
		return
	}
	if rr.rooms[room] == nil {
		rr.rooms[room] = make(map[string]struct{})
	}
	rr.rooms[room][connID] = struct{}{}
	if rr.memberOf[connID] == nil {
		rr.memberOf[connID] = make(map[RoomID]struct{})
	}
	rr.memberOf[connID][room] = struct{}{}
}

func (rr *RoomRouter) removeLocked(connID string, room RoomID) {
	if members, ok := rr.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(rr.rooms, room)
		}
	}
	if rooms, ok := rr.memberOf[connID]; ok {
		delete(rooms, room)
	}
	if seat, ok := rr.seats[connID]; ok && ChannelRoom(seat.channelID) == room {
		delete(rr.seats, connID)
	}
}
