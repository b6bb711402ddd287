package server

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/NicolasHaas/huddle/pkg/datastore"
	"github.com/NicolasHaas/huddle/pkg/model"
	"github.com/NicolasHaas/huddle/pkg/protocol"
	"github.com/NicolasHaas/huddle/pkg/protocol/pb"
	"github.com/NicolasHaas/huddle/pkg/rbac"
)

// dispatch decodes one inbound frame and runs its command. A failed command
// produces exactly one command_rejected event for the requesting connection.
func (s *Server) dispatch(ctx context.Context, connID string, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.sendRejection(connID, "", reject(protocol.ReasonBadRequest, "malformed frame"))
		return
	}
	s.metrics.CommandsHandled.Add(1)

	if err := s.handleMessage(ctx, connID, env); err != nil {
		s.sendRejection(connID, env.Event, asCommandError(err))
	}
}

func (s *Server) sendRejection(connID, command string, ce *CommandError) {
	if ce.Reason == protocol.ReasonUpstream {
		slog.Error("command failed", "conn", connID, "command", command, "err", ce.Cause)
	} else {
		slog.Debug("command rejected", "conn", connID, "command", command, "reason", ce.Reason, "msg", ce.Message)
	}
	s.metrics.CommandsRejected.Add(1)
	s.router.SendTo(connID, protocol.EvtCommandRejected, pb.CommandRejected{
		Command: command,
		Reason:  ce.Reason.String(),
		Message: ce.Message,
	})
}

// handleMessage routes a command to its handler. Everything except login and
// ping needs a bound identity.
func (s *Server) handleMessage(ctx context.Context, connID string, env *protocol.Envelope) error {
	switch env.Event {
	case protocol.CmdLogin:
		return s.handleLogin(ctx, connID, env)
	case protocol.CmdPing:
		return s.handlePing(connID, env)
	}

	ident, ok := s.sessions.Identity(connID)
	if !ok {
		return reject(protocol.ReasonUnauthenticated, "login required")
	}

	switch env.Event {
	case protocol.CmdUpdateProfile:
		return s.handleUpdateProfile(ctx, connID, ident, env)
	case protocol.CmdGetServers:
		return s.handleGetServers(ctx, connID, ident, env)
	case protocol.CmdCreateServer:
		return s.handleCreateServer(ctx, connID, ident, env)
	case protocol.CmdJoinServer:
		return s.handleJoinServer(ctx, connID, ident, env)
	case protocol.CmdEditServer:
		return s.handleEditServer(ctx, connID, ident, env)
	case protocol.CmdDeleteServer:
		return s.handleDeleteServer(ctx, connID, ident, env)
	case protocol.CmdGetMembers:
		return s.handleGetMembers(ctx, connID, ident, env)
	case protocol.CmdKickMember:
		return s.handleRemoveMember(ctx, connID, ident, env, false)
	case protocol.CmdBanMember:
		return s.handleRemoveMember(ctx, connID, ident, env, true)
	case protocol.CmdGetChannels:
		return s.handleGetChannels(ctx, connID, ident, env)
	case protocol.CmdCreateChannel:
		return s.handleCreateChannel(ctx, connID, ident, env)
	case protocol.CmdDeleteChannel:
		return s.handleDeleteChannel(ctx, connID, ident, env)
	case protocol.CmdRenameChannel:
		return s.handleRenameChannel(ctx, connID, ident, env)
	case protocol.CmdJoinChannel:
		return s.handleJoinChannel(ctx, connID, ident, env)
	case protocol.CmdSendMessage:
		return s.handleSendMessage(ctx, connID, ident, env)
	case protocol.CmdJoinVoice:
		return s.handleJoinVoice(ctx, connID, ident, env)
	case protocol.CmdLeaveVoice:
		s.handleLeaveVoice(connID)
		return nil
	case protocol.CmdSendingSignal:
		return s.handleSendingSignal(connID, env)
	case protocol.CmdReturningSignal:
		return s.handleReturningSignal(connID, env)
	default:
		return reject(protocol.ReasonBadRequest, "unknown command %q", env.Event)
	}
}

func decode(env *protocol.Envelope, v any) error {
	if err := env.DecodeData(v); err != nil {
		return &CommandError{Reason: protocol.ReasonBadRequest, Message: "invalid payload", Cause: err}
	}
	return nil
}

// claim rejects a payload that names a user other than the session's.
// An absent id is accepted.
func claim(ident Identity, id pb.ID) error {
	if id != 0 && id.Int64() != ident.UserID {
		return reject(protocol.ReasonUnauthorized, "payload identity does not match session")
	}
	return nil
}

// enterWorkspace checks that the user may view the workspace and joins the
// connection to its room. The check and the join happen under the workspace
// lock so a concurrent kick cannot be undone by a stale selection.
func (s *Server) enterWorkspace(ctx context.Context, connID string, ident Identity, workspaceID int64) (*model.Workspace, error) {
	unlock := s.wsLocks.Lock(workspaceID)
	defer unlock()

	ws, err := s.guard.Authorize(ctx, workspaceID, ident.UserID, rbac.ActionViewWorkspace)
	if err != nil {
		return nil, err
	}
	s.router.Join(connID, WorkspaceRoom(workspaceID))
	return ws, nil
}

func (s *Server) lookupChannel(ctx context.Context, id int64) (*model.Channel, error) {
	if id <= 0 {
		return nil, reject(protocol.ReasonBadRequest, "channel id required")
	}
	ch, err := s.store.NonTx().GetChannel(ctx, id)
	if err != nil {
		return nil, upstream(err)
	}
	if ch == nil {
		return nil, reject(protocol.ReasonNotFound, "channel not found")
	}
	return ch, nil
}

// ----- Session -----

func (s *Server) handlePing(connID string, env *protocol.Envelope) error {
	var req pb.Ping
	if err := decode(env, &req); err != nil {
		return err
	}
	s.router.SendTo(connID, protocol.EvtPong, pb.Pong(req))
	return nil
}

func (s *Server) handleLogin(ctx context.Context, connID string, env *protocol.Envelope) error {
	var req pb.LoginRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	username := strings.TrimSpace(req.Username)
	if err := model.ValidateUsername(username); err != nil {
		return reject(protocol.ReasonBadRequest, "%v", err)
	}
	// Refuse a rebind before the store sees the new name.
	if bound, ok := s.sessions.Identity(connID); ok && bound.Username != username {
		return reject(protocol.ReasonConflict, "connection already logged in as another user")
	}

	user, created, err := datastore.GetOrCreateUser(ctx, s.store.NonTx(), username)
	if err != nil {
		return upstream(err)
	}

	if err := s.sessions.Bind(connID, user.ID, user.Username); err != nil {
		if errors.Is(err, ErrAlreadyBound) {
			return reject(protocol.ReasonConflict, "connection already logged in as another user")
		}
		return reject(protocol.ReasonUnauthenticated, "connection is closed")
	}

	if created {
		s.metrics.UsersCreated.Add(1)
		slog.Info("user created", "user", user.Username, "id", user.ID)
	}
	s.metrics.Logins.Add(1)
	slog.Info("client authenticated", "conn", connID, "user", user.Username)
	s.router.SendTo(connID, protocol.EvtLoginSuccess, user)
	return nil
}

func (s *Server) handleUpdateProfile(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var req pb.UpdateProfileRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := claim(ident, req.UserID); err != nil {
		return err
	}

	upd := model.ProfileUpdate{
		Bio:       strings.TrimSpace(req.Bio),
		Color:     strings.TrimSpace(req.Color),
		AvatarURL: strings.TrimSpace(req.AvatarURL),
	}
	if err := upd.Validate(); err != nil {
		return reject(protocol.ReasonBadRequest, "%v", err)
	}

	st := s.store.NonTx()
	if err := st.UpdateUserProfile(ctx, ident.UserID, upd); err != nil {
		return upstream(err)
	}
	user, err := st.GetUserByID(ctx, ident.UserID)
	if err != nil {
		return upstream(err)
	}
	if user == nil {
		return reject(protocol.ReasonNotFound, "user not found")
	}
	workspaces, err := st.ListWorkspacesForUser(ctx, ident.UserID)
	if err != nil {
		return upstream(err)
	}

	s.router.SendTo(connID, protocol.EvtLoginSuccess, user)
	rooms := make([]RoomID, 0, len(workspaces))
	for _, ws := range workspaces {
		rooms = append(rooms, WorkspaceRoom(ws.ID))
	}
	s.router.BroadcastMany(rooms, protocol.EvtUserUpdated, user)
	return nil
}

// ----- Workspaces -----

func (s *Server) handleGetServers(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var userID pb.ID
	if err := decode(env, &userID); err != nil {
		return err
	}
	if err := claim(ident, userID); err != nil {
		return err
	}

	workspaces, err := s.store.NonTx().ListWorkspacesForUser(ctx, ident.UserID)
	if err != nil {
		return upstream(err)
	}
	visible := make([]model.Workspace, 0, len(workspaces))
	for _, ws := range workspaces {
		ok, err := s.rejoinWorkspace(ctx, connID, ident, ws.ID)
		if err != nil {
			return upstream(err)
		}
		if ok {
			visible = append(visible, ws)
		}
	}
	s.router.SendTo(connID, protocol.EvtServerList, visible)
	return nil
}

// rejoinWorkspace joins the connection to a workspace room from a membership
// list read earlier. Standing is re-checked under the workspace lock; a user
// removed since the list was read is skipped.
func (s *Server) rejoinWorkspace(ctx context.Context, connID string, ident Identity, workspaceID int64) (bool, error) {
	unlock := s.wsLocks.Lock(workspaceID)
	defer unlock()

	_, standing, err := s.guard.Standing(ctx, workspaceID, ident.UserID)
	if errors.Is(err, rbac.ErrWorkspaceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rbac.HasPermission(standing, rbac.ActionViewWorkspace) {
		return false, nil
	}
	s.router.Join(connID, WorkspaceRoom(workspaceID))
	return true, nil
}

func (s *Server) handleCreateServer(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var req pb.CreateServerRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := claim(ident, req.UserID); err != nil {
		return err
	}

	ws := model.Workspace{
		Name:    strings.TrimSpace(req.Name),
		IconURL: strings.TrimSpace(req.IconURL),
		OwnerID: ident.UserID,
	}
	if err := ws.Validate(); err != nil {
		return reject(protocol.ReasonBadRequest, "%v", err)
	}

	setup, err := datastore.CreateWorkspaceWithDefaults(ctx, s.store, ws)
	if err != nil {
		return upstream(err)
	}

	slog.Info("workspace created", "workspace", setup.Workspace.ID, "name", setup.Workspace.Name, "owner", ident.Username)
	s.router.Join(connID, WorkspaceRoom(setup.Workspace.ID))
	s.router.SendTo(connID, protocol.EvtServerCreated, setup.Workspace)
	return nil
}

func (s *Server) handleJoinServer(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var req pb.JoinServerRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := claim(ident, req.UserID); err != nil {
		return err
	}

	// Invite codes are workspace ids.
	wsID, err := strconv.ParseInt(strings.TrimSpace(string(req.InviteCode)), 10, 64)
	if err != nil || wsID <= 0 {
		return reject(protocol.ReasonNotFound, "invalid invite code")
	}

	unlock := s.wsLocks.Lock(wsID)
	defer unlock()

	st := s.store.NonTx()
	ws, err := st.GetWorkspace(ctx, wsID)
	if err != nil {
		return upstream(err)
	}
	if ws == nil {
		return reject(protocol.ReasonNotFound, "invalid invite code")
	}

	if s.cfg.EnforceBans {
		banned, err := st.IsUserBanned(ctx, wsID, ident.UserID)
		if err != nil {
			return upstream(err)
		}
		if banned {
			return reject(protocol.ReasonBanned, "you are banned from this server")
		}
	}

	existing, err := st.GetMembership(ctx, wsID, ident.UserID)
	if err != nil {
		return upstream(err)
	}
	if existing != nil {
		s.router.Join(connID, WorkspaceRoom(wsID))
		s.router.SendTo(connID, protocol.EvtServerJoined, ws)
		return nil
	}

	roles, err := st.ListRoles(ctx, wsID)
	if err != nil {
		return upstream(err)
	}
	roleName := model.RoleMember
	if ws.OwnerID == ident.UserID {
		roleName = model.RoleOwner
	}
	m := model.Membership{WorkspaceID: wsID, UserID: ident.UserID}
	if r := model.FindRole(roles, roleName); r != nil {
		m.RoleID = &r.ID
	}
	if err := st.AddMember(ctx, m); err != nil {
		return upstream(err)
	}

	slog.Info("member joined", "workspace", wsID, "user", ident.Username)
	s.router.Join(connID, WorkspaceRoom(wsID))
	s.router.SendTo(connID, protocol.EvtServerJoined, ws)
	s.router.Broadcast(WorkspaceRoom(wsID), protocol.EvtMemberJoined, pb.MemberEvent{ServerID: wsID, UserID: ident.UserID})
	return nil
}

func (s *Server) handleEditServer(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var req pb.EditServerRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	wsID := req.ServerID.Int64()

	unlock := s.wsLocks.Lock(wsID)
	defer unlock()

	ws, err := s.guard.Authorize(ctx, wsID, ident.UserID, rbac.ActionEditWorkspace)
	if err != nil {
		return err
	}
	updated := *ws
	updated.Name = strings.TrimSpace(req.Name)
	updated.IconURL = strings.TrimSpace(req.IconURL)
	if err := updated.Validate(); err != nil {
		return reject(protocol.ReasonBadRequest, "%v", err)
	}

	if err := s.store.NonTx().UpdateWorkspace(ctx, wsID, updated.Name, updated.IconURL); err != nil {
		return upstream(err)
	}

	s.router.Join(connID, WorkspaceRoom(wsID))
	s.router.Broadcast(WorkspaceRoom(wsID), protocol.EvtServerUpdated, updated)
	return nil
}

func (s *Server) handleDeleteServer(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var id pb.ID
	if err := decode(env, &id); err != nil {
		return err
	}
	wsID := id.Int64()

	unlock := s.wsLocks.Lock(wsID)
	defer unlock()

	if _, err := s.guard.Authorize(ctx, wsID, ident.UserID, rbac.ActionDeleteWorkspace); err != nil {
		return err
	}
	st := s.store.NonTx()
	channels, err := st.ListChannels(ctx, wsID)
	if err != nil {
		return upstream(err)
	}
	if err := st.DeleteWorkspace(ctx, wsID); err != nil {
		return upstream(err)
	}

	slog.Info("workspace deleted", "workspace", wsID, "by", ident.Username)
	room := WorkspaceRoom(wsID)
	s.router.Join(connID, room)
	for _, ch := range channels {
		if ch.Type == model.ChannelVoice {
			s.voice.RemoveChannel(ch.ID, wsID)
		}
	}
	s.router.Broadcast(room, protocol.EvtServerDeleted, wsID)
	for _, ch := range channels {
		s.router.CloseRoom(ChannelRoom(ch.ID))
	}
	s.router.CloseRoom(room)
	return nil
}

func (s *Server) handleGetMembers(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var id pb.ID
	if err := decode(env, &id); err != nil {
		return err
	}
	if _, err := s.enterWorkspace(ctx, connID, ident, id.Int64()); err != nil {
		return err
	}

	members, err := s.store.NonTx().ListMembers(ctx, id.Int64())
	if err != nil {
		return upstream(err)
	}
	if members == nil {
		members = []model.Member{}
	}
	s.router.SendTo(connID, protocol.EvtMemberList, members)
	return nil
}

// handleRemoveMember implements kick_member and, with ban set, ban_member.
func (s *Server) handleRemoveMember(ctx context.Context, connID string, ident Identity, env *protocol.Envelope, ban bool) error {
	var req pb.MemberActionRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := claim(ident, req.RequesterID); err != nil {
		return err
	}
	wsID, targetID := req.ServerID.Int64(), req.TargetID.Int64()

	action, event := rbac.ActionKickMember, protocol.EvtMemberKicked
	if ban {
		action, event = rbac.ActionBanMember, protocol.EvtMemberBanned
	}

	unlock := s.wsLocks.Lock(wsID)
	defer unlock()

	if _, err := s.guard.Authorize(ctx, wsID, ident.UserID, action); err != nil {
		return err
	}
	if targetID <= 0 {
		return reject(protocol.ReasonBadRequest, "target required")
	}
	if targetID == ident.UserID {
		return reject(protocol.ReasonBadRequest, "cannot remove yourself")
	}

	if ban {
		if err := s.banMember(ctx, wsID, targetID); err != nil {
			return err
		}
		s.metrics.BanCount.Add(1)
	} else {
		removed, err := s.store.NonTx().RemoveMember(ctx, wsID, targetID)
		if err != nil {
			return upstream(err)
		}
		if !removed {
			return reject(protocol.ReasonNotFound, "member not found")
		}
		s.metrics.KickCount.Add(1)
	}

	slog.Info("member removed", "workspace", wsID, "target", targetID, "by", ident.Username, "ban", ban)
	room := WorkspaceRoom(wsID)
	s.router.Join(connID, room)
	s.router.Broadcast(room, event, pb.MemberEvent{ServerID: wsID, UserID: targetID})

	for _, conn := range s.sessions.ConnectionsOf(targetID) {
		s.router.LeaveWorkspace(conn, wsID)
	}
	s.voice.EvictUser(wsID, targetID)
	return nil
}

// banMember records the ban and drops the membership in one transaction.
func (s *Server) banMember(ctx context.Context, wsID, targetID int64) error {
	tx, err := s.store.Tx(ctx)
	if err != nil {
		return upstream(err)
	}
	if err := tx.CreateBan(ctx, wsID, targetID); err != nil {
		_ = tx.Rollback()
		return upstream(err)
	}
	if _, err := tx.RemoveMember(ctx, wsID, targetID); err != nil {
		_ = tx.Rollback()
		return upstream(err)
	}
	if err := tx.Commit(); err != nil {
		return upstream(err)
	}
	return nil
}

// ----- Channels -----

func (s *Server) handleGetChannels(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var id pb.ID
	if err := decode(env, &id); err != nil {
		return err
	}
	if _, err := s.enterWorkspace(ctx, connID, ident, id.Int64()); err != nil {
		return err
	}

	channels, err := s.store.NonTx().ListChannels(ctx, id.Int64())
	if err != nil {
		return upstream(err)
	}
	if channels == nil {
		channels = []model.Channel{}
	}
	s.router.SendTo(connID, protocol.EvtChannelList, channels)
	return nil
}

func (s *Server) handleCreateChannel(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var req pb.CreateChannelRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	wsID := req.ServerID.Int64()
	typ, err := model.ParseChannelType(req.Type)
	if err != nil {
		return reject(protocol.ReasonBadRequest, "%v", err)
	}
	ch := &model.Channel{WorkspaceID: wsID, Name: strings.TrimSpace(req.Name), Type: typ}
	if err := ch.Validate(); err != nil {
		return reject(protocol.ReasonBadRequest, "%v", err)
	}

	unlock := s.wsLocks.Lock(wsID)
	defer unlock()

	if _, err := s.guard.Authorize(ctx, wsID, ident.UserID, rbac.ActionManageChannels); err != nil {
		return err
	}
	if err := s.store.NonTx().CreateChannel(ctx, ch); err != nil {
		return upstream(err)
	}

	slog.Debug("channel created", "workspace", wsID, "channel", ch.ID, "type", ch.Type)
	s.router.Join(connID, WorkspaceRoom(wsID))
	s.router.Broadcast(WorkspaceRoom(wsID), protocol.EvtChannelCreated, ch)
	return nil
}

func (s *Server) handleDeleteChannel(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var id pb.ID
	if err := decode(env, &id); err != nil {
		return err
	}
	ch, err := s.lookupChannel(ctx, id.Int64())
	if err != nil {
		return err
	}
	wsID := ch.WorkspaceID

	unlock := s.wsLocks.Lock(wsID)
	defer unlock()

	if _, err := s.guard.Authorize(ctx, wsID, ident.UserID, rbac.ActionManageChannels); err != nil {
		return err
	}
	// Re-read under the lock; a concurrent delete may have won.
	if ch, err = s.lookupChannel(ctx, ch.ID); err != nil {
		return err
	}
	if err := s.store.NonTx().DeleteChannel(ctx, ch.ID); err != nil {
		return upstream(err)
	}

	slog.Debug("channel deleted", "workspace", wsID, "channel", ch.ID)
	s.router.Join(connID, WorkspaceRoom(wsID))
	if ch.Type == model.ChannelVoice {
		s.voice.RemoveChannel(ch.ID, wsID)
	}
	s.router.CloseRoom(ChannelRoom(ch.ID))
	s.router.Broadcast(WorkspaceRoom(wsID), protocol.EvtChannelDeleted, ch.ID)
	return nil
}

func (s *Server) handleRenameChannel(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var req pb.RenameChannelRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	name := strings.TrimSpace(req.Name)
	if err := model.ValidateChannelName(name); err != nil {
		return reject(protocol.ReasonBadRequest, "%v", err)
	}
	ch, err := s.lookupChannel(ctx, req.ID.Int64())
	if err != nil {
		return err
	}
	wsID := ch.WorkspaceID

	unlock := s.wsLocks.Lock(wsID)
	defer unlock()

	if _, err := s.guard.Authorize(ctx, wsID, ident.UserID, rbac.ActionManageChannels); err != nil {
		return err
	}
	if err := s.store.NonTx().RenameChannel(ctx, ch.ID, name); err != nil {
		return upstream(err)
	}

	s.router.Join(connID, WorkspaceRoom(wsID))
	s.router.Broadcast(WorkspaceRoom(wsID), protocol.EvtChannelRenamed, pb.ChannelRenamedEvent{ID: ch.ID, Name: name})
	return nil
}

// ----- Chat -----

func (s *Server) handleJoinChannel(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var id pb.ID
	if err := decode(env, &id); err != nil {
		return err
	}
	ch, err := s.lookupChannel(ctx, id.Int64())
	if err != nil {
		return err
	}
	if _, err := s.guard.Authorize(ctx, ch.WorkspaceID, ident.UserID, rbac.ActionViewWorkspace); err != nil {
		return err
	}

	history, err := s.store.NonTx().ListRecentMessages(ctx, ch.ID, model.HistoryLimit)
	if err != nil {
		return upstream(err)
	}
	if history == nil {
		history = []model.MessageWithAuthor{}
	}

	// A kick or channel delete may have landed while history loaded; check
	// again and take both seats under the workspace lock.
	unlock := s.wsLocks.Lock(ch.WorkspaceID)
	defer unlock()

	if _, err := s.guard.Authorize(ctx, ch.WorkspaceID, ident.UserID, rbac.ActionViewWorkspace); err != nil {
		return err
	}
	if _, err := s.lookupChannel(ctx, ch.ID); err != nil {
		return err
	}
	s.router.Join(connID, WorkspaceRoom(ch.WorkspaceID))
	s.router.JoinChannel(connID, ch.ID, ch.WorkspaceID)
	s.router.SendTo(connID, protocol.EvtHistory, history)
	return nil
}

func (s *Server) handleSendMessage(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var req pb.SendMessageRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := claim(ident, req.UserID); err != nil {
		return err
	}
	msg := &model.Message{ChannelID: req.ChannelID.Int64(), UserID: ident.UserID, Content: req.Content}
	if err := msg.Validate(); err != nil {
		return reject(protocol.ReasonBadRequest, "%v", err)
	}
	ch, err := s.lookupChannel(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if _, err := s.guard.Authorize(ctx, ch.WorkspaceID, ident.UserID, rbac.ActionViewWorkspace); err != nil {
		return err
	}

	out, err := s.store.NonTx().CreateMessage(ctx, msg)
	if err != nil {
		return upstream(err)
	}
	s.metrics.MessagesSent.Add(1)
	// The sender always gets its message back, seated in the channel or not.
	s.router.BroadcastWith(ChannelRoom(ch.ID), connID, protocol.EvtReceiveMessage, out)
	return nil
}

// ----- Voice -----

func (s *Server) handleJoinVoice(ctx context.Context, connID string, ident Identity, env *protocol.Envelope) error {
	var req pb.JoinVoiceRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := claim(ident, req.UserID); err != nil {
		return err
	}
	ch, err := s.lookupChannel(ctx, req.ChannelID.Int64())
	if err != nil {
		return err
	}
	if ch.Type != model.ChannelVoice {
		return reject(protocol.ReasonBadRequest, "not a voice channel")
	}

	unlock := s.wsLocks.Lock(ch.WorkspaceID)
	defer unlock()

	if _, err := s.guard.Authorize(ctx, ch.WorkspaceID, ident.UserID, rbac.ActionViewWorkspace); err != nil {
		return err
	}
	s.router.Join(connID, WorkspaceRoom(ch.WorkspaceID))
	s.voice.Join(connID, ident.UserID, ch.ID, ch.WorkspaceID)
	s.metrics.VoiceJoins.Add(1)
	return nil
}

// handleLeaveVoice publishes the roster of the channel left. A connection that
// was not in voice gets an empty roster for channel 0 as its answer.
func (s *Server) handleLeaveVoice(connID string) {
	if s.voice.Leave(connID) {
		return
	}
	s.router.SendTo(connID, protocol.EvtVoiceStatusUpdate, pb.VoiceStatusEvent{Users: []pb.VoiceUser{}})
}

func (s *Server) handleSendingSignal(connID string, env *protocol.Envelope) error {
	var req pb.SendingSignalRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if req.CallerID != "" && req.CallerID != connID {
		return reject(protocol.ReasonUnauthorized, "callerID does not match connection")
	}
	s.relay.Relay(SignalOffer, connID, req.UserToSignal, req.Signal)
	return nil
}

func (s *Server) handleReturningSignal(connID string, env *protocol.Envelope) error {
	var req pb.ReturningSignalRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	s.relay.Relay(SignalAnswer, connID, req.CallerID, req.Signal)
	return nil
}
