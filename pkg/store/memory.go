// Package store provides an in-memory implementation of the datastore
// interfaces for tests and for running the server without a database.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/huddle/pkg/datastore"
	"github.com/NicolasHaas/huddle/pkg/model"
)

// ErrForeignKey mirrors the SQL foreign key failure.
var ErrForeignKey = errors.New("constraint failed: FOREIGN KEY constraint failed")

type memberKey struct {
	workspaceID int64
	userID      int64
}

type memoryState struct {
	nextUserID      int64
	nextWorkspaceID int64
	nextRoleID      int64
	nextChannelID   int64
	nextMessageID   int64

	users       map[int64]model.User
	workspaces  map[int64]model.Workspace
	roles       map[int64]model.Role
	channels    map[int64]model.Channel
	memberships map[memberKey]model.Membership
	bans        map[memberKey]model.Ban
	messages    []model.Message
}

func newMemoryState() memoryState {
	return memoryState{
		nextUserID:      1,
		nextWorkspaceID: 1,
		nextRoleID:      1,
		nextChannelID:   1,
		nextMessageID:   1,
		users:           make(map[int64]model.User),
		workspaces:      make(map[int64]model.Workspace),
		roles:           make(map[int64]model.Role),
		channels:        make(map[int64]model.Channel),
		memberships:     make(map[memberKey]model.Membership),
		bans:            make(map[memberKey]model.Ban),
	}
}

// undoLog holds the inverse of every write made inside one transaction, in
// write order.
type undoLog []func(st *memoryState)

type memoryCore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	now func() time.Time
	st  memoryState
}

// MemoryStore provides an in-memory DataStore implementation for tests and
// the -memory server mode. It mirrors the SQL store for validation, ordering
// and cascade behavior.
//
// Transactions are serialized against each other. Each one journals the
// inverse of its own writes, so a rollback undoes exactly those writes and
// leaves concurrent non-transactional writes in place. Ids handed out inside
// a rolled back transaction are not reused.
type MemoryStore struct {
	*memoryCore
	journal *undoLog // nil outside a transaction
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{memoryCore: &memoryCore{
		now: now,
		st:  newMemoryState(),
	}}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) NonTx() datastore.DataStore {
	return s
}

func (s *MemoryStore) Tx(ctx context.Context) (datastore.DataStoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &memoryTx{MemoryStore: &MemoryStore{memoryCore: s.memoryCore, journal: &undoLog{}}}, nil
}

// recordLocked journals undo when s is a transaction. Callers hold mu.
func (s *MemoryStore) recordLocked(undo func(st *memoryState)) {
	if s.journal != nil {
		*s.journal = append(*s.journal, undo)
	}
}

type memoryTx struct {
	*MemoryStore
	done bool
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errors.New("store: transaction already finished")
	}
	t.done = true
	t.journal = nil
	t.txMu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.mu.Lock()
	log := *t.journal
	for i := len(log) - 1; i >= 0; i-- {
		log[i](&t.st)
	}
	t.mu.Unlock()
	t.journal = nil
	t.txMu.Unlock()
	return nil
}

// ---- Users ----

func (s *MemoryStore) CreateUserIfMissing(_ context.Context, username string) (bool, error) {
	if err := model.ValidateUsername(username); err != nil {
		return false, fmt.Errorf("store: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.st.users {
		if u.Username == username {
			return false, nil
		}
	}
	u := model.NewUser(username)
	u.ID = s.st.nextUserID
	u.CreatedAt = s.now().Truncate(time.Millisecond)
	s.st.nextUserID++
	s.st.users[u.ID] = *u
	id := u.ID
	s.recordLocked(func(st *memoryState) { delete(st.users, id) })
	return true, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.st.users {
		if u.Username == username {
			out := u
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.st.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.st.users))
	for _, u := range s.st.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStore) UpdateUserProfile(_ context.Context, userID int64, upd model.ProfileUpdate) error {
	if err := upd.Validate(); err != nil {
		return fmt.Errorf("store: update profile: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[userID]
	if !ok {
		return nil
	}
	prev := u
	upd.Apply(&u)
	s.st.users[userID] = u
	s.recordLocked(func(st *memoryState) { st.users[userID] = prev })
	return nil
}

// ---- Workspaces ----

func (s *MemoryStore) GetWorkspace(_ context.Context, id int64) (*model.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.st.workspaces[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *MemoryStore) ListWorkspaces(_ context.Context) ([]model.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Workspace, 0, len(s.st.workspaces))
	for _, w := range s.st.workspaces {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListWorkspacesForUser(_ context.Context, userID int64) ([]model.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Workspace
	for key := range s.st.memberships {
		if key.userID != userID {
			continue
		}
		if w, ok := s.st.workspaces[key.workspaceID]; ok {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateWorkspace(_ context.Context, ws *model.Workspace) error {
	if err := ws.Validate(); err != nil {
		return fmt.Errorf("store: create workspace: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.users[ws.OwnerID]; !ok {
		return fmt.Errorf("store: create workspace: %w", ErrForeignKey)
	}
	ws.ID = s.st.nextWorkspaceID
	ws.CreatedAt = s.now().Truncate(time.Millisecond)
	s.st.nextWorkspaceID++
	s.st.workspaces[ws.ID] = *ws
	id := ws.ID
	s.recordLocked(func(st *memoryState) { delete(st.workspaces, id) })
	return nil
}

func (s *MemoryStore) UpdateWorkspace(_ context.Context, id int64, name, iconURL string) error {
	candidate := model.Workspace{Name: name}
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("store: update workspace: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.st.workspaces[id]
	if !ok {
		return nil
	}
	prev := w
	w.Name = name
	w.IconURL = iconURL
	s.st.workspaces[id] = w
	s.recordLocked(func(st *memoryState) { st.workspaces[id] = prev })
	return nil
}

// DeleteWorkspace removes the workspace and everything that cascades from it.
func (s *MemoryStore) DeleteWorkspace(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.st.workspaces[id]
	if !ok {
		return nil
	}
	delete(s.st.workspaces, id)
	var roles []model.Role
	for rid, r := range s.st.roles {
		if r.WorkspaceID == id {
			roles = append(roles, r)
			delete(s.st.roles, rid)
		}
	}
	for cid, ch := range s.st.channels {
		if ch.WorkspaceID == id {
			s.deleteChannelLocked(cid)
		}
	}
	var members []model.Membership
	for key, m := range s.st.memberships {
		if key.workspaceID == id {
			members = append(members, m)
			delete(s.st.memberships, key)
		}
	}
	var bans []model.Ban
	for key, b := range s.st.bans {
		if key.workspaceID == id {
			bans = append(bans, b)
			delete(s.st.bans, key)
		}
	}
	// Recorded after the channel cascade, so a rollback restores the
	// workspace before its channels.
	s.recordLocked(func(st *memoryState) {
		st.workspaces[id] = ws
		for _, r := range roles {
			st.roles[r.ID] = r
		}
		for _, m := range members {
			st.memberships[memberKey{m.WorkspaceID, m.UserID}] = m
		}
		for _, b := range bans {
			st.bans[memberKey{b.WorkspaceID, b.UserID}] = b
		}
	})
	return nil
}

// ---- Roles ----

func (s *MemoryStore) ListRoles(_ context.Context, workspaceID int64) ([]model.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roles []model.Role
	for _, r := range s.st.roles {
		if r.WorkspaceID == workspaceID {
			roles = append(roles, r)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

func (s *MemoryStore) CreateRole(_ context.Context, role *model.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("store: create role: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.workspaces[role.WorkspaceID]; !ok {
		return fmt.Errorf("store: create role: %w", ErrForeignKey)
	}
	role.ID = s.st.nextRoleID
	s.st.nextRoleID++
	s.st.roles[role.ID] = *role
	id := role.ID
	s.recordLocked(func(st *memoryState) { delete(st.roles, id) })
	return nil
}

// ---- Memberships ----

func (s *MemoryStore) GetMembership(_ context.Context, workspaceID, userID int64) (*model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.st.memberships[memberKey{workspaceID, userID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, workspaceID int64) ([]model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var members []model.Member
	for key, m := range s.st.memberships {
		if key.workspaceID != workspaceID {
			continue
		}
		u := s.st.users[key.userID]
		member := model.Member{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL, Status: u.Status}
		if m.RoleID != nil {
			if r, ok := s.st.roles[*m.RoleID]; ok {
				id, name, color := r.ID, r.Name, r.Color
				member.RoleID, member.RoleName, member.RoleColor = &id, &name, &color
			}
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if (a.RoleID == nil) != (b.RoleID == nil) {
			return b.RoleID == nil
		}
		if a.RoleID != nil && *a.RoleID != *b.RoleID {
			return *a.RoleID < *b.RoleID
		}
		return a.Username < b.Username
	})
	return members, nil
}

func (s *MemoryStore) ListMembershipsWithoutRole(_ context.Context, workspaceID int64) ([]model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Membership
	for key, m := range s.st.memberships {
		if key.workspaceID == workspaceID && m.RoleID == nil {
			out = append(out, model.Membership{WorkspaceID: m.WorkspaceID, UserID: m.UserID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) AddMember(_ context.Context, m model.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.workspaces[m.WorkspaceID]; !ok {
		return fmt.Errorf("store: add member: %w", ErrForeignKey)
	}
	if _, ok := s.st.users[m.UserID]; !ok {
		return fmt.Errorf("store: add member: %w", ErrForeignKey)
	}
	key := memberKey{m.WorkspaceID, m.UserID}
	if _, exists := s.st.memberships[key]; exists {
		return nil
	}
	if m.RoleID != nil {
		id := *m.RoleID
		m.RoleID = &id
	}
	s.st.memberships[key] = m
	s.recordLocked(func(st *memoryState) { delete(st.memberships, key) })
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, workspaceID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{workspaceID, userID}
	m, ok := s.st.memberships[key]
	if !ok {
		return false, nil
	}
	delete(s.st.memberships, key)
	s.recordLocked(func(st *memoryState) { st.memberships[key] = m })
	return true, nil
}

func (s *MemoryStore) SetMemberRole(_ context.Context, workspaceID, userID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{workspaceID, userID}
	m, ok := s.st.memberships[key]
	if !ok {
		return nil
	}
	if _, ok := s.st.roles[roleID]; !ok {
		return fmt.Errorf("store: set member role: %w", ErrForeignKey)
	}
	prev := m
	id := roleID
	m.RoleID = &id
	s.st.memberships[key] = m
	s.recordLocked(func(st *memoryState) { st.memberships[key] = prev })
	return nil
}

// ---- Channels ----

func (s *MemoryStore) GetChannel(_ context.Context, id int64) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.st.channels[id]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

func (s *MemoryStore) ListChannels(_ context.Context, workspaceID int64) ([]model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Channel
	for _, ch := range s.st.channels {
		if ch.WorkspaceID == workspaceID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateChannel(_ context.Context, ch *model.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("store: create channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.workspaces[ch.WorkspaceID]; !ok {
		return fmt.Errorf("store: create channel: %w", ErrForeignKey)
	}
	ch.ID = s.st.nextChannelID
	ch.CreatedAt = s.now().Truncate(time.Millisecond)
	s.st.nextChannelID++
	s.st.channels[ch.ID] = *ch
	id := ch.ID
	s.recordLocked(func(st *memoryState) { delete(st.channels, id) })
	return nil
}

func (s *MemoryStore) RenameChannel(_ context.Context, id int64, name string) error {
	if err := model.ValidateChannelName(name); err != nil {
		return fmt.Errorf("store: rename channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.st.channels[id]
	if !ok {
		return nil
	}
	prev := ch
	ch.Name = name
	s.st.channels[id] = ch
	s.recordLocked(func(st *memoryState) { st.channels[id] = prev })
	return nil
}

func (s *MemoryStore) DeleteChannel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteChannelLocked(id)
	return nil
}

func (s *MemoryStore) deleteChannelLocked(id int64) {
	ch, ok := s.st.channels[id]
	if !ok {
		return
	}
	delete(s.st.channels, id)
	var removed []model.Message
	kept := make([]model.Message, 0, len(s.st.messages))
	for _, m := range s.st.messages {
		if m.ChannelID == id {
			removed = append(removed, m)
		} else {
			kept = append(kept, m)
		}
	}
	s.st.messages = kept
	s.recordLocked(func(st *memoryState) {
		st.channels[id] = ch
		st.messages = append(st.messages, removed...)
		sort.Slice(st.messages, func(i, j int) bool { return st.messages[i].ID < st.messages[j].ID })
	})
}

// ---- Bans ----

func (s *MemoryStore) IsUserBanned(_ context.Context, workspaceID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.st.bans[memberKey{workspaceID, userID}]
	return ok, nil
}

func (s *MemoryStore) ListBans(_ context.Context, workspaceID int64) ([]model.Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bans []model.Ban
	for key, b := range s.st.bans {
		if key.workspaceID == workspaceID {
			bans = append(bans, b)
		}
	}
	sort.Slice(bans, func(i, j int) bool { return bans[i].UserID < bans[j].UserID })
	return bans, nil
}

func (s *MemoryStore) CreateBan(_ context.Context, workspaceID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.workspaces[workspaceID]; !ok {
		return fmt.Errorf("store: create ban: %w", ErrForeignKey)
	}
	key := memberKey{workspaceID, userID}
	if _, exists := s.st.bans[key]; exists {
		return nil
	}
	s.st.bans[key] = model.Ban{WorkspaceID: workspaceID, UserID: userID, CreatedAt: s.now().Truncate(time.Millisecond)}
	s.recordLocked(func(st *memoryState) { delete(st.bans, key) })
	return nil
}

// ---- Messages ----

func (s *MemoryStore) withAuthorLocked(m model.Message) model.MessageWithAuthor {
	u := s.st.users[m.UserID]
	return model.MessageWithAuthor{Message: m, Username: u.Username, Color: u.Color, AvatarURL: u.AvatarURL}
}

func (s *MemoryStore) CreateMessage(_ context.Context, message *model.Message) (*model.MessageWithAuthor, error) {
	if err := message.Validate(); err != nil {
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.channels[message.ChannelID]; !ok {
		return nil, fmt.Errorf("store: create message: %w", ErrForeignKey)
	}
	if _, ok := s.st.users[message.UserID]; !ok {
		return nil, fmt.Errorf("store: create message: %w", ErrForeignKey)
	}
	message.ID = s.st.nextMessageID
	message.CreatedAt = s.now().Truncate(time.Millisecond)
	s.st.nextMessageID++
	s.st.messages = append(s.st.messages, *message)
	id := message.ID
	s.recordLocked(func(st *memoryState) {
		for i, m := range st.messages {
			if m.ID == id {
				st.messages = append(st.messages[:i], st.messages[i+1:]...)
				return
			}
		}
	})
	out := s.withAuthorLocked(*message)
	return &out, nil
}

func (s *MemoryStore) ListRecentMessages(_ context.Context, channelID int64, limit int) ([]model.MessageWithAuthor, error) {
	if limit <= 0 {
		limit = model.HistoryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []model.Message
	for _, m := range s.st.messages {
		if m.ChannelID == channelID {
			matched = append(matched, m)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]model.MessageWithAuthor, 0, len(matched))
	for _, m := range matched {
		out = append(out, s.withAuthorLocked(m))
	}
	return out, nil
}

// Compile-time check: *MemoryStore implements the datastore interfaces.
var (
	_ datastore.DataProviderFactory = (*MemoryStore)(nil)
	_ datastore.DataStore           = (*MemoryStore)(nil)
)
