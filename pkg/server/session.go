package server

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownConnection = errors.New("server: unknown connection")
	ErrAlreadyBound      = errors.New("server: connection bound to another user")
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   int64
	Username string
}

type sessionEntry struct {
	identity Identity
	bound    bool
}

// SessionRegistry tracks live connections and the user each one is bound to.
// Entries live exactly as long as the transport session.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry // connection id -> entry

	hooksMu   sync.RWMutex
	onDestroy []func(connID string)
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*sessionEntry),
	}
}

// OnDestroy registers a cleanup hook run once for every destroyed connection,
// in registration order.
func (r *SessionRegistry) OnDestroy(fn func(connID string)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onDestroy = append(r.onDestroy, fn)
}

// Register creates an unbound entry and returns its connection id.
func (r *SessionRegistry) Register() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	for r.sessions[id] != nil {
		id = uuid.NewString()
	}
	r.sessions[id] = &sessionEntry{}
	return id
}

// Bind attaches an authenticated user to the connection. Binding the same
// user again is a no-op; binding a different user fails with ErrAlreadyBound.
func (r *SessionRegistry) Bind(connID string, userID int64, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if s.bound {
		if s.identity.UserID != userID {
			return ErrAlreadyBound
		}
		return nil
	}
	s.identity = Identity{UserID: userID, Username: username}
	s.bound = true
	return nil
}

// IdentityOf returns the user id bound to the connection.
func (r *SessionRegistry) IdentityOf(connID string) (int64, bool) {
	id, ok := r.Identity(connID)
	return id.UserID, ok
}

// Identity returns the full identity bound to the connection.
func (r *SessionRegistry) Identity(connID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	if !ok || !s.bound {
		return Identity{}, false
	}
	return s.identity, true
}

// Registered reports whether the connection is live, bound or not.
func (r *SessionRegistry) Registered(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[connID]
	return ok
}

// ConnectionsOf returns every live connection bound to userID.
func (r *SessionRegistry) ConnectionsOf(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []string
	for id, s := range r.sessions {
		if s.bound && s.identity.UserID == userID {
			result = append(result, id)
		}
	}
	return result
}

// Count returns the number of live connections.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Destroy removes the connection and runs the cleanup hooks. Only the first
// call for a given id runs them; later calls return false.
func (r *SessionRegistry) Destroy(connID string) bool {
	r.mu.Lock()
	_, ok := r.sessions[connID]
	delete(r.sessions, connID)
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.hooksMu.RLock()
	hooks := append([]func(string){}, r.onDestroy...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(connID)
	}
	return true
}
