package presence

import (
	"sync"

	"github.com/example/ride-calls/internal/models"
	"github.com/example/ride-calls/internal/protocol"
)

// Handle is a live connection that can receive outbound events.
type Handle interface {
	ID() string
	Send(ev protocol.Outbound) error
}

// Entry is what the registry knows about one online user.
type Entry struct {
	UserID string
	Role   models.Role
	Handle Handle
}

// Registry maps user ids to their current connection. Last join wins.
type Registry struct {
	mu       sync.RWMutex
	users    map[string]Entry
	byHandle map[string]map[string]struct{} // handle id -> user ids
}

func NewRegistry() *Registry {
	return &Registry{
		users:    make(map[string]Entry),
		byHandle: make(map[string]map[string]struct{}),
	}
}

// Register binds userID to h, replacing any previous handle for that user.
func (r *Registry) Register(userID string, role models.Role, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.users[userID]; ok {
		r.unlinkLocked(prev.Handle.ID(), userID)
	}
	r.users[userID] = Entry{UserID: userID, Role: role, Handle: h}
	ids, ok := r.byHandle[h.ID()]
	if !ok {
		ids = make(map[string]struct{})
		r.byHandle[h.ID()] = ids
	}
	ids[userID] = struct{}{}
}

// Unregister removes every user bound to h and returns their ids.
// Users that re-joined on another handle are left alone.
func (r *Registry) Unregister(h Handle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.byHandle[h.ID()]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(ids))
	for userID := range ids {
		if e, ok := r.users[userID]; ok && e.Handle.ID() == h.ID() {
			delete(r.users, userID)
			removed = append(removed, userID)
		}
	}
	delete(r.byHandle, h.ID())
	return removed
}

func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Online returns the number of users with a live handle.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) unlinkLocked(handleID, userID string) {
	ids, ok := r.byHandle[handleID]
	if !ok {
		return
	}
	delete(ids, userID)
	if len(ids) == 0 {
		delete(r.byHandle, handleID)
	}
}
