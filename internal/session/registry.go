package session

import (
	"sync"

	"github.com/example/ride-calls/internal/models"
	"github.com/example/ride-calls/internal/presence"
)

// Slot is one role's occupant in a session.
type Slot struct {
	UserID string
	Handle presence.Handle
}

// Participants is a snapshot of a session's slots.
type Participants struct {
	Customer *Slot
	Driver   *Slot
}

func (p Participants) Empty() bool { return p.Customer == nil && p.Driver == nil }

type session struct {
	customer *Slot
	driver   *Slot
}

func (s *session) slot(role models.Role) **Slot {
	if role == models.RoleCustomer {
		return &s.customer
	}
	return &s.driver
}

func (s *session) empty() bool { return s.customer == nil && s.driver == nil }

// Registry tracks which handles are attached to each order.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// Join places the user in the role slot of orderID, replacing a stale occupant.
func (r *Registry) Join(orderID string, role models.Role, userID string, h presence.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[orderID]
	if !ok {
		s = &session{}
		r.sessions[orderID] = s
	}
	*s.slot(role) = &Slot{UserID: userID, Handle: h}
}

// Leave clears the role slot and deletes the session once both slots are empty.
func (r *Registry) Leave(orderID string, role models.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[orderID]
	if !ok {
		return
	}
	*s.slot(role) = nil
	if s.empty() {
		delete(r.sessions, orderID)
	}
}

func (r *Registry) ParticipantsOf(orderID string) Participants {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[orderID]
	if !ok {
		return Participants{}
	}
	return Participants{Customer: copySlot(s.customer), Driver: copySlot(s.driver)}
}

// DropHandle clears every slot bound to h across all sessions and returns the
// number of sessions that were deleted as a result.
func (r *Registry) DropHandle(h presence.Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for orderID, s := range r.sessions {
		if s.customer != nil && s.customer.Handle.ID() == h.ID() {
			s.customer = nil
		}
		if s.driver != nil && s.driver.Handle.ID() == h.ID() {
			s.driver = nil
		}
		if s.empty() {
			delete(r.sessions, orderID)
			deleted++
		}
	}
	return deleted
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func copySlot(s *Slot) *Slot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
