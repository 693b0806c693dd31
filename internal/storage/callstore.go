package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-calls/internal/models"
)

var (
	ErrNotFound       = errors.New("call not found")
	ErrAlreadyExists  = errors.New("call already exists")
	ErrStatusConflict = errors.New("call status changed concurrently")
)

// CallStore defines persistence operations for calls.
//
// Save is a compare-and-set: the write applies only if the stored status still
// equals expected, otherwise ErrStatusConflict is returned and nothing changes.
type CallStore interface {
	Create(ctx context.Context, c *models.Call) error
	Find(ctx context.Context, id string) (*models.Call, error)
	Save(ctx context.Context, c *models.Call, expected models.CallStatus) error
	ListByOrder(ctx context.Context, orderID string) ([]*models.Call, error)
	// ListByUser returns newest first; an empty role matches either side of the
	// call and a non-positive limit returns every match.
	ListByUser(ctx context.Context, userID string, role models.Role, limit int) ([]*models.Call, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string]*models.Call
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]*models.Call)}
}

func (m *MemoryStore) Create(_ context.Context, c *models.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[c.ID]; ok {
		return ErrAlreadyExists
	}
	m.calls[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) Find(_ context.Context, id string) (*models.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, c *models.Call, expected models.CallStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.calls[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	next := c.Clone()
	next.UpdatedAt = time.Now()
	m.calls[c.ID] = next
	return nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*models.Call, error) {
	m.mu.RLock()
	out := make([]*models.Call, 0)
	for _, c := range m.calls {
		if c.OrderID == orderID {
			out = append(out, c.Clone())
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, role models.Role, limit int) ([]*models.Call, error) {
	m.mu.RLock()
	out := make([]*models.Call, 0)
	for _, c := range m.calls {
		if (c.CallerID == userID && (role == "" || c.CallerRole == role)) ||
			(c.ReceiverID == userID && (role == "" || c.ReceiverRole == role)) {
			out = append(out, c.Clone())
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(calls []*models.Call) {
	sort.Slice(calls, func(i, j int) bool { return calls[i].CreatedAt.After(calls[j].CreatedAt) })
}
