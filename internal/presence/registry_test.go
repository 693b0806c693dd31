package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-calls/internal/models"
	"github.com/example/ride-calls/internal/protocol"
)

type fakeHandle struct{ id string }

func (f *fakeHandle) ID() string                   { return f.id }
func (f *fakeHandle) Send(protocol.Outbound) error { return nil }

func TestRegisterLookup(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{id: "h1"}

	assert.False(t, r.IsOnline("u1"))
	r.Register("u1", models.RoleDriver, h)
	r.Register("u1", models.RoleDriver, h)

	got, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, "h1", got.ID())
	assert.Equal(t, 1, r.Online())
}

func TestLastJoinWins(t *testing.T) {
	r := NewRegistry()
	old := &fakeHandle{id: "old"}
	cur := &fakeHandle{id: "new"}

	r.Register("u1", models.RoleCustomer, old)
	r.Register("u1", models.RoleCustomer, cur)

	got, _ := r.Lookup("u1")
	assert.Equal(t, "new", got.ID())

	// the stale connection closing must not evict the fresh one
	assert.Empty(t, r.Unregister(old))
	assert.True(t, r.IsOnline("u1"))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{id: "h1"}
	r.Register("u1", models.RoleCustomer, h)
	r.Register("u2", models.RoleDriver, h)

	removed := r.Unregister(h)
	assert.ElementsMatch(t, []string{"u1", "u2"}, removed)
	assert.Empty(t, r.Unregister(h))
	assert.Equal(t, 0, r.Online())
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := &fakeHandle{id: fmt.Sprintf("h%d", i)}
			user := fmt.Sprintf("u%d", i%10)
			r.Register(user, models.RoleDriver, h)
			r.IsOnline(user)
			if i%2 == 0 {
				r.Unregister(h)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Online(), 10)
}
