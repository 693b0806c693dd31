package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-calls/internal/models"
	"github.com/example/ride-calls/internal/protocol"
)

type fakeHandle struct{ id string }

func (f *fakeHandle) ID() string                   { return f.id }
func (f *fakeHandle) Send(protocol.Outbound) error { return nil }

func TestJoinAndParticipants(t *testing.T) {
	r := NewRegistry()
	r.Join("o1", models.RoleCustomer, "c1", &fakeHandle{id: "hc"})
	r.Join("o1", models.RoleDriver, "d1", &fakeHandle{id: "hd"})

	p := r.ParticipantsOf("o1")
	require.NotNil(t, p.Customer)
	require.NotNil(t, p.Driver)
	assert.Equal(t, "c1", p.Customer.UserID)
	assert.Equal(t, "hd", p.Driver.Handle.ID())
	assert.True(t, r.ParticipantsOf("unknown").Empty())
}

func TestJoinOverwritesStaleSlot(t *testing.T) {
	r := NewRegistry()
	r.Join("o1", models.RoleDriver, "d1", &fakeHandle{id: "h1"})
	r.Join("o1", models.RoleDriver, "d2", &fakeHandle{id: "h2"})

	p := r.ParticipantsOf("o1")
	assert.Equal(t, "d2", p.Driver.UserID)
	assert.Nil(t, p.Customer)
}

func TestLeaveDeletesEmptySession(t *testing.T) {
	r := NewRegistry()
	r.Join("o1", models.RoleCustomer, "c1", &fakeHandle{id: "hc"})
	r.Join("o1", models.RoleDriver, "d1", &fakeHandle{id: "hd"})

	r.Leave("o1", models.RoleCustomer)
	assert.Equal(t, 1, r.Len())
	r.Leave("o1", models.RoleDriver)
	assert.Equal(t, 0, r.Len())
	assert.True(t, r.ParticipantsOf("o1").Empty())

	// leaving an unknown session is a no-op
	r.Leave("o1", models.RoleDriver)
	assert.Equal(t, 0, r.Len())
}

func TestDropHandleSweepsAllSessions(t *testing.T) {
	r := NewRegistry()
	shared := &fakeHandle{id: "hd"}
	r.Join("o1", models.RoleDriver, "d1", shared)
	r.Join("o2", models.RoleDriver, "d1", shared)
	r.Join("o2", models.RoleCustomer, "c2", &fakeHandle{id: "hc"})

	assert.Equal(t, 1, r.DropHandle(shared))
	assert.Equal(t, 1, r.Len())
	p := r.ParticipantsOf("o2")
	assert.Nil(t, p.Driver)
	assert.Equal(t, "c2", p.Customer.UserID)

	// second sweep has the same effect as the first
	assert.Equal(t, 0, r.DropHandle(shared))
	assert.Equal(t, 1, r.Len())
}
