package calls

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ride-calls/internal/apperr"
	"github.com/example/ride-calls/internal/models"
	"github.com/example/ride-calls/internal/notify"
	"github.com/example/ride-calls/internal/protocol"
	"github.com/example/ride-calls/internal/relay"
	"github.com/example/ride-calls/internal/storage"
)

// MockFallback is a mock implementation of Fallback
type MockFallback struct {
	mock.Mock
}

func (m *MockFallback) Dispatch(userID string, n notify.Notification) bool {
	args := m.Called(userID, n)
	return args.Bool(0)
}

type fakeDeliverer struct {
	mu      sync.Mutex
	online  map[string]bool
	sendErr error
	sent    map[string][]protocol.Outbound
}

func newDeliverer(online ...string) *fakeDeliverer {
	d := &fakeDeliverer{online: map[string]bool{}, sent: map[string][]protocol.Outbound{}}
	for _, u := range online {
		d.online[u] = true
	}
	return d
}

func (d *fakeDeliverer) IsOnline(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online[userID]
}

func (d *fakeDeliverer) Forward(userID string, ev protocol.Outbound) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent[userID] = append(d.sent[userID], ev)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type capturePublisher struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (p *capturePublisher) Publish(_ context.Context, _ string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, v.(LifecycleEvent))
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	store    *storage.MemoryStore
	relay    *fakeDeliverer
	fallback *MockFallback
	clock    *fakeClock
	machine  *Machine
}

func newFixture(t *testing.T, online ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		relay:    newDeliverer(online...),
		fallback: new(MockFallback),
		clock:    &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	var seq int64
	f.machine = NewMachine(f.store, f.relay, f.fallback, zap.NewNop(),
		WithClock(f.clock.Now),
		WithIDs(func() string { return fmt.Sprintf("call-%d", atomic.AddInt64(&seq, 1)) }))
	return f
}

func request(orderID, caller, receiver string) InitiateRequest {
	return InitiateRequest{
		OrderID:  orderID,
		Caller:   models.Participant{UserID: caller, Role: models.RoleCustomer},
		Receiver: models.Participant{UserID: receiver, Role: models.RoleDriver},
	}
}

func (f *fixture) ringing(t *testing.T) *models.Call {
	t.Helper()
	call, status, err := f.machine.Initiate(context.Background(), request("O1", "A", "B"))
	require.NoError(t, err)
	require.Equal(t, protocol.InitiatedRinging, status)
	return call
}

func TestInitiateOnlineReceiverRings(t *testing.T) {
	f := newFixture(t, "B")
	ctx := context.Background()

	call := f.ringing(t)
	assert.Equal(t, models.StatusRinging, call.Status)
	assert.Equal(t, models.CallTypeAudio, call.CallType)

	require.Len(t, f.relay.sent["B"], 1)
	incoming, ok := f.relay.sent["B"][0].(protocol.Incoming)
	require.True(t, ok)
	assert.Equal(t, call.ID, incoming.CallID)
	assert.Equal(t, "Customer", incoming.CallerName)
	f.fallback.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)

	stored, err := f.machine.Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRinging, stored.Status)
}

func TestAnswerThenEndWithExplicitDuration(t *testing.T) {
	f := newFixture(t, "B")
	ctx := context.Background()
	call := f.ringing(t)

	f.clock.Advance(2 * time.Second)
	res, err := f.machine.Answer(ctx, call.ID)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, models.StatusAnswered, res.Call.Status)
	require.NotNil(t, res.Call.StartTime)
	assert.Equal(t, f.clock.Now(), *res.Call.StartTime)

	f.clock.Advance(10 * time.Second)
	duration := 42
	quality := models.QualityGood
	res, err = f.machine.End(ctx, call.ID, &duration, &quality)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, models.StatusEnded, res.Call.Status)
	assert.Equal(t, 42, res.Call.DurationSeconds)
	assert.Equal(t, models.QualityGood, *res.Call.Quality)
	require.NotNil(t, res.Call.EndTime)
}

func TestEndWithoutDurationDerivesFromTimes(t *testing.T) {
	f := newFixture(t, "B")
	ctx := context.Background()
	call := f.ringing(t)

	_, err := f.machine.Answer(ctx, call.ID)
	require.NoError(t, err)
	f.clock.Advance(95*time.Second + 400*time.Millisecond)

	res, err := f.machine.End(ctx, call.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 95, res.Call.DurationSeconds)
	assert.Nil(t, res.Call.Quality)
}

func TestInitiateOfflineReceiverFallsBack(t *testing.T) {
	f := newFixture(t)
	f.fallback.On("Dispatch", "B", mock.MatchedBy(func(n notify.Notification) bool {
		return n.Title == "Incoming Call" &&
			n.Body == "Customer is calling you" &&
			n.Data["type"] == "incoming_call" &&
			n.Data["callerType"] == "customer"
	})).Return(true).Once()

	call, status, err := f.machine.Initiate(context.Background(), request("O1", "A", "B"))
	require.NoError(t, err)
	assert.Equal(t, protocol.InitiatedOfflineNotified, status)
	assert.Equal(t, models.StatusInitiated, call.Status)
	assert.Empty(t, f.relay.sent["B"])
	f.fallback.AssertExpectations(t)

	stored, _ := f.machine.Get(context.Background(), call.ID)
	assert.Equal(t, models.StatusInitiated, stored.Status)
}

func TestInitiateDeliveryFailureMarksFailed(t *testing.T) {
	f := newFixture(t, "B")
	f.relay.sendErr = errors.New("broken pipe")

	call, _, err := f.machine.Initiate(context.Background(), request("O1", "A", "B"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDelivery, apperr.CodeOf(err))
	require.NotNil(t, call)
	assert.Equal(t, models.StatusFailed, call.Status)
	assert.NotNil(t, call.EndTime)
}

func TestInitiateReceiverGoneBeforeDeliveryFallsBack(t *testing.T) {
	f := newFixture(t, "B")
	f.relay.sendErr = relay.ErrOffline
	f.fallback.On("Dispatch", "B", mock.Anything).Return(true).Once()

	call, status, err := f.machine.Initiate(context.Background(), request("O1", "A", "B"))
	require.NoError(t, err)
	assert.Equal(t, protocol.InitiatedOfflineNotified, status)
	f.fallback.AssertExpectations(t)

	stored, err := f.machine.Get(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitiated, stored.Status)
	assert.Nil(t, stored.EndTime)
	assert.Zero(t, f.machine.locks.len())
}

func TestInitiateReportsErrorWhenRingLosesRace(t *testing.T) {
	store := &racingStore{MemoryStore: storage.NewMemoryStore()}
	m := NewMachine(store, newDeliverer("B"), new(MockFallback), zap.NewNop())

	call, status, err := m.Initiate(context.Background(), request("O1", "A", "B"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))
	assert.Empty(t, status)
	require.NotNil(t, call)
	assert.Equal(t, models.StatusMissed, call.Status)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]InitiateRequest{
		"no order":  request("", "A", "B"),
		"no caller": request("O1", "", "B"),
		"same user": request("O1", "A", "A"),
		"bad role": {
			OrderID:  "O1",
			Caller:   models.Participant{UserID: "A", Role: "admin"},
			Receiver: models.Participant{UserID: "B", Role: models.RoleDriver},
		},
	}
	for name, req := range cases {
		_, _, err := f.machine.Initiate(context.Background(), req)
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err), name)
	}
	calls, _ := f.store.ListByOrder(context.Background(), "O1")
	assert.Empty(t, calls)
}

func TestOutOfOrderEventsAreNoOps(t *testing.T) {
	ctx := context.Background()

	t.Run("answer before ringing", func(t *testing.T) {
		f := newFixture(t)
		f.fallback.On("Dispatch", mock.Anything, mock.Anything).Return(true)
		call, _, err := f.machine.Initiate(ctx, request("O1", "A", "B"))
		require.NoError(t, err)

		res, err := f.machine.Answer(ctx, call.ID)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, models.StatusInitiated, res.Call.Status)
	})

	t.Run("late answer after reject", func(t *testing.T) {
		f := newFixture(t, "B")
		call := f.ringing(t)
		_, err := f.machine.Reject(ctx, call.ID)
		require.NoError(t, err)

		res, err := f.machine.Answer(ctx, call.ID)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, models.StatusRejected, res.Call.Status)
		assert.Nil(t, res.Call.StartTime)
	})

	t.Run("reject after ended", func(t *testing.T) {
		f := newFixture(t, "B")
		call := f.ringing(t)
		_, _ = f.machine.Answer(ctx, call.ID)
		d := 7
		_, _ = f.machine.End(ctx, call.ID, &d, nil)

		for _, attempt := range []func(context.Context, string) (Result, error){
			f.machine.Reject, f.machine.MarkMissed, f.machine.Fail, f.machine.Answer,
		} {
			res, err := attempt(ctx, call.ID)
			require.NoError(t, err)
			assert.False(t, res.Applied)
		}
		res, _ := f.machine.End(ctx, call.ID, nil, nil)
		assert.False(t, res.Applied)
		assert.Equal(t, 7, res.Call.DurationSeconds)
	})

	t.Run("end while ringing", func(t *testing.T) {
		f := newFixture(t, "B")
		call := f.ringing(t)
		res, err := f.machine.End(ctx, call.ID, nil, nil)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, models.StatusRinging, res.Call.Status)
	})
}

func TestMissedFromInitiatedAndRinging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "B")
	call := f.ringing(t)
	res, err := f.machine.MarkMissed(ctx, call.ID)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.StatusMissed, res.Call.Status)
	assert.Equal(t, 0, res.Call.DurationSeconds)

	g := newFixture(t)
	g.fallback.On("Dispatch", mock.Anything, mock.Anything).Return(true)
	offline, _, err := g.machine.Initiate(ctx, request("O1", "A", "B"))
	require.NoError(t, err)
	res, err = g.machine.MarkMissed(ctx, offline.ID)
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestUnknownCallIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Answer(context.Background(), "nope")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = f.machine.Reject(context.Background(), "")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestConcurrentRejectAndAnswerApplyOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, "B")
		call := f.ringing(t)

		var wg sync.WaitGroup
		var applied int32
		start := make(chan struct{})
		for _, op := range []func(context.Context, string) (Result, error){f.machine.Reject, f.machine.Answer} {
			wg.Add(1)
			go func(op func(context.Context, string) (Result, error)) {
				defer wg.Done()
				<-start
				res, err := op(context.Background(), call.ID)
				assert.NoError(t, err)
				if res.Applied {
					atomic.AddInt32(&applied, 1)
				}
			}(op)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), applied)
		stored, _ := f.machine.Get(context.Background(), call.ID)
		assert.Contains(t, []models.CallStatus{models.StatusRejected, models.StatusAnswered}, stored.Status)
		assert.Equal(t, 0, f.machine.locks.len())
	}
}

// racingStore moves the call to missed behind the machine's back on the first save.
type racingStore struct {
	*storage.MemoryStore
	once sync.Once
}

func (r *racingStore) Save(ctx context.Context, c *models.Call, expected models.CallStatus) error {
	r.once.Do(func() {
		cur, _ := r.MemoryStore.Find(ctx, c.ID)
		cur.Status = models.StatusMissed
		_ = r.MemoryStore.Save(ctx, cur, expected)
	})
	return r.MemoryStore.Save(ctx, c, expected)
}

func TestStatusConflictRereadsGuard(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: storage.NewMemoryStore()}
	m := NewMachine(store, newDeliverer(), new(MockFallback), zap.NewNop())
	now := time.Now()
	require.NoError(t, store.Create(ctx, &models.Call{ID: "c1", OrderID: "O1", Status: models.StatusRinging, CreatedAt: now}))

	res, err := m.Answer(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.StatusMissed, res.Call.Status)
}

func TestRandomEventSequencesFollowTable(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	events := []Event{EventRing, EventAnswer, EventReject, EventMissed, EventEnd, EventFail}

	for run := 0; run < 200; run++ {
		f := newFixture(t)
		f.fallback.On("Dispatch", mock.Anything, mock.Anything).Return(true)
		call, _, err := f.machine.Initiate(ctx, request("O1", "A", "B"))
		require.NoError(t, err)

		status := call.Status
		for step := 0; step < 8; step++ {
			ev := events[rng.Intn(len(events))]
			res, err := f.machine.apply(ctx, call.ID, ev, nil)
			require.NoError(t, err)

			want, ok := Next(status, ev)
			if ok {
				assert.True(t, res.Applied)
				assert.Equal(t, want, res.Call.Status)
			} else {
				assert.False(t, res.Applied)
				assert.Equal(t, status, res.Call.Status)
			}
			if status.Terminal() {
				assert.Equal(t, status, res.Call.Status, "terminal status changed")
			}
			status = res.Call.Status
		}
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	pub := &capturePublisher{}
	m := NewMachine(storage.NewMemoryStore(), newDeliverer("B"), new(MockFallback), zap.NewNop(), WithEvents(pub))

	call, _, err := m.Initiate(context.Background(), request("O1", "A", "B"))
	require.NoError(t, err)
	_, err = m.Answer(context.Background(), call.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduleMissed(t *testing.T) {
	f := newFixture(t, "B")
	call := f.ringing(t)

	f.machine.ScheduleMissed(call.ID, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		c, _ := f.machine.Get(context.Background(), call.ID)
		return c.Status == models.StatusMissed
	}, time.Second, 5*time.Millisecond)

	answered := f.ringing(t)
	_, err := f.machine.Answer(context.Background(), answered.ID)
	require.NoError(t, err)
	timer := f.machine.ScheduleMissed(answered.ID, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	timer.Stop()
	c, _ := f.machine.Get(context.Background(), answered.ID)
	assert.Equal(t, models.StatusAnswered, c.Status)
}
