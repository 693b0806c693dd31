// Package calls owns the call lifecycle. Every change to a call's status goes
// through Machine, which re-reads the stored record, checks the transition
// table against that exact status and writes back with a compare-and-set.
package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-calls/internal/apperr"
	"github.com/example/ride-calls/internal/ingest"
	"github.com/example/ride-calls/internal/models"
	"github.com/example/ride-calls/internal/notify"
	"github.com/example/ride-calls/internal/observability"
	"github.com/example/ride-calls/internal/protocol"
	"github.com/example/ride-calls/internal/relay"
	"github.com/example/ride-calls/internal/storage"
)

// saveAttempts bounds re-reads after a concurrent status change.
const saveAttempts = 3

// Deliverer reaches online users; implemented by relay.Relay.
type Deliverer interface {
	IsOnline(userID string) bool
	Forward(userID string, ev protocol.Outbound) error
}

// Fallback queues an out-of-band notification; implemented by notify.Async.
type Fallback interface {
	Dispatch(userID string, n notify.Notification) bool
}

// Result is the outcome of a transition attempt.
type Result struct {
	Call    *models.Call
	Applied bool
}

// LifecycleEvent is published after every applied transition.
type LifecycleEvent struct {
	CallID  string            `json:"callId"`
	OrderID string            `json:"orderId"`
	Event   Event             `json:"event"`
	From    models.CallStatus `json:"from"`
	To      models.CallStatus `json:"to"`
	At      time.Time         `json:"at"`
}

type Machine struct {
	store    storage.CallStore
	relay    Deliverer
	fallback Fallback
	events   ingest.Publisher
	locks    *keyedMutex
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger
}

type Option func(*Machine)

// WithEvents publishes lifecycle events for every applied transition.
func WithEvents(p ingest.Publisher) Option { return func(m *Machine) { m.events = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithIDs overrides call id generation.
func WithIDs(newID func() string) Option { return func(m *Machine) { m.newID = newID } }

func NewMachine(store storage.CallStore, deliverer Deliverer, fallback Fallback, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		relay:    deliverer,
		fallback: fallback,
		locks:    newKeyedMutex(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		logger:   logger.With(zap.String("component", "call_machine")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// InitiateRequest describes a new call attempt.
type InitiateRequest struct {
	OrderID  string
	Caller   models.Participant
	Receiver models.Participant
	CallType models.CallType
}

func (r InitiateRequest) validate() error {
	switch {
	case r.OrderID == "":
		return apperr.MissingField("orderId")
	case r.Caller.UserID == "":
		return apperr.MissingField("callerId")
	case r.Receiver.UserID == "":
		return apperr.MissingField("receiverId")
	case !r.Caller.Role.Valid():
		return apperr.Validation("invalid callerRole")
	case !r.Receiver.Role.Valid():
		return apperr.Validation("invalid receiverRole")
	case r.Caller.UserID == r.Receiver.UserID:
		return apperr.Validation("caller and receiver must differ")
	case r.CallType != "" && !r.CallType.Valid():
		return apperr.Validation("invalid callType")
	}
	return nil
}

// Initiate creates the call record and then, as a separate step, either rings
// the online receiver or hands a push notification to the fallback queue.
// The returned status is the acknowledgement owed to the caller.
func (m *Machine) Initiate(ctx context.Context, req InitiateRequest) (*models.Call, protocol.InitiatedStatus, error) {
	if err := req.validate(); err != nil {
		return nil, "", err
	}
	if req.CallType == "" {
		req.CallType = models.CallTypeAudio
	}
	now := m.now()
	call := &models.Call{
		ID:           m.newID(),
		OrderID:      req.OrderID,
		CallerID:     req.Caller.UserID,
		CallerRole:   req.Caller.Role,
		ReceiverID:   req.Receiver.UserID,
		ReceiverRole: req.Receiver.Role,
		CallType:     req.CallType,
		Status:       models.StatusInitiated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, call); err != nil {
		return nil, "", apperr.Storage(err)
	}
	log := m.logger.With(zap.String("call_id", call.ID), zap.String("order_id", call.OrderID))
	log.Info("call initiated", zap.String("caller_id", call.CallerID), zap.String("receiver_id", call.ReceiverID))

	if !m.relay.IsOnline(call.ReceiverID) {
		observability.CallsInitiated.WithLabelValues("offline").Inc()
		m.fallback.Dispatch(call.ReceiverID, incomingNotification(call))
		log.Info("receiver offline, push notification queued")
		return call, protocol.InitiatedOfflineNotified, nil
	}

	// the call id is unknown to anyone until incoming is delivered, so holding
	// its lock across delivery and the ring edge keeps the receiver's replies
	// queued behind the ring
	unlock := m.locks.Lock(call.ID)
	incoming := protocol.Incoming{
		CallID:     call.ID,
		OrderID:    call.OrderID,
		CallerID:   call.CallerID,
		CallerRole: call.CallerRole,
		CallerName: call.CallerRole.DisplayName(),
		CallType:   call.CallType,
	}
	if err := m.relay.Forward(call.ReceiverID, incoming); err != nil {
		unlock()
		if errors.Is(err, relay.ErrOffline) {
			// the receiver left between the presence check and delivery
			observability.CallsInitiated.WithLabelValues("offline").Inc()
			m.fallback.Dispatch(call.ReceiverID, incomingNotification(call))
			log.Info("receiver went offline before delivery, push notification queued")
			return call, protocol.InitiatedOfflineNotified, nil
		}
		log.Warn("could not deliver incoming call", zap.Error(err))
		failed, ferr := m.Fail(ctx, call.ID)
		if ferr != nil {
			log.Error("marking call failed", zap.Error(ferr))
			failed.Call = call
		}
		return failed.Call, "", apperr.Delivery("receiver unreachable", err)
	}
	observability.CallsInitiated.WithLabelValues("online").Inc()
	res, err := m.applyLocked(ctx, call.ID, EventRing, nil)
	unlock()
	if err != nil {
		return call, "", err
	}
	if !res.Applied && res.Call.Status != models.StatusRinging {
		return res.Call, "", apperr.InvalidTransition(string(res.Call.Status), string(EventRing))
	}
	return res.Call, protocol.InitiatedRinging, nil
}

// Ring moves an initiated call to ringing once its receiver is reachable.
func (m *Machine) Ring(ctx context.Context, callID string) (Result, error) {
	return m.apply(ctx, callID, EventRing, nil)
}

// Answer marks pickup and stamps the start time.
func (m *Machine) Answer(ctx context.Context, callID string) (Result, error) {
	return m.apply(ctx, callID, EventAnswer, func(c *models.Call, now time.Time) {
		t := now
		c.StartTime = &t
	})
}

func (m *Machine) Reject(ctx context.Context, callID string) (Result, error) {
	return m.apply(ctx, callID, EventReject, func(c *models.Call, now time.Time) {
		c.Finish(now, nil)
	})
}

// End closes an answered call. An explicit duration is stored verbatim,
// otherwise it is derived from the start and end times.
func (m *Machine) End(ctx context.Context, callID string, duration *int, quality *models.Quality) (Result, error) {
	return m.apply(ctx, callID, EventEnd, func(c *models.Call, now time.Time) {
		c.Finish(now, duration)
		if quality != nil {
			q := *quality
			c.Quality = &q
		}
	})
}

func (m *Machine) MarkMissed(ctx context.Context, callID string) (Result, error) {
	return m.apply(ctx, callID, EventMissed, func(c *models.Call, now time.Time) {
		c.Finish(now, nil)
	})
}

// Fail records a transport failure on any non-terminal call.
func (m *Machine) Fail(ctx context.Context, callID string) (Result, error) {
	return m.apply(ctx, callID, EventFail, func(c *models.Call, now time.Time) {
		c.Finish(now, nil)
	})
}

// ScheduleMissed applies the missed-timeout edge after d unless the call has
// moved on by then, in which case the attempt is a no-op.
func (m *Machine) ScheduleMissed(callID string, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := m.MarkMissed(ctx, callID)
		if err != nil {
			m.logger.Warn("ring timeout failed", zap.String("call_id", callID), zap.Error(err))
			return
		}
		if res.Applied {
			m.logger.Info("call missed after ring timeout", zap.String("call_id", callID))
		}
	})
}

// Get returns the stored call.
func (m *Machine) Get(ctx context.Context, callID string) (*models.Call, error) {
	c, err := m.store.Find(ctx, callID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("call")
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return c, nil
}

func (m *Machine) apply(ctx context.Context, callID string, ev Event, mutate func(*models.Call, time.Time)) (Result, error) {
	if callID == "" {
		return Result{}, apperr.MissingField("callId")
	}
	unlock := m.locks.Lock(callID)
	defer unlock()
	return m.applyLocked(ctx, callID, ev, mutate)
}

// applyLocked runs one guarded transition; the caller holds callID's lock.
func (m *Machine) applyLocked(ctx context.Context, callID string, ev Event, mutate func(*models.Call, time.Time)) (Result, error) {
	var cur *models.Call
	for attempt := 0; attempt < saveAttempts; attempt++ {
		var err error
		cur, err = m.Get(ctx, callID)
		if err != nil {
			return Result{}, err
		}
		to, ok := Next(cur.Status, ev)
		if !ok {
			observability.CallTransitionsIgnored.WithLabelValues(string(ev), string(cur.Status)).Inc()
			m.logger.Debug("transition ignored",
				zap.String("call_id", callID), zap.String("event", string(ev)), zap.String("status", string(cur.Status)))
			return Result{Call: cur}, nil
		}
		next := cur.Clone()
		next.Status = to
		if mutate != nil {
			mutate(next, m.now())
		}
		err = m.store.Save(ctx, next, cur.Status)
		if errors.Is(err, storage.ErrStatusConflict) {
			continue
		}
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, apperr.NotFound("call")
		}
		if err != nil {
			return Result{}, apperr.Storage(fmt.Errorf("%s %s: %w", ev, callID, err))
		}
		observability.CallTransitions.WithLabelValues(string(cur.Status), string(to)).Inc()
		m.logger.Info("call transition",
			zap.String("call_id", callID), zap.String("from", string(cur.Status)), zap.String("to", string(to)))
		m.publish(LifecycleEvent{CallID: callID, OrderID: next.OrderID, Event: ev, From: cur.Status, To: to, At: m.now()})
		return Result{Call: next, Applied: true}, nil
	}
	// lost the race on every attempt; whoever won owns the status
	return Result{Call: cur}, nil
}

func (m *Machine) publish(ev LifecycleEvent) {
	if m.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.events.Publish(ctx, ev.CallID, ev); err != nil {
			m.logger.Warn("publish call event failed", zap.String("call_id", ev.CallID), zap.Error(err))
		}
	}()
}

func incomingNotification(c *models.Call) notify.Notification {
	return notify.Notification{
		Title: "Incoming Call",
		Body:  fmt.Sprintf("%s is calling you", c.CallerRole.DisplayName()),
		Data: map[string]string{
			"type":       "incoming_call",
			"callId":     c.ID,
			"orderId":    c.OrderID,
			"callerId":   c.CallerID,
			"callerType": string(c.CallerRole),
		},
	}
}
