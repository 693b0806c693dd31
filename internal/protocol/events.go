// Package protocol defines the websocket wire format. Inbound and outbound
// events are closed sets: every event name maps to exactly one Go type.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/example/ride-calls/internal/apperr"
	"github.com/example/ride-calls/internal/models"
)

const (
	EventJoin         = "join"
	EventUserJoin     = "user:join"
	EventOrderJoin    = "order:join"
	EventOrderLeave   = "order:leave"
	EventInitiate     = "call:initiate"
	EventOffer        = "call:offer"
	EventAnswer       = "call:answer"
	EventICECandidate = "call:ice-candidate"
	EventReject       = "call:reject"
	EventEnd          = "call:end"
	EventMissed       = "call:missed"

	EventIncoming  = "call:incoming"
	EventInitiated = "call:initiated"
	EventRejected  = "call:rejected"
	EventEnded     = "call:ended"
	EventError     = "call:error"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented only by the event types in this file.
type Inbound interface {
	EventName() string
	Validate() error
	inbound()
}

type Join struct {
	UserID string      `json:"userId"`
	Role   models.Role `json:"role"`
}

type OrderJoin struct {
	OrderID string      `json:"orderId"`
	UserID  string      `json:"userId"`
	Role    models.Role `json:"role"`
}

type OrderLeave struct {
	OrderID string      `json:"orderId"`
	UserID  string      `json:"userId"`
	Role    models.Role `json:"role"`
}

type Initiate struct {
	OrderID      string          `json:"orderId"`
	CallerID     string          `json:"callerId"`
	CallerRole   models.Role     `json:"callerRole"`
	ReceiverID   string          `json:"receiverId"`
	ReceiverRole models.Role     `json:"receiverRole"`
	CallType     models.CallType `json:"callType,omitempty"`
}

type Offer struct {
	CallID     string          `json:"callId"`
	OrderID    string          `json:"orderId"`
	ReceiverID string          `json:"receiverId"`
	Offer      json.RawMessage `json:"offer"`
}

type Answer struct {
	CallID   string          `json:"callId"`
	OrderID  string          `json:"orderId"`
	CallerID string          `json:"callerId"`
	Answer   json.RawMessage `json:"answer"`
}

type ICECandidate struct {
	CallID       string          `json:"callId"`
	OrderID      string          `json:"orderId"`
	TargetUserID string          `json:"targetUserId"`
	Candidate    json.RawMessage `json:"candidate"`
}

type Reject struct {
	CallID   string `json:"callId"`
	OrderID  string `json:"orderId"`
	CallerID string `json:"callerId"`
}

type End struct {
	CallID      string          `json:"callId"`
	OrderID     string          `json:"orderId"`
	OtherUserID string          `json:"otherUserId"`
	Duration    *int            `json:"duration,omitempty"`
	Quality     *models.Quality `json:"quality,omitempty"`
}

type Missed struct {
	CallID  string `json:"callId"`
	OrderID string `json:"orderId"`
}

func (Join) EventName() string         { return EventJoin }
func (OrderJoin) EventName() string    { return EventOrderJoin }
func (OrderLeave) EventName() string   { return EventOrderLeave }
func (Initiate) EventName() string     { return EventInitiate }
func (Offer) EventName() string        { return EventOffer }
func (Answer) EventName() string       { return EventAnswer }
func (ICECandidate) EventName() string { return EventICECandidate }
func (Reject) EventName() string       { return EventReject }
func (End) EventName() string          { return EventEnd }
func (Missed) EventName() string       { return EventMissed }

func (Join) inbound()         {}
func (OrderJoin) inbound()    {}
func (OrderLeave) inbound()   {}
func (Initiate) inbound()     {}
func (Offer) inbound()        {}
func (Answer) inbound()       {}
func (ICECandidate) inbound() {}
func (Reject) inbound()       {}
func (End) inbound()          {}
func (Missed) inbound()       {}

func (e Join) Validate() error {
	return firstErr(requireField("userId", e.UserID), validRole("role", e.Role))
}

func (e OrderJoin) Validate() error {
	return firstErr(requireField("orderId", e.OrderID), requireField("userId", e.UserID), validRole("role", e.Role))
}

func (e OrderLeave) Validate() error {
	return firstErr(requireField("orderId", e.OrderID), requireField("userId", e.UserID), validRole("role", e.Role))
}

func (e Initiate) Validate() error {
	if err := firstErr(
		requireField("orderId", e.OrderID),
		requireField("callerId", e.CallerID),
		validRole("callerRole", e.CallerRole),
		requireField("receiverId", e.ReceiverID),
		validRole("receiverRole", e.ReceiverRole),
	); err != nil {
		return err
	}
	if e.CallerID == e.ReceiverID {
		return apperr.Validation("caller and receiver must differ")
	}
	if e.CallType != "" && !e.CallType.Valid() {
		return apperr.Validation(fmt.Sprintf("invalid callType: %s", e.CallType))
	}
	return nil
}

func (e Offer) Validate() error {
	return firstErr(requireField("callId", e.CallID), requireField("orderId", e.OrderID),
		requireField("receiverId", e.ReceiverID), requireRawField("offer", e.Offer))
}

func (e Answer) Validate() error {
	return firstErr(requireField("callId", e.CallID), requireField("orderId", e.OrderID),
		requireField("callerId", e.CallerID), requireRawField("answer", e.Answer))
}

func (e ICECandidate) Validate() error {
	return firstErr(requireField("callId", e.CallID), requireField("orderId", e.OrderID),
		requireField("targetUserId", e.TargetUserID), requireRawField("candidate", e.Candidate))
}

func (e Reject) Validate() error {
	return firstErr(requireField("callId", e.CallID), requireField("orderId", e.OrderID), requireField("callerId", e.CallerID))
}

func (e End) Validate() error {
	if err := firstErr(requireField("callId", e.CallID), requireField("orderId", e.OrderID), requireField("otherUserId", e.OtherUserID)); err != nil {
		return err
	}
	if e.Duration != nil && *e.Duration < 0 {
		return apperr.Validation("duration must not be negative")
	}
	if e.Quality != nil && !e.Quality.Valid() {
		return apperr.Validation(fmt.Sprintf("invalid quality: %s", *e.Quality))
	}
	return nil
}

func (e Missed) Validate() error {
	return firstErr(requireField("callId", e.CallID), requireField("orderId", e.OrderID))
}

// DecodeInbound parses one websocket frame into its typed event and validates it.
func DecodeInbound(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "malformed frame", err)
	}
	switch f.Event {
	case EventJoin, EventUserJoin:
		return decode[Join](f.Data)
	case EventOrderJoin:
		return decode[OrderJoin](f.Data)
	case EventOrderLeave:
		return decode[OrderLeave](f.Data)
	case EventInitiate:
		return decode[Initiate](f.Data)
	case EventOffer:
		return decode[Offer](f.Data)
	case EventAnswer:
		return decode[Answer](f.Data)
	case EventICECandidate:
		return decode[ICECandidate](f.Data)
	case EventReject:
		return decode[Reject](f.Data)
	case EventEnd:
		return decode[End](f.Data)
	case EventMissed:
		return decode[Missed](f.Data)
	case "":
		return nil, apperr.MissingField("event")
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown event: %s", f.Event))
	}
}

func decode[T Inbound](data json.RawMessage) (Inbound, error) {
	var ev T
	if len(data) == 0 || string(data) == "null" {
		return nil, apperr.MissingField("data")
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "malformed payload", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func requireField(field, v string) error {
	if v == "" {
		return apperr.MissingField(field)
	}
	return nil
}

func requireRawField(field string, v json.RawMessage) error {
	if len(v) == 0 || string(v) == "null" {
		return apperr.MissingField(field)
	}
	return nil
}

func validRole(field string, r models.Role) error {
	if r == "" {
		return apperr.MissingField(field)
	}
	if !r.Valid() {
		return apperr.Validation(fmt.Sprintf("invalid %s: %s", field, r))
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
