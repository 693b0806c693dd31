package protocol

import (
	"encoding/json"

	"github.com/example/ride-calls/internal/models"
)

// Outbound is implemented only by the server-to-client event types below.
type Outbound interface {
	EventName() string
	outbound()
}

type Incoming struct {
	CallID     string          `json:"callId"`
	OrderID    string          `json:"orderId"`
	CallerID   string          `json:"callerId"`
	CallerRole models.Role     `json:"callerRole"`
	CallerName string          `json:"callerName"`
	CallType   models.CallType `json:"callType"`
}

// Initiated acknowledges call:initiate to the caller.
type Initiated struct {
	CallID string          `json:"callId"`
	Status InitiatedStatus `json:"status"`
}

type InitiatedStatus string

const (
	InitiatedRinging         InitiatedStatus = "ringing"
	InitiatedOfflineNotified InitiatedStatus = "offline_notification_sent"
)

type RelayedOffer struct {
	CallID  string          `json:"callId"`
	OrderID string          `json:"orderId"`
	Offer   json.RawMessage `json:"offer"`
}

type RelayedAnswer struct {
	CallID  string          `json:"callId"`
	OrderID string          `json:"orderId"`
	Answer  json.RawMessage `json:"answer"`
}

type RelayedCandidate struct {
	CallID    string          `json:"callId"`
	OrderID   string          `json:"orderId"`
	Candidate json.RawMessage `json:"candidate"`
}

type Rejected struct {
	CallID  string `json:"callId"`
	OrderID string `json:"orderId"`
}

type Ended struct {
	CallID   string `json:"callId"`
	OrderID  string `json:"orderId"`
	Duration *int   `json:"duration,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

func (Incoming) EventName() string         { return EventIncoming }
func (Initiated) EventName() string        { return EventInitiated }
func (RelayedOffer) EventName() string     { return EventOffer }
func (RelayedAnswer) EventName() string    { return EventAnswer }
func (RelayedCandidate) EventName() string { return EventICECandidate }
func (Rejected) EventName() string         { return EventRejected }
func (Ended) EventName() string            { return EventEnded }
func (Error) EventName() string            { return EventError }

func (Incoming) outbound()         {}
func (Initiated) outbound()        {}
func (RelayedOffer) outbound()     {}
func (RelayedAnswer) outbound()    {}
func (RelayedCandidate) outbound() {}
func (Rejected) outbound()         {}
func (Ended) outbound()            {}
func (Error) outbound()            {}

// Encode wraps ev in a Frame and marshals it.
func Encode(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: ev.EventName(), Data: data})
}
