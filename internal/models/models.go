package models

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

func (r Role) Valid() bool { return r == RoleCustomer || r == RoleDriver }

// DisplayName is the label shown to the other party ("Customer" / "Driver").
func (r Role) DisplayName() string {
	if r == RoleCustomer {
		return "Customer"
	}
	return "Driver"
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool { return t == CallTypeAudio || t == CallTypeVideo }

type CallStatus string

const (
	StatusInitiated CallStatus = "initiated"
	StatusRinging   CallStatus = "ringing"
	StatusAnswered  CallStatus = "answered"
	StatusEnded     CallStatus = "ended"
	StatusMissed    CallStatus = "missed"
	StatusRejected  CallStatus = "rejected"
	StatusFailed    CallStatus = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusRejected, StatusFailed:
		return true
	}
	return false
}

type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

func (q Quality) Valid() bool {
	switch q {
	case QualityExcellent, QualityGood, QualityFair, QualityPoor:
		return true
	}
	return false
}

// Participant identifies one side of a call.
type Participant struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Call is the durable audit record of a single call attempt.
type Call struct {
	ID              string     `json:"id"`
	OrderID         string     `json:"orderId"`
	CallerID        string     `json:"callerId"`
	CallerRole      Role       `json:"callerRole"`
	ReceiverID      string     `json:"receiverId"`
	ReceiverRole    Role       `json:"receiverRole"`
	CallType        CallType   `json:"callType"`
	Status          CallStatus `json:"status"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`
	Quality         *Quality   `json:"quality,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	if c.StartTime != nil {
		t := *c.StartTime
		out.StartTime = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	if c.Quality != nil {
		q := *c.Quality
		out.Quality = &q
	}
	return &out
}

// Finish stamps the end time and settles the duration. An explicit duration is
// kept verbatim; otherwise it is derived from start and end when both exist.
func (c *Call) Finish(now time.Time, explicit *int) {
	end := now
	c.EndTime = &end
	if explicit != nil {
		c.DurationSeconds = *explicit
		return
	}
	if c.StartTime != nil {
		d := int(end.Sub(*c.StartTime) / time.Second)
		if d < 0 {
			d = 0
		}
		c.DurationSeconds = d
	}
}
