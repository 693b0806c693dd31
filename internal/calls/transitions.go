package calls

import "github.com/example/ride-calls/internal/models"

// Event is a lifecycle trigger applied to an existing call.
type Event string

const (
	EventRing   Event = "ring"
	EventAnswer Event = "answer"
	EventReject Event = "reject"
	EventMissed Event = "missed"
	EventEnd    Event = "end"
	EventFail   Event = "fail"
)

type edge struct {
	from  models.CallStatus
	event Event
}

// transitions is the complete set of permitted edges. Anything absent is a no-op.
var transitions = map[edge]models.CallStatus{
	{models.StatusInitiated, EventRing}:   models.StatusRinging,
	{models.StatusRinging, EventAnswer}:   models.StatusAnswered,
	{models.StatusRinging, EventReject}:   models.StatusRejected,
	{models.StatusRinging, EventMissed}:   models.StatusMissed,
	{models.StatusInitiated, EventMissed}: models.StatusMissed,
	{models.StatusAnswered, EventEnd}:     models.StatusEnded,
	{models.StatusInitiated, EventFail}:   models.StatusFailed,
	{models.StatusRinging, EventFail}:     models.StatusFailed,
	{models.StatusAnswered, EventFail}:    models.StatusFailed,
}

// Next returns the status reached by applying ev in status from.
func Next(from models.CallStatus, ev Event) (models.CallStatus, bool) {
	to, ok := transitions[edge{from, ev}]
	return to, ok
}
