package events

import "fmt"

// EventState is the lifecycle state of a line-provider event.
// Serialized as an integer: NEW=1, FINISHED_WIN=2, FINISHED_LOSE=3.
type EventState int

const (
	StateNew          EventState = 1
	StateFinishedWin  EventState = 2
	StateFinishedLose EventState = 3
)

// MinDeadlineEpoch is the lower bound every event deadline must exceed.
const MinDeadlineEpoch int64 = 1737074285

func (s EventState) Valid() bool {
	return s == StateNew || s == StateFinishedWin || s == StateFinishedLose
}

// IsTerminal reports whether the event is settled.
func (s EventState) IsTerminal() bool {
	return s == StateFinishedWin || s == StateFinishedLose
}

func (s EventState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateFinishedWin:
		return "FINISHED_WIN"
	case StateFinishedLose:
		return "FINISHED_LOSE"
	default:
		return fmt.Sprintf("EventState(%d)", int(s))
	}
}

// CanTransition implements NEW -> FINISHED_WIN | FINISHED_LOSE, once.
func CanTransition(from, to EventState) bool {
	return from == StateNew && to.IsTerminal()
}

// Event is the snapshot served by the line-provider GET /events endpoint
// and mirrored by the bet-maker cache.
type Event struct {
	EventID     int64      `json:"event_id"`
	Coefficient float64    `json:"coefficient"`
	Deadline    int64      `json:"deadline"`
	State       EventState `json:"state"`
	CreateDate  int64      `json:"create_date"`
	UpdateDate  int64      `json:"update_date"`
}

// Open reports whether bets are still accepted at the given Unix second.
func (e Event) Open(nowUnix int64) bool {
	return e.Deadline > nowUnix
}
