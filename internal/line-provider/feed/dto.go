package feed

import "github.com/radieske/bet-line-platform/pkg/contracts/events"

// Kinds of catalog changes pushed to websocket clients.
const (
	KindCreated = "created"
	KindSettled = "settled"
	KindDeleted = "deleted"
)

// AllEvents subscribes a client to every event id.
const AllEvents = "*"

// Change is one catalog change as sent on the Redis channel and to clients.
type Change struct {
	Kind    string        `json:"kind"`
	EventID int64         `json:"event_id"`
	Event   *events.Event `json:"event,omitempty"`
}

// ClientMsg is what a websocket client sends.
// Type: subscribe | unsubscribe | ping. EventID is a decimal id or "*".
type ClientMsg struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

// ServerMsg acknowledges client commands.
type ServerMsg struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}
