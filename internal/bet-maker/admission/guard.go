package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

// Lookup resolves an event id against the cached catalog.
type Lookup interface {
	Lookup(ctx context.Context, id int64) (events.Event, error)
}

// Guard decides whether a bet may be placed on an event.
type Guard struct {
	Events Lookup
	Log    *zap.Logger
	Now    func() time.Time

	OnDecision func(outcome string) // metrics: admitted | not_found | expired | error
}

func NewGuard(l Lookup, log *zap.Logger) *Guard {
	return &Guard{Events: l, Log: log, Now: time.Now}
}

// Admit returns the event when it exists and its deadline is still ahead.
// A deadline equal to now is already closed.
func (g *Guard) Admit(ctx context.Context, eventID int64) (events.Event, error) {
	ev, err := g.Events.Lookup(ctx, eventID)
	if err != nil {
		g.record(outcomeOf(err))
		return events.Event{}, err
	}

	now := g.Now().Unix()
	if !ev.Open(now) {
		g.record("expired")
		g.Log.Debug("bet rejected, deadline passed",
			zap.Int64("event_id", eventID), zap.Int64("deadline", ev.Deadline), zap.Int64("now", now))
		return events.Event{}, fmt.Errorf("event %d closed at %d: %w", eventID, ev.Deadline, apperr.ErrDeadlineExpired)
	}
	g.record("admitted")
	return ev, nil
}

func (g *Guard) record(outcome string) {
	if g.OnDecision != nil {
		g.OnDecision(outcome)
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, apperr.ErrNotFound) {
		return "not_found"
	}
	return "error"
}
