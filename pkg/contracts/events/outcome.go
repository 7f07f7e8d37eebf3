package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedOutcome is returned by DecodeOutcome for any unusable body.
var ErrMalformedOutcome = errors.New("malformed outcome notification")

// OutcomeNotification is published on event_status_updates when an event
// leaves NEW. Body: {"event_id": <int>, "state": <int>}, state in {2,3}.
type OutcomeNotification struct {
	EventID int64      `json:"event_id"`
	State   EventState `json:"state"`
}

// Encode returns the exact wire body.
func (n OutcomeNotification) Encode() ([]byte, error) {
	if n.EventID <= 0 || !n.State.IsTerminal() {
		return nil, fmt.Errorf("%w: event_id=%d state=%d", ErrMalformedOutcome, n.EventID, int(n.State))
	}
	return json.Marshal(n)
}

type rawOutcome struct {
	EventID *int64 `json:"event_id"`
	State   *int   `json:"state"`
}

// DecodeOutcome parses a queue body. Missing fields, non-integer values and
// states other than FINISHED_WIN/FINISHED_LOSE are rejected.
func DecodeOutcome(body []byte) (OutcomeNotification, error) {
	var raw rawOutcome
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return OutcomeNotification{}, fmt.Errorf("%w: %v", ErrMalformedOutcome, err)
	}
	if raw.EventID == nil || raw.State == nil {
		return OutcomeNotification{}, fmt.Errorf("%w: event_id and state are required", ErrMalformedOutcome)
	}
	if *raw.EventID <= 0 {
		return OutcomeNotification{}, fmt.Errorf("%w: event_id must be positive, got %d", ErrMalformedOutcome, *raw.EventID)
	}
	st := EventState(*raw.State)
	if !st.IsTerminal() {
		return OutcomeNotification{}, fmt.Errorf("%w: unexpected state %d", ErrMalformedOutcome, *raw.State)
	}
	return OutcomeNotification{EventID: *raw.EventID, State: st}, nil
}
