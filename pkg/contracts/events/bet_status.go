package events

import "fmt"

// BetStatus of a bet-maker bet. Changes only through outcome notifications,
// in bulk per event_id.
type BetStatus string

const (
	BetNotPlayed BetStatus = "NOT_PLAYED"
	BetWon       BetStatus = "WON"
	BetLost      BetStatus = "LOST"
)

func (s BetStatus) Valid() bool {
	return s == BetNotPlayed || s == BetWon || s == BetLost
}

// BetStatusForOutcome maps a terminal event state to the status its bets take.
func BetStatusForOutcome(s EventState) (BetStatus, error) {
	switch s {
	case StateFinishedWin:
		return BetWon, nil
	case StateFinishedLose:
		return BetLost, nil
	default:
		return "", fmt.Errorf("no bet status for event state %s", s)
	}
}
