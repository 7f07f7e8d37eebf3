package repo

import "github.com/radieske/bet-line-platform/pkg/contracts/events"

// Bet is the row persisted in the bets table.
type Bet struct {
	ID         int64            `json:"id"`
	UserID     int64            `json:"user_id"`
	EventID    int64            `json:"event_id"`
	BetAmount  float64          `json:"bet_amount"`
	Status     events.BetStatus `json:"status"`
	CreateDate int64            `json:"create_date"`
	UpdateDate int64            `json:"update_date"`
}

// NewBet is the insert payload. Status always starts as NOT_PLAYED.
type NewBet struct {
	UserID    int64
	EventID   int64
	BetAmount float64
}
