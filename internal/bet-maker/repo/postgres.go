package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

const (
	fkViolation = "23503"
	fkUserID    = "fk_user_id"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id          SERIAL PRIMARY KEY,
	name        VARCHAR(100) NOT NULL DEFAULT '',
	email       VARCHAR(256) UNIQUE,
	username    VARCHAR(256) UNIQUE,
	password    VARCHAR(256) NOT NULL DEFAULT '',
	create_date BIGINT NOT NULL DEFAULT extract(epoch from now())::bigint,
	update_date BIGINT NOT NULL DEFAULT extract(epoch from now())::bigint
);
CREATE TABLE IF NOT EXISTS bets (
	id          SERIAL PRIMARY KEY,
	bet_amount  DOUBLE PRECISION NOT NULL CHECK (bet_amount > 0),
	event_id    INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'NOT_PLAYED',
	user_id     INTEGER NOT NULL,
	create_date BIGINT NOT NULL,
	update_date BIGINT NOT NULL,
	CONSTRAINT fk_user_id FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS ix_bets_user_id ON bets(user_id);
CREATE INDEX IF NOT EXISTS ix_bets_event_id ON bets(event_id);
`

const betColumns = `id, user_id, event_id, bet_amount, status, create_date, update_date`

// Postgres is the bet ledger.
type Postgres struct {
	db  *sql.DB
	Now func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db, Now: time.Now} }

// EnsureSchema creates the tables when they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", apperr.ErrStorageUnavailable, err)
	}
	return nil
}

// Create inserts a NOT_PLAYED bet. An unknown user is ErrNotFound.
func (p *Postgres) Create(ctx context.Context, in NewBet) (Bet, error) {
	now := p.Now().Unix()
	b := Bet{
		UserID:     in.UserID,
		EventID:    in.EventID,
		BetAmount:  in.BetAmount,
		Status:     events.BetNotPlayed,
		CreateDate: now,
		UpdateDate: now,
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO bets (user_id, event_id, bet_amount, status, create_date, update_date)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		b.UserID, b.EventID, b.BetAmount, string(b.Status), b.CreateDate, b.UpdateDate,
	).Scan(&b.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == fkViolation && pqErr.Constraint == fkUserID {
			return Bet{}, fmt.Errorf("user %d: %w", in.UserID, apperr.ErrNotFound)
		}
		return Bet{}, storageErr("insert bet", err)
	}
	return b, nil
}

// Get returns one bet or ErrNotFound.
func (p *Postgres) Get(ctx context.Context, id int64) (Bet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE id=$1`, id)
	b, err := scanBet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bet{}, fmt.Errorf("bet %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return Bet{}, storageErr("get bet", err)
	}
	return b, nil
}

// List returns every bet ordered by id.
func (p *Postgres) List(ctx context.Context) ([]Bet, error) {
	return p.query(ctx, `SELECT `+betColumns+` FROM bets ORDER BY id`)
}

// ListForUser returns the bets of one user ordered by id.
func (p *Postgres) ListForUser(ctx context.Context, userID int64) ([]Bet, error) {
	return p.query(ctx, `SELECT `+betColumns+` FROM bets WHERE user_id=$1 ORDER BY id`, userID)
}

// Delete removes a bet; ErrNotFound when there was none.
func (p *Postgres) Delete(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM bets WHERE id=$1`, id)
	if err != nil {
		return storageErr("delete bet", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete bet", err)
	}
	if n == 0 {
		return fmt.Errorf("bet %d: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// SetStatusForEvent rewrites every bet of the event to status in one
// committed transaction. Bets already in that status are left untouched, so
// applying the same outcome twice changes nothing.
func (p *Postgres) SetStatusForEvent(ctx context.Context, eventID int64, status events.BetStatus) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE bets SET status=$1, update_date=$2 WHERE event_id=$3 AND status<>$1`,
		string(status), p.Now().Unix(), eventID)
	if err != nil {
		return 0, storageErr("settle bets", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("settle bets", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, storageErr("commit", err)
	}
	return n, nil
}

// Ping is used by the health endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) query(ctx context.Context, q string, args ...any) ([]Bet, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list bets", err)
	}
	defer rows.Close()

	out := []Bet{}
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, storageErr("scan bet", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list bets", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBet(s scanner) (Bet, error) {
	var b Bet
	var status string
	if err := s.Scan(&b.ID, &b.UserID, &b.EventID, &b.BetAmount, &status, &b.CreateDate, &b.UpdateDate); err != nil {
		return Bet{}, err
	}
	b.Status = events.BetStatus(status)
	return b, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperr.ErrStorageUnavailable, op, err)
}
