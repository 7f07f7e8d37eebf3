package repo

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

const now = int64(1_800_000_000)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p := NewPostgres(db)
	p.Now = func() time.Time { return time.Unix(now, 0) }
	return p, mock
}

var cols = []string{"id", "user_id", "event_id", "bet_amount", "status", "create_date", "update_date"}

func TestCreate(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO bets`)).
		WithArgs(int64(3), int64(1), 10.5, "NOT_PLAYED", now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	b, err := p.Create(context.Background(), NewBet{UserID: 3, EventID: 1, BetAmount: 10.5})
	require.NoError(t, err)
	assert.Equal(t, Bet{ID: 11, UserID: 3, EventID: 1, BetAmount: 10.5, Status: events.BetNotPlayed, CreateDate: now, UpdateDate: now}, b)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_UnknownUser(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO bets`)).
		WillReturnError(&pq.Error{Code: "23503", Constraint: "fk_user_id", Message: "violates foreign key constraint"})

	_, err := p.Create(context.Background(), NewBet{UserID: 99, EventID: 1, BetAmount: 1})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "user 99")
}

func TestCreate_ConnectionFailure(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO bets`)).WillReturnError(errors.New("connection reset"))

	_, err := p.Create(context.Background(), NewBet{UserID: 1, EventID: 1, BetAmount: 1})
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
}

func TestGet(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + betColumns + ` FROM bets WHERE id=$1`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(5), int64(1), int64(2), 3.0, "WON", now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM bets WHERE id=$1`)).
		WithArgs(int64(6)).
		WillReturnError(sql.ErrNoRows)

	b, err := p.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, events.BetWon, b.Status)

	_, err = p.Get(context.Background(), 6)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListForUser(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM bets WHERE user_id=$1 ORDER BY id`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), int64(1), int64(7), 2.0, "NOT_PLAYED", now, now).
			AddRow(int64(4), int64(1), int64(8), 5.0, "LOST", now, now))

	bets, err := p.ListForUser(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, bets, 2)
	assert.Equal(t, int64(4), bets[1].ID)
	assert.Equal(t, events.BetLost, bets[1].Status)
}

func TestList_Empty(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM bets ORDER BY id`)).WillReturnRows(sqlmock.NewRows(cols))

	bets, err := p.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, bets)
	assert.Empty(t, bets)
}

func TestDelete(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM bets WHERE id=$1`)).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM bets WHERE id=$1`)).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Delete(context.Background(), 3))
	assert.ErrorIs(t, p.Delete(context.Background(), 3), apperr.ErrNotFound)
}

func TestSetStatusForEvent(t *testing.T) {
	p, mock := newMock(t)
	update := regexp.QuoteMeta(`UPDATE bets SET status=$1, update_date=$2 WHERE event_id=$3 AND status<>$1`)

	mock.ExpectBegin()
	mock.ExpectExec(update).WithArgs("WON", now, int64(7)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	// redelivery of the same outcome touches nothing
	mock.ExpectBegin()
	mock.ExpectExec(update).WithArgs("WON", now, int64(7)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := p.SetStatusForEvent(context.Background(), 7, events.BetWon)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = p.SetStatusForEvent(context.Background(), 7, events.BetWon)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusForEvent_RollsBackOnFailure(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE bets`)).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := p.SetStatusForEvent(context.Background(), 7, events.BetLost)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS users`)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
