package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/bet-maker/admission"
	"github.com/radieske/bet-line-platform/internal/bet-maker/auth"
	eventcache "github.com/radieske/bet-line-platform/internal/bet-maker/events"
	"github.com/radieske/bet-line-platform/internal/bet-maker/repo"
	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

const now = int64(1_800_000_000)

type memLedger struct {
	mu    sync.Mutex
	next  int64
	bets  map[int64]repo.Bet
	users map[int64]bool
}

func newMemLedger(users ...int64) *memLedger {
	l := &memLedger{bets: map[int64]repo.Bet{}, users: map[int64]bool{}}
	for _, u := range users {
		l.users[u] = true
	}
	return l
}

func (l *memLedger) Create(_ context.Context, in repo.NewBet) (repo.Bet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.users[in.UserID] {
		return repo.Bet{}, fmt.Errorf("user %d: %w", in.UserID, apperr.ErrNotFound)
	}
	l.next++
	b := repo.Bet{ID: l.next, UserID: in.UserID, EventID: in.EventID, BetAmount: in.BetAmount, Status: events.BetNotPlayed, CreateDate: now, UpdateDate: now}
	l.bets[b.ID] = b
	return b, nil
}

func (l *memLedger) Get(_ context.Context, id int64) (repo.Bet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bets[id]
	if !ok {
		return repo.Bet{}, fmt.Errorf("bet %d: %w", id, apperr.ErrNotFound)
	}
	return b, nil
}

func (l *memLedger) List(context.Context) ([]repo.Bet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []repo.Bet{}
	for id := int64(1); id <= l.next; id++ {
		if b, ok := l.bets[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (l *memLedger) ListForUser(ctx context.Context, userID int64) ([]repo.Bet, error) {
	all, _ := l.List(ctx)
	out := []repo.Bet{}
	for _, b := range all {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (l *memLedger) Delete(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.bets[id]; !ok {
		return fmt.Errorf("bet %d: %w", id, apperr.ErrNotFound)
	}
	delete(l.bets, id)
	return nil
}

type staticSource struct {
	mu      sync.Mutex
	catalog []events.Event
	err     error
}

func (s *staticSource) FetchAll(context.Context) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog, s.err
}

func (s *staticSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type fixture struct {
	srv      *httptest.Server
	ledger   *memLedger
	source   *staticSource
	verifier *auth.Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	f := &fixture{
		ledger: newMemLedger(1, 2),
		source: &staticSource{catalog: []events.Event{
			{EventID: 1, Coefficient: 1.5, Deadline: now + 3600, State: events.StateNew},
			{EventID: 2, Coefficient: 2.5, Deadline: now, State: events.StateNew},
		}},
		verifier: auth.NewVerifier("test-secret"),
	}
	clock := func() time.Time { return time.Unix(now, 0) }

	cache := eventcache.NewCache(f.source, 100, time.Minute, log)
	cache.Now = clock
	guard := admission.NewGuard(cache, log)
	guard.Now = clock

	s := NewServer(log, f.ledger, guard, cache, f.verifier, nil)
	f.srv = httptest.NewServer(s.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, userID int64, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if userID > 0 {
		tok, err := f.verifier.Issue(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, []byte(buf.String())
}

func TestPlaceBet(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, 1, http.MethodPost, "/api/bet", `{"bet_amount": 10, "event_id": 1}`)
	require.Equal(t, http.StatusOK, code, string(body))
	var b repo.Bet
	require.NoError(t, json.Unmarshal(body, &b))
	assert.Equal(t, int64(1), b.UserID)
	assert.Equal(t, events.BetNotPlayed, b.Status)
	assert.Contains(t, string(body), `"status":"NOT_PLAYED"`)
}

func TestPlaceBet_Rejections(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		user int64
		body string
		want int
	}{
		{"deadline equals now", 1, `{"bet_amount": 10, "event_id": 2}`, http.StatusForbidden},
		{"unknown event", 1, `{"bet_amount": 10, "event_id": 999}`, http.StatusNotFound},
		{"zero amount", 1, `{"bet_amount": 0, "event_id": 1}`, http.StatusUnprocessableEntity},
		{"bad event id", 1, `{"bet_amount": 5, "event_id": -1}`, http.StatusUnprocessableEntity},
		{"unknown user", 77, `{"bet_amount": 5, "event_id": 1}`, http.StatusNotFound},
		{"no token", 0, `{"bet_amount": 5, "event_id": 1}`, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, tc.user, http.MethodPost, "/api/bet", tc.body)
			assert.Equal(t, tc.want, code, string(body))
			assert.Contains(t, string(body), `"detail"`)
		})
	}
	all, _ := f.ledger.List(context.Background())
	assert.Empty(t, all, "rejected bets are never persisted")
}

func TestPlaceBet_UpstreamDown(t *testing.T) {
	f := newFixture(t)
	f.source.fail(errors.Join(apperr.ErrGatewayUnavailable, errors.New("refused")))

	code, _ := f.do(t, 1, http.MethodPost, "/api/bet", `{"bet_amount": 10, "event_id": 1}`)
	assert.Equal(t, http.StatusBadGateway, code)

	code, _ = f.do(t, 1, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestBetQueries(t *testing.T) {
	f := newFixture(t)

	for _, u := range []int64{1, 2, 1} {
		code, _ := f.do(t, u, http.MethodPost, "/api/bet", `{"bet_amount": 3, "event_id": 1}`)
		require.Equal(t, http.StatusOK, code)
	}

	code, body := f.do(t, 2, http.MethodGet, "/api/bets", "")
	require.Equal(t, http.StatusOK, code)
	var all []repo.Bet
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, 3)

	code, body = f.do(t, 1, http.MethodGet, "/api/my/bets", "")
	require.Equal(t, http.StatusOK, code)
	var mine []repo.Bet
	require.NoError(t, json.Unmarshal(body, &mine))
	require.Len(t, mine, 2)
	assert.Equal(t, []int64{1, 3}, []int64{mine[0].ID, mine[1].ID})

	code, _ = f.do(t, 1, http.MethodGet, "/api/bets/2", "")
	assert.Equal(t, http.StatusOK, code)

	code, body = f.do(t, 1, http.MethodDelete, "/api/bets/2", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"bet deleted"}`, string(body))

	code, _ = f.do(t, 1, http.MethodGet, "/api/bets/2", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, 1, http.MethodDelete, "/api/bets/2", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, 1, http.MethodGet, "/api/bets/x", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, 1, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, code)
	var evs []events.Event
	require.NoError(t, json.Unmarshal(body, &evs))
	assert.Len(t, evs, 2)
}
