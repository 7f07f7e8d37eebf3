package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	sharedkafka "github.com/radieske/bet-line-platform/internal/shared/kafka"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

type rejection struct {
	body    string
	requeue bool
}

// fakeDeliveries redelivers requeued messages until maxAttempts.
type fakeDeliveries struct {
	ch          chan sharedkafka.Delivery
	maxAttempts int

	mu       sync.Mutex
	acked    []string
	rejected []rejection
	closed   bool
}

func newFakeDeliveries(maxAttempts int, bodies ...string) *fakeDeliveries {
	f := &fakeDeliveries{ch: make(chan sharedkafka.Delivery, 16), maxAttempts: maxAttempts}
	for _, b := range bodies {
		f.ch <- sharedkafka.Delivery{Body: []byte(b), Attempt: 1}
	}
	return f
}

func (f *fakeDeliveries) Receive(ctx context.Context) (sharedkafka.Delivery, error) {
	select {
	case <-ctx.Done():
		return sharedkafka.Delivery{}, ctx.Err()
	case d := <-f.ch:
		return d, nil
	}
}

func (f *fakeDeliveries) Ack(ctx context.Context, d sharedkafka.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, string(d.Body))
	return nil
}

func (f *fakeDeliveries) Reject(_ context.Context, d sharedkafka.Delivery, requeue bool) error {
	f.mu.Lock()
	f.rejected = append(f.rejected, rejection{body: string(d.Body), requeue: requeue})
	f.mu.Unlock()
	if requeue && d.Attempt < f.maxAttempts {
		d.Attempt++
		f.ch <- d
	}
	return nil
}

func (f *fakeDeliveries) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDeliveries) snapshot() ([]string, []rejection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...), append([]rejection(nil), f.rejected...)
}

type update struct {
	eventID int64
	status  events.BetStatus
}

// fakeLedger keeps bet statuses per event and fails the first failN calls.
type fakeLedger struct {
	mu      sync.Mutex
	bets    map[int64][]events.BetStatus
	updates []update
	failN   int
	block   chan struct{}
}

func (l *fakeLedger) SetStatusForEvent(ctx context.Context, eventID int64, st events.BetStatus) (int64, error) {
	if l.block != nil {
		<-l.block
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failN > 0 {
		l.failN--
		return 0, errors.New("connection refused")
	}
	l.updates = append(l.updates, update{eventID, st})
	var n int64
	for i, cur := range l.bets[eventID] {
		if cur != st {
			l.bets[eventID][i] = st
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) statuses(eventID int64) []events.BetStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.BetStatus(nil), l.bets[eventID]...)
}

func newConsumer(src Deliveries, ledger Ledger) *OutcomeConsumer {
	return &OutcomeConsumer{Log: zap.NewNop(), Source: src, Ledger: ledger, ProcessTimeout: time.Second}
}

func TestConsumer_SettlesAllBetsOfEvent(t *testing.T) {
	ledger := &fakeLedger{bets: map[int64][]events.BetStatus{
		1: {events.BetNotPlayed, events.BetNotPlayed},
		2: {events.BetNotPlayed},
	}}
	src := newFakeDeliveries(1, `{"event_id": 1, "state": 2}`)
	c := newConsumer(src, ledger)
	var applied []int64
	var mu sync.Mutex
	c.OnApplied = func(_ events.BetStatus, rows int64) {
		mu.Lock()
		applied = append(applied, rows)
		mu.Unlock()
	}

	c.Start(context.Background())
	assert.Eventually(t, func() bool {
		acked, _ := src.snapshot()
		return len(acked) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	assert.Equal(t, []events.BetStatus{events.BetWon, events.BetWon}, ledger.statuses(1))
	assert.Equal(t, []events.BetStatus{events.BetNotPlayed}, ledger.statuses(2))
	mu.Lock()
	assert.Equal(t, []int64{2}, applied)
	mu.Unlock()
	assert.True(t, src.closed)
}

func TestConsumer_MalformedStateIsRequeuedWithoutUpdate(t *testing.T) {
	ledger := &fakeLedger{bets: map[int64][]events.BetStatus{1: {events.BetNotPlayed}}}
	src := newFakeDeliveries(3, `{"event_id": 1, "state": 5}`)
	c := newConsumer(src, ledger)
	stages := make(chan string, 8)
	c.OnError = func(s string) { stages <- s }

	c.Start(context.Background())
	assert.Eventually(t, func() bool {
		_, rejected := src.snapshot()
		return len(rejected) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	acked, rejected := src.snapshot()
	assert.Empty(t, acked)
	for _, r := range rejected {
		assert.True(t, r.requeue)
	}
	assert.Empty(t, ledger.updates)
	assert.Equal(t, []events.BetStatus{events.BetNotPlayed}, ledger.statuses(1))
	assert.Equal(t, "decode", <-stages)
}

func TestDecode_FailuresAreDecodeErrors(t *testing.T) {
	for _, body := range []string{
		`{"event_id": 1, "state": 5}`,
		`{"event_id": 1, "state": 1}`,
		`{"state": 2}`,
		`not json`,
	} {
		_, _, err := decode([]byte(body))
		assert.ErrorIs(t, err, apperr.ErrDecode, body)
	}

	n, status, err := decode([]byte(`{"event_id": 4, "state": 3}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n.EventID)
	assert.Equal(t, events.BetLost, status)
}

func TestConsumer_LedgerFailureRequeuesThenApplies(t *testing.T) {
	ledger := &fakeLedger{bets: map[int64][]events.BetStatus{4: {events.BetNotPlayed}}, failN: 1}
	src := newFakeDeliveries(5, `{"event_id": 4, "state": 3}`)
	c := newConsumer(src, ledger)

	c.Start(context.Background())
	assert.Eventually(t, func() bool {
		acked, _ := src.snapshot()
		return len(acked) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	_, rejected := src.snapshot()
	assert.Equal(t, []rejection{{body: `{"event_id": 4, "state": 3}`, requeue: true}}, rejected)
	assert.Equal(t, []events.BetStatus{events.BetLost}, ledger.statuses(4))
}

func TestConsumer_RedeliveryIsIdempotent(t *testing.T) {
	ledger := &fakeLedger{bets: map[int64][]events.BetStatus{9: {events.BetNotPlayed, events.BetNotPlayed}}}
	body := `{"event_id": 9, "state": 2}`
	src := newFakeDeliveries(1, body, body)
	c := newConsumer(src, ledger)
	var rows []int64
	var mu sync.Mutex
	c.OnApplied = func(_ events.BetStatus, n int64) {
		mu.Lock()
		rows = append(rows, n)
		mu.Unlock()
	}

	c.Start(context.Background())
	assert.Eventually(t, func() bool {
		acked, _ := src.snapshot()
		return len(acked) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	mu.Lock()
	assert.Equal(t, []int64{2, 0}, rows)
	mu.Unlock()
	assert.Equal(t, []events.BetStatus{events.BetWon, events.BetWon}, ledger.statuses(9))
}

func TestConsumer_CloseWaitsForInFlightAck(t *testing.T) {
	ledger := &fakeLedger{bets: map[int64][]events.BetStatus{1: {events.BetNotPlayed}}, block: make(chan struct{})}
	src := newFakeDeliveries(1, `{"event_id": 1, "state": 2}`)
	c := newConsumer(src, ledger)
	c.Start(context.Background())

	closed := make(chan error, 1)
	go func() {
		// give the loop time to pick the message up before cancelling
		time.Sleep(50 * time.Millisecond)
		closed <- c.Close()
	}()

	time.Sleep(100 * time.Millisecond)
	select {
	case <-closed:
		t.Fatal("Close returned while a message was in flight")
	default:
	}
	close(ledger.block)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	acked, _ := src.snapshot()
	assert.Len(t, acked, 1, "in-flight message is acked despite shutdown")
}

func TestConsumer_CloseWithoutStart(t *testing.T) {
	src := newFakeDeliveries(1)
	c := newConsumer(src, &fakeLedger{})
	require.NoError(t, c.Close())
	assert.True(t, src.closed)
}
