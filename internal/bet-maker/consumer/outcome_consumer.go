package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	sharedkafka "github.com/radieske/bet-line-platform/internal/shared/kafka"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

// Deliveries is a queue with explicit acknowledgement.
type Deliveries interface {
	Receive(ctx context.Context) (sharedkafka.Delivery, error)
	Ack(ctx context.Context, d sharedkafka.Delivery) error
	Reject(ctx context.Context, d sharedkafka.Delivery, requeue bool) error
	Close() error
}

// Ledger settles all bets of an event.
type Ledger interface {
	SetStatusForEvent(ctx context.Context, eventID int64, status events.BetStatus) (int64, error)
}

const (
	defaultProcessTimeout = 10 * time.Second
	receiveRetryDelay     = 500 * time.Millisecond
)

// OutcomeConsumer applies outcome notifications to the bet ledger. A message
// is acked only after the bulk update committed; every failure requeues it.
type OutcomeConsumer struct {
	Log    *zap.Logger
	Source Deliveries
	Ledger Ledger

	// ProcessTimeout bounds one message, including its ack. Processing is
	// detached from the loop context so Close never cuts an update short.
	ProcessTimeout time.Duration

	OnApplied func(status events.BetStatus, rows int64) // metrics
	OnError   func(stage string)                        // metrics per stage

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the consume loop in the background. Calling it twice is a
// no-op.
func (c *OutcomeConsumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		err := c.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.Log.Error("outcome consumer stopped", zap.Error(err))
		}
	}()
	c.Log.Info("outcome consumer started")
}

// Close stops the loop, waits for the message in flight, then closes the
// source.
func (c *OutcomeConsumer) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	err := c.Source.Close()
	c.Log.Info("outcome consumer stopped")
	return err
}

func (c *OutcomeConsumer) run(ctx context.Context) error {
	for {
		d, err := c.Source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Warn("receive failed", zap.Error(err))
			c.failed("receive")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(receiveRetryDelay):
			}
			continue
		}
		c.handle(ctx, d)
	}
}

func (c *OutcomeConsumer) handle(ctx context.Context, d sharedkafka.Delivery) {
	timeout := c.ProcessTimeout
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	n, status, err := decode(d.Body)
	if err != nil {
		c.Log.Warn("malformed outcome, requeueing", zap.ByteString("body", d.Body), zap.Int("attempt", d.Attempt), zap.Error(err))
		c.failed("decode")
		c.requeue(pctx, d)
		return
	}

	rows, err := c.Ledger.SetStatusForEvent(pctx, n.EventID, status)
	if err != nil {
		c.Log.Warn("settle bets failed, requeueing",
			zap.Int64("event_id", n.EventID),
			zap.Int("attempt", d.Attempt),
			zap.Bool("transient", apperr.Retryable(err)),
			zap.Error(err))
		c.failed("ledger")
		c.requeue(pctx, d)
		return
	}

	if err := c.Source.Ack(pctx, d); err != nil {
		// the update is committed and idempotent; redelivery is harmless
		c.Log.Warn("ack failed", zap.Int64("event_id", n.EventID), zap.Error(err))
		c.failed("ack")
		return
	}
	if c.OnApplied != nil {
		c.OnApplied(status, rows)
	}
	c.Log.Info("bets settled", zap.Int64("event_id", n.EventID), zap.String("status", string(status)), zap.Int64("rows", rows))
}

// decode turns a queue body into the notification and the bet status it
// settles to. Every failure wraps apperr.ErrDecode.
func decode(body []byte) (events.OutcomeNotification, events.BetStatus, error) {
	n, err := events.DecodeOutcome(body)
	if err != nil {
		return events.OutcomeNotification{}, "", fmt.Errorf("%w: %v", apperr.ErrDecode, err)
	}
	status, err := events.BetStatusForOutcome(n.State)
	if err != nil {
		return events.OutcomeNotification{}, "", fmt.Errorf("%w: %v", apperr.ErrDecode, err)
	}
	return n, status, nil
}

func (c *OutcomeConsumer) requeue(ctx context.Context, d sharedkafka.Delivery) {
	if err := c.Source.Reject(ctx, d, true); err != nil {
		c.Log.Warn("reject failed", zap.Error(err))
		c.failed("reject")
	}
}

func (c *OutcomeConsumer) failed(stage string) {
	if c.OnError != nil {
		c.OnError(stage)
	}
}
