package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	sharedkafka "github.com/radieske/bet-line-platform/internal/shared/kafka"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

// messageWriter is the part of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher sends outcome notifications to the event status topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    *zap.Logger

	OnPublished func()      // metrics
	OnError     func(error) // metrics
}

// NewKafkaPublisher makes sure the topic exists and opens the writer. It is
// built once at startup; the writer reconnects on its own afterwards.
func NewKafkaPublisher(ctx context.Context, brokers, topic string, replication int, log *zap.Logger) (*KafkaPublisher, error) {
	ctrlCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := sharedkafka.EnsureTopic(ctrlCtx, brokers, topic, replication); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrGatewayUnavailable, err)
	}
	log.Info("kafka topic ready", zap.String("topic", topic), zap.Int("replication", replication))

	return newPublisher(sharedkafka.NewWriter(brokers, topic), topic, log), nil
}

func newPublisher(w messageWriter, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, log: log}
}

// Publish emits {"event_id": id, "state": state}. Only terminal states are
// publishable. The message key is the event id so that all notifications of
// one event land in the same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, eventID int64, state events.EventState) error {
	body, err := events.OutcomeNotification{EventID: eventID, State: state}.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidTransition, err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(eventID, 10)),
		Value: body,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("failed to publish outcome",
			zap.String("topic", p.topic),
			zap.Int64("event_id", eventID),
			zap.Int("state", int(state)),
			zap.Error(err))
		if p.OnError != nil {
			p.OnError(err)
		}
		return fmt.Errorf("%w: publish outcome of event %d: %v", apperr.ErrGatewayUnavailable, eventID, err)
	}

	if p.OnPublished != nil {
		p.OnPublished()
	}
	p.log.Info("outcome published", zap.Int64("event_id", eventID), zap.String("state", state.String()))
	return nil
}

// Announce re-sends the outcome of an event that is already settled. Used to
// recover when the transition committed but the publish did not.
func (p *KafkaPublisher) Announce(ctx context.Context, ev events.Event) error {
	if !ev.State.IsTerminal() {
		return fmt.Errorf("%w: event %d is %s, nothing to announce", apperr.ErrInvalidTransition, ev.EventID, ev.State)
	}
	return p.Publish(ctx, ev.EventID, ev.State)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
