package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

// RedisBroadcaster publishes catalog changes on a Redis pub/sub channel, so
// that every line-provider replica can fan them out to its own clients.
type RedisBroadcaster struct {
	r       *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisBroadcaster(r *redis.Client, channel string, log *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{r: r, channel: channel, log: log}
}

// Created, Settled and Deleted are best effort: a failure is logged and
// never fails the API call that caused it.
func (b *RedisBroadcaster) Created(ctx context.Context, ev events.Event) {
	b.publish(ctx, Change{Kind: KindCreated, EventID: ev.EventID, Event: &ev})
}

func (b *RedisBroadcaster) Settled(ctx context.Context, ev events.Event) {
	b.publish(ctx, Change{Kind: KindSettled, EventID: ev.EventID, Event: &ev})
}

func (b *RedisBroadcaster) Deleted(ctx context.Context, id int64) {
	b.publish(ctx, Change{Kind: KindDeleted, EventID: id})
}

func (b *RedisBroadcaster) publish(ctx context.Context, c Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		b.log.Warn("feed marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
	defer cancel()

	if err := b.r.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("feed publish failed", zap.String("kind", c.Kind), zap.Int64("event_id", c.EventID), zap.Error(err))
	}
}
