package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/line-provider/feed"
	"github.com/radieske/bet-line-platform/internal/shared/config"
	"github.com/radieske/bet-line-platform/internal/shared/logger"
)

// feed-tail follows the line-provider websocket feed and logs every catalog
// change. FEED_EVENTS selects event ids ("*" for all).
func main() {
	cfg := config.LoadFor("feed-tail")
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	f := &feed.Follower{
		URL:    cfg.FeedURL,
		Token:  cfg.LineProviderToken,
		Topics: cfg.FeedEvents,
		Log:    log,
		Handle: func(c feed.Change) {
			fields := []zap.Field{zap.String("kind", c.Kind), zap.Int64("event_id", c.EventID)}
			if c.Event != nil {
				fields = append(fields,
					zap.String("state", c.Event.State.String()),
					zap.Float64("coefficient", c.Event.Coefficient),
					zap.Int64("deadline", c.Event.Deadline))
			}
			log.Info("event change", fields...)
		},
	}
	f.Run(ctx)
}
