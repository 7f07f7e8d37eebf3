package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Follower is a websocket client of /ws/events. It subscribes to Topics and
// hands every change to Handle. A dropped connection is retried after
// Backoff; consecutive failed dials double the wait up to MaxBackoff.
type Follower struct {
	URL        string
	Token      string
	Topics     []string
	Backoff    time.Duration
	MaxBackoff time.Duration
	Log        *zap.Logger
	Handle     func(Change)
}

// envelope tells acks (type) from changes (kind).
type envelope struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

// Run blocks until ctx is done.
func (f *Follower) Run(ctx context.Context) {
	base, limit := f.Backoff, f.MaxBackoff
	if base <= 0 {
		base = 3 * time.Second
	}
	if limit < base {
		limit = max(base, time.Minute)
	}
	delay := base
	for {
		connected, err := f.connectAndListen(ctx)
		if ctx.Err() != nil {
			f.Log.Info("feed follower stopped")
			return
		}
		if connected {
			delay = base
		}
		f.Log.Warn("feed connection closed", zap.Error(err), zap.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if !connected {
			delay = nextDelay(delay, limit)
		}
	}
}

func nextDelay(cur, limit time.Duration) time.Duration {
	return min(cur*2, limit)
}

// connectAndListen reports whether the dial succeeded, so Run can reset its
// backoff after a session that was actually established.
func (f *Follower) connectAndListen(ctx context.Context) (bool, error) {
	header := http.Header{}
	if f.Token != "" {
		header.Set("Authorization", "Bearer "+f.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.URL, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	topics := f.Topics
	if len(topics) == 0 {
		topics = []string{AllEvents}
	}
	for _, t := range topics {
		if err := conn.WriteJSON(ClientMsg{Type: "subscribe", EventID: t}); err != nil {
			return true, err
		}
	}
	f.Log.Info("connected to event feed", zap.String("url", f.URL), zap.Strings("topics", topics))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, context.Canceled) {
				return true, nil
			}
			return true, err
		}

		var p envelope
		if err := json.Unmarshal(message, &p); err != nil {
			f.Log.Warn("invalid feed message", zap.Error(err))
			continue
		}
		switch {
		case p.Kind != "":
			var c Change
			if err := json.Unmarshal(message, &c); err != nil {
				f.Log.Warn("invalid feed change", zap.Error(err))
				continue
			}
			f.Handle(c)
		case p.Type == "error":
			var m ServerMsg
			_ = json.Unmarshal(message, &m)
			f.Log.Warn("feed rejected subscription", zap.String("event_id", m.EventID))
		}
	}
}
