package feed

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// client serializes writes; gorilla connections allow one writer at a time.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Hub tracks websocket clients and their subscriptions.
// subs maps an event id (or "*") to the set of subscribed clients.
type Hub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[*client]struct{}

	OnClients func(delta int) // metrics
}

// NewHub builds a hub with the given origin policy.
func NewHub(allowOrigin func(r *http.Request) bool, log *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: allowOrigin},
		log:      log,
		subs:     make(map[string]map[*client]struct{}),
	}
}

// HandleWS runs one client connection until it disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn}
	defer conn.Close()
	if h.OnClients != nil {
		h.OnClients(1)
		defer h.OnClients(-1)
	}

	for {
		var msg ClientMsg
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "subscribe":
			if !validTopic(msg.EventID) {
				_ = c.write(ServerMsg{Type: "error", EventID: msg.EventID})
				continue
			}
			h.subscribe(msg.EventID, c)
			_ = c.write(ServerMsg{Type: "subscribed", EventID: msg.EventID})
		case "unsubscribe":
			h.unsubscribe(msg.EventID, c)
			_ = c.write(ServerMsg{Type: "unsubscribed", EventID: msg.EventID})
		case "ping":
			_ = c.write(ServerMsg{Type: "pong"})
		}
	}
	h.drop(c)
}

// Broadcast sends a change to the clients of its event id and of "*".
func (h *Hub) Broadcast(ch Change) {
	key := strconv.FormatInt(ch.EventID, 10)

	h.mu.RLock()
	targets := make([]*client, 0, len(h.subs[key])+len(h.subs[AllEvents]))
	for c := range h.subs[key] {
		targets = append(targets, c)
	}
	for c := range h.subs[AllEvents] {
		if _, dup := h.subs[key][c]; !dup {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(ch); err != nil {
			h.log.Debug("websocket write failed", zap.Error(err))
		}
	}
}

func (h *Hub) subscribe(topic string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[*client]struct{})
	}
	h.subs[topic][c] = struct{}{}
}

func (h *Hub) unsubscribe(topic string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
}

func validTopic(s string) bool {
	if s == AllEvents {
		return true
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return err == nil && id > 0
}
