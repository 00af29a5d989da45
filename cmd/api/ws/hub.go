package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Event is one notification frame pushed to subscribers. Kind and ID address
// the lead or deal the event concerns; service-level frames leave them empty.
type Event struct {
	Type string      `json:"type"`
	Kind string      `json:"kind,omitempty"`
	ID   string      `json:"id,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// StatusChanged builds the frame for an SLA status transition.
func StatusChanged(kind, id, from, to string, responseBy *time.Time) Event {
	return Event{
		Type: "sla_status_changed",
		Kind: kind,
		ID:   id,
		Data: statusChange{From: from, To: to, ResponseBy: responseBy},
	}
}

// Breached builds the manager-only frame for a lapsed response deadline.
func Breached(kind, id string, responseBy *time.Time) Event {
	return Event{
		Type: "sla_breached",
		Kind: kind,
		ID:   id,
		Data: statusChange{To: "Failed", ResponseBy: responseBy},
	}
}

// Created builds the frame for a freshly saved entity.
func Created(kind, id string, body interface{}) Event {
	return Event{Type: kind + "_created", Kind: kind, ID: id, Data: body}
}

type statusChange struct {
	From       string     `json:"from,omitempty"`
	To         string     `json:"to"`
	ResponseBy *time.Time `json:"response_by,omitempty"`
}

var wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "ws_clients",
	Help: "Number of connected WebSocket clients",
})

func init() { prometheus.MustRegister(wsClients) }

// PublishEvent hands an event to every API process via the Redis "events"
// channel. A nil client keeps single-process deployments working.
func PublishEvent(ctx context.Context, rdb *redis.Client, ev Event) {
	if rdb == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = rdb.Publish(ctx, "events", b).Err()
}

// Hub fans events out to connected clients, honoring each client's
// subscription filter.
type Hub struct {
	rdb        *redis.Client
	register   chan *Client
	unregister chan *Client
	clients    map[*Client]struct{}
	broadcast  chan Event
}

// NewHub constructs a Hub. rdb may be nil to disable cross-process fan-in.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		rdb:        rdb,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Event, 16),
	}
}

// Run drives the hub until ctx is done, feeding Redis-published events into
// the local broadcast path.
func (h *Hub) Run(ctx context.Context) {
	var ch <-chan *redis.Message
	if h.rdb != nil {
		sub := h.rdb.Subscribe(ctx, "events")
		ch = sub.Channel()
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if ok && msg != nil {
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
					h.Broadcast(ev)
				}
			}
		case c := <-h.register:
			h.clients[c] = struct{}{}
			wsClients.Inc()
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				wsClients.Dec()
			}
		case ev := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(ev) {
					continue
				}
				select {
				case c.send <- ev:
				default:
					// Slow consumer; drop the connection rather than block
					// every other subscriber.
					delete(h.clients, c)
					close(c.send)
					wsClients.Dec()
				}
			}
		}
	}
}

// Broadcast enqueues an event for local delivery.
func (h *Hub) Broadcast(ev Event) { h.broadcast <- ev }

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Client is one WebSocket subscriber. kinds restricts delivery to events for
// those entity kinds; an empty filter receives everything its role allows.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan Event
	manager bool
	kinds   map[string]struct{}
}

// NewClient constructs a client. kinds is the entity-kind subscription
// filter, e.g. {"lead"} for a leads-board session; nil subscribes to all.
func NewClient(h *Hub, conn *websocket.Conn, manager bool, kinds []string) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan Event, 8), manager: manager}
	if len(kinds) > 0 {
		c.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			c.kinds[k] = struct{}{}
		}
	}
	return c
}

// wants reports whether ev passes this client's role and kind filters.
// Breach alerts are manager-only traffic.
func (c *Client) wants(ev Event) bool {
	if ev.Type == "sla_breached" && !c.manager {
		return false
	}
	if ev.Kind != "" && c.kinds != nil {
		if _, ok := c.kinds[ev.Kind]; !ok {
			return false
		}
	}
	return true
}

// ReadPump reads messages from the WebSocket to detect disconnects.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// WritePump writes queued events to the connection, pinging idle peers so
// half-open connections get reaped.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// Upgrader with permissive CORS; auth middleware runs before the upgrade.
var Upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
