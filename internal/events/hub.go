// Package events fans engine events (order transitions, position changes,
// risk alerts) out to websocket subscribers. Delivery is best effort: a
// slow subscriber is dropped rather than allowed to stall the engine.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	EventOrderPlaced     = "order.placed"
	EventOrderExecuted   = "order.executed"
	EventOrderCancelled  = "order.cancelled"
	EventPositionUpdated = "position.updated"
	EventPositionClosed  = "position.closed"
	EventRiskAlert       = "risk.alert"
	EventRiskAutoClose   = "risk.auto_close"
)

type Event struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type Hub struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan Event
}

func NewHub(allowedOrigin string, log *slog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
	}
}

// Run owns the client set; all membership changes and broadcasts go
// through its channels so no mutex is needed. Blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*client]struct{})
	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("failed to marshal event", "type", ev.Type, "err", err)
				continue
			}
			for c := range clients {
				select {
				case c.send <- data:
				default:
					delete(clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Publish enqueues an event without blocking. If the hub is saturated the
// event is dropped; subscribers observe state, they do not define it.
func (h *Hub) Publish(typ string, payload any) {
	ev := Event{Type: typ, At: time.Now().UTC(), Payload: payload}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("event dropped, hub saturated", "type", typ)
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.register <- c
	go c.writeLoop()
	go c.readLoop(h)
}

func (c *client) writeLoop() {
	ping := time.NewTicker(30 * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; the stream is one-way. It exists to
// detect closes and answer pings.
func (c *client) readLoop(h *Hub) {
	defer func() { h.unregister <- c }()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
