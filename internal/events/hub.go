// Package events streams ledger activity to WebSocket clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/sim-engine/internal/metrics"
	"github.com/papertrade/sim-engine/internal/model"
	"github.com/papertrade/sim-engine/internal/rules"
)

// Event types.
const (
	TypeTrade    = "trade"
	TypeDecision = "decision"
)

// Event is one JSON message sent to clients. Trade events carry the
// executed order; decision events carry a rejected intent and its reasons.
type Event struct {
	Type     string             `json:"type"`
	Time     time.Time          `json:"ts"`
	Order    *model.Order       `json:"order,omitempty"`
	Intent   *model.TradeIntent `json:"intent,omitempty"`
	Decision *rules.Decision    `json:"decision,omitempty"`
}

// TradeEvent wraps an executed order.
func TradeEvent(o *model.Order) Event {
	return Event{Type: TypeTrade, Time: o.Timestamp, Order: o}
}

// DecisionEvent wraps a rejection.
func DecisionEvent(now time.Time, in model.TradeIntent, dec rules.Decision) Event {
	return Event{Type: TypeDecision, Time: now, Intent: &in, Decision: &dec}
}

// Publisher is what the trade service needs from a hub.
type Publisher interface {
	Publish(Event)
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendQueue  = 64
)

// client is one subscriber. Only its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to WebSocket subscribers. Run owns the client set;
// a subscriber whose queue is full is disconnected rather than stalling
// the others.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Debug("event subscriber connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("event subscriber too slow, disconnecting")
					h.drop(c)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// drop removes c and stops its write pump. h.mu must be held.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues ev for every subscriber. It never blocks: when the hub
// buffer is full the event is dropped.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", "type", ev.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("event buffer full, dropping event", "type", ev.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades GET /api/v1/ws into an event subscription. Clients
// only receive; anything they send is discarded.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendQueue)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go h.readPump(c)
}

// readPump watches for disconnects and keeps the read deadline moving on
// pongs.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains c.send and pings on an interval. It closes the
// connection once the hub closes c.send or a write fails.
func (c *client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
