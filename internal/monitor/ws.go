package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/observability"
)

// Event is one entry on the live monitor feed: turn lifecycle, sentences,
// interrupts.
type Event struct {
	Kind   string                 `json:"kind"`
	Time   string                 `json:"time"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Hub fans conversation events out to websocket subscribers (an operator
// UI, a debugging tail). Slow subscribers lose events rather than slow the
// conversation down.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		logger: observability.ForComponent("monitor"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // local tool
		},
		clients: make(map[*client]struct{}),
	}
}

// Publish broadcasts one event to every subscriber. Never blocks.
func (h *Hub) Publish(kind string, fields map[string]interface{}) {
	ev := Event{
		Kind:   kind,
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
		Fields: fields,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Subscriber not keeping up
		}
	}
}

// Handler upgrades the connection and streams events until the peer leaves.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}

		c := &client{conn: conn, send: make(chan Event, 64)}
		h.mu.Lock()
		h.clients[c] = struct{}{}
		total := len(h.clients)
		h.mu.Unlock()
		h.logger.Info().Int("subscribers", total).Msg("Monitor subscriber connected")

		go h.writeLoop(c)
		h.readLoop(c)
	}
}

// readLoop discards inbound frames; its job is noticing the disconnect.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
}
