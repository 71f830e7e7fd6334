package realtime

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tbourn/astro-consult-backend/internal/observability"
	"github.com/tbourn/astro-consult-backend/internal/presence"
)

// Hub owns the live connections and implements services.Transport.
type Hub struct {
	mu      sync.RWMutex
	clients map[presence.ConnID]*Client
	closed  bool
	log     zerolog.Logger
}

// NewHub returns an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[presence.ConnID]*Client),
		log:     log.With().Str("component", "ws_hub").Logger(),
	}
}

// Register adds c. It reports false once the hub is shut down.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.ID] = c
	observability.WSConnections.Inc()
	h.log.Debug().Str("conn_id", string(c.ID)).Msg("client registered")
	return true
}

// Unregister removes c and closes its send queue. It reports whether c was
// still registered.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) bool {
	cur, ok := h.clients[c.ID]
	if !ok || cur != c {
		return false
	}
	delete(h.clients, c.ID)
	close(c.send)
	observability.WSConnections.Dec()
	h.log.Debug().Str("conn_id", string(c.ID)).Msg("client unregistered")
	return true
}

// Send queues one event for conn. A client whose queue is full is dropped.
func (h *Hub) Send(conn presence.ConnID, event string, payload any) bool {
	return h.reply(conn, event, payload, "")
}

func (h *Hub) reply(conn presence.ConnID, event string, payload any, ref string) bool {
	msg, err := encode(event, payload, ref)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode outbound event")
		return false
	}

	h.mu.RLock()
	c, ok := h.clients[conn]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	select {
	case c.send <- msg:
		h.mu.RUnlock()
		return true
	default:
	}
	h.mu.RUnlock()

	h.log.Warn().Str("conn_id", string(conn)).Str("event", event).Msg("send queue full; dropping client")
	h.drop(c)
	return false
}

// Broadcast queues one event for every client.
func (h *Hub) Broadcast(event string, payload any) {
	msg, err := encode(event, payload, "")
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("conn_id", string(c.ID)).Str("event", event).Msg("send queue full; dropping client")
		h.drop(c)
	}
}

// drop unregisters c and closes its socket so the read pump exits and the
// disconnect path runs.
func (h *Hub) drop(c *Client) {
	if h.Unregister(c) {
		_ = c.conn.Close()
	}
}

// Len returns the number of live clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
}
