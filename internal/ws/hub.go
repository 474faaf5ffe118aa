// Package ws provides WebSocket connection handling and message routing.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client represents a WebSocket client connection. A client is never owned
// by a session: it is reattached when the active session is replaced, never
// destroyed by the replacement itself.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	closed        bool
	sessionID     string // "" while pending (registered before any session exists)
	lastHeartbeat time.Time
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            uuid.New().String(),
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		lastHeartbeat: time.Now(),
	}
}

// ID returns the connection's unique id.
func (c *Client) ID() string {
	return c.id
}

// SessionID returns the session this client is currently attached to.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// TouchHeartbeat records a liveness signal from the peer.
func (c *Client) TouchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent liveness signal.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Send queues a message to be sent to the client. It never blocks: a full
// buffer means the peer is too slow and the client is closed.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.closeLocked()
		return false
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub tracks every live client connection and the id of the active session
// they are attached to. Connections registered before a session exists sit
// in the pending pool (empty session id) and are attached on the next
// replacement.
type Hub struct {
	logger zerolog.Logger

	mu               sync.RWMutex
	clients          map[*Client]bool
	currentSessionID string
}

// NewHub creates a new Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "hub").Logger(),
		clients: make(map[*Client]bool),
	}
}

// CurrentSessionID returns the session id connections are being attached to.
func (h *Hub) CurrentSessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentSessionID
}

// Register adds a client to the hub, attaching it to the active session if
// one exists.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	current := h.currentSessionID
	h.mu.Unlock()

	if current != "" {
		client.setSessionID(current)
	}
	h.logger.Debug().Str("connection_id", client.ID()).Str("session_id", current).Msg("connection registered")
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close()
	h.logger.Debug().Str("connection_id", client.ID()).Msg("connection unregistered")
}

// Migrate atomically rebinds every connection attached to oldID, plus the
// pending pool, to newID. Used exclusively by session replacement.
func (h *Hub) Migrate(oldID, newID string) {
	h.mu.Lock()
	h.currentSessionID = newID
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	moved := 0
	for _, client := range clients {
		sid := client.SessionID()
		if sid == oldID || sid == "" {
			client.setSessionID(newID)
			moved++
		}
	}
	h.logger.Debug().Str("old_session", oldID).Str("new_session", newID).Int("connections", moved).Msg("connections migrated")
}

// Broadcast fans a message out to every connection attached to the active
// session. Delivery failure marks the connection dead and prunes it; a slow
// peer never blocks the others.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	current := h.currentSessionID
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.SessionID() != current {
			continue
		}
		if !client.Send(data) {
			h.logger.Warn().Str("connection_id", client.ID()).Msg("broadcast delivery failed, pruning connection")
			h.Unregister(client)
		}
	}
}

// SendTo delivers a message to a single connection.
func (h *Hub) SendTo(client *Client, data []byte) {
	if !client.Send(data) {
		h.Unregister(client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionClientCount returns the number of clients attached to sessionID.
func (h *Hub) SessionClientCount(sessionID string) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	n := 0
	for _, client := range clients {
		if client.SessionID() == sessionID {
			n++
		}
	}
	return n
}

// RunPruner prunes connections whose last heartbeat is older than the grace
// window. It blocks until ctx is cancelled. A session ending up with zero
// attached connections is not an error.
func (h *Hub) RunPruner(ctx context.Context, heartbeatInterval time.Duration) {
	grace := 2 * heartbeatInterval
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pruneStale(grace)
		}
	}
}

func (h *Hub) pruneStale(grace time.Duration) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	cutoff := time.Now().Add(-grace)
	for _, client := range clients {
		if client.LastHeartbeat().Before(cutoff) {
			h.logger.Info().Str("connection_id", client.ID()).Time("last_heartbeat", client.LastHeartbeat()).Msg("pruning silent connection")
			h.Unregister(client)
		}
	}
}

// Close closes all client connections and the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
