package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"modbus-edge-gateway/pkg/events"
	"modbus-edge-gateway/pkg/logger"
)

const (
	pingInterval   = 30 * time.Second
	pongTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	readLimit      = 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway UI is served from anywhere on the local network
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client holds one browser connection
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan events.Event
	id   string
}

// Hub fans gateway events out to connected WebSocket clients
type Hub struct {
	events *events.Bus

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a hub on top of the event bus
func NewHub(evbus *events.Bus) *Hub {
	return &Hub{
		events:  evbus,
		clients: make(map[string]*client),
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run subscribes to the event bus and delivers every event to all
// connected clients. Blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.events.Subscribe()
	defer h.events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-sub.Events():
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

// HandleSocket upgrades an HTTP request and serves the connection until
// the client goes away
func (h *Hub) HandleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.LogWarn("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan events.Event, sendBufferSize),
		id:   uuid.NewString(),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	logger.LogInfo("🔌 WebSocket client %s connected (%d total)", c.id[:8], total)

	go c.writePump()
	c.readPump()
}

// broadcast sends under the read lock so a concurrent remove cannot
// close a channel mid-send. Sends never block; a full buffer drops.
func (h *Hub) broadcast(ev events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.send <- ev:
		default:
			logger.LogWarn("WebSocket client %s send buffer full, dropping %s", c.id[:8], ev.Type)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[string]*client)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	logger.LogInfo("🔌 WebSocket client %s disconnected (%d total)", c.id[:8], total)
}

// writePump writes outgoing events and periodic pings. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames to service pong handling. The gateway
// pushes only; inbound payloads are discarded.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.LogDebug("WebSocket client %s read error: %v", c.id[:8], err)
			}
			return
		}
	}
}
