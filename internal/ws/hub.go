// Package ws streams connectivity and sync events to local observers
// (the register screen, kitchen display) over websockets.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcomamdouh99/newsync/internal/connectivity"
	"github.com/marcomamdouh99/newsync/internal/logging"
	"github.com/marcomamdouh99/newsync/internal/syncengine"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 16
)

// Event is one broadcast message.
type Event struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local observers only; the daemon binds to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans events out to connected websocket clients. A slow client's
// buffer filling up drops that client rather than blocking the engine.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
	log     *logging.Logger
	now     func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		log:     logging.Get().WithComponent("ws"),
		now:     time.Now,
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{conn: conn, send: make(chan Event, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("Websocket client connected", map[string]interface{}{"clients": count})

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for event := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(event); err != nil {
			h.remove(c)
			return
		}
	}
}

// readLoop drains (and discards) client frames so pings and close frames
// are processed.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Broadcast delivers an event to every connected client; clients whose
// buffers are full get dropped.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	event := Event{Type: eventType, Timestamp: h.now().Unix(), Payload: payload}

	h.mu.Lock()
	var stale []*client
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.log.Warn("Dropping slow websocket client")
		h.remove(c)
	}
}

// ClientCount returns how many observers are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SyncStarted implements the engine event sink.
func (h *Hub) SyncStarted() {
	h.Broadcast("sync_started", nil)
}

// SyncCompleted implements the engine event sink.
func (h *Hub) SyncCompleted(result syncengine.SyncResult) {
	h.Broadcast("sync_completed", result)
}

// SyncFailed implements the engine event sink.
func (h *Hub) SyncFailed(err error) {
	h.Broadcast("sync_failed", map[string]string{"error": err.Error()})
}

// OnConnectivityChange relays monitor transitions to observers.
func (h *Hub) OnConnectivityChange(status connectivity.Status) {
	h.Broadcast("connectivity_changed", map[string]interface{}{
		"online":    status.Online,
		"checkedAt": status.CheckedAt.Unix(),
	})
}
