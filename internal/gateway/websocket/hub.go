// Package websocket broadcasts daemon bus events to local observers, such
// as a status bar or a debugging tail.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	clientSendSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint only binds to localhost; origin checks add nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans bus events out to every connected websocket client.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	sub     bus.Subscription
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub subscribes to every subject on the bus and begins broadcasting.
func NewHub(eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		log:     log.WithFields(zap.String("component", "ws-gateway")),
		clients: make(map[*client]struct{}),
	}

	sub, err := eventBus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		h.broadcast(event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.sub = sub
	return h, nil
}

// ServeHTTP upgrades the request and keeps the connection fed until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) broadcast(event *bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// A stalled reader is dropped rather than backing up the bus.
			h.dropLocked(c)
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop discards client frames; the gateway is broadcast-only. It exists
// to notice disconnects and answer pings.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	_ = c.conn.Close()
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}
