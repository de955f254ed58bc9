// Package statshub publishes periodic analytics summaries to any
// number of WebSocket subscribers. The server and the client each
// hold one Hub. The client publishes its receive-side analytics.Window
// snapshots through Client.PublishStats; the server's Hub accepts
// subscribers but nothing publishes snapshots to it.
package statshub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mjpegrtsp/analytics"
)

// Hub publishes analytics.Summary snapshots to connected WebSocket
// subscribers on a fixed interval. Adapted from the teacher's
// SignalingServer/SignalingClient read/write pump pair, trimmed to a
// one-way broadcast since stats subscribers never need to talk back.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*statsClient
}

type statsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
	closed bool
	mu     sync.Mutex
}

// NewHub returns an empty hub ready to accept subscribers.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]*statsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// HandleWebSocket upgrades the connection and registers it as a
// stats subscriber.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("stats websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	c := &statsClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 16),
		logger: h.logger.With(zap.String("stats_client_id", id)),
	}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	c.logger.Info("stats subscriber connected", zap.String("remote_addr", r.RemoteAddr))

	go h.writePump(c)
	go h.readPump(c)
}

// readPump only exists to notice the subscriber disconnecting; this
// hub never accepts inbound messages.
func (h *Hub) readPump(c *statsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *statsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Debug("stats websocket write error", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (h *Hub) remove(c *statsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	delete(h.clients, c.id)
}

// Publish marshals summary to JSON and broadcasts it to every
// connected subscriber. A subscriber whose send buffer is full misses
// this update rather than blocking the caller; it stays connected.
func (h *Hub) Publish(summary analytics.Summary) {
	data, err := json.Marshal(summary)
	if err != nil {
		h.logger.Error("failed to marshal stats summary", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("stats subscriber too slow, dropping update", zap.String("stats_client_id", c.id))
		}
	}
}

// Run publishes summary snapshots from source every interval until
// stop is closed.
func (h *Hub) Run(interval time.Duration, source func() analytics.Summary, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Publish(source())
		case <-stop:
			return
		}
	}
}

// Close closes every connected subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[string]*statsClient)
}
