// Package feed streams sync ledger activity to read-only websocket clients.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Message is one frame sent to clients.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans messages out to connected clients. A client whose buffer fills is
// disconnected; Publish never blocks.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	logger  *slog.Logger
	origins []string
	now     func() time.Time
}

// NewHub returns an empty hub. origins are passed to websocket.Accept as
// allowed origin patterns; nil allows same-origin only.
func NewHub(logger *slog.Logger, origins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
		origins: origins,
		now:     time.Now,
	}
}

// Register mounts the hub on mux at GET /events.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.Handle("GET /events", h)
}

// Publish marshals data and queues it for every client.
func (h *Hub) Publish(msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("feed: marshal failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}

	frame, err := json.Marshal(Message{Type: msgType, Timestamp: h.now().UTC(), Data: raw})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("feed: dropping slow client")
			delete(h.clients, c)
			c.stop()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for c := range h.clients {
		delete(h.clients, c)
		c.stop()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("feed: websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")

		return
	}

	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("feed: client connected", slog.String("remote", r.RemoteAddr))

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	h.writeLoop(ctx, c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	h.logger.Debug("feed: client disconnected", slog.String("remote", r.RemoteAddr))
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-c.done:
			_ = c.conn.Close(websocket.StatusPolicyViolation, "closed by server")
			return
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()

			if err != nil {
				return
			}
		}
	}
}
