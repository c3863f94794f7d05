// Package ws streams mirror activity to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS and auth middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// envelope is the frame sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// filterMsg is what a client sends to narrow the activity kinds it receives.
// An empty list restores every kind.
type filterMsg struct {
	Action string   `json:"action"`
	Kinds  []string `json:"kinds"`
}

type broadcastMsg struct {
	kind string
	data []byte
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	kinds map[string]bool
}

// Hub fans activity events out to connected clients. It is fed either
// directly as a domain.ActivitySink or from a SignalBus channel via Bridge.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	status     func() *domain.StatusSnapshot
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub. status, when non-nil, supplies the snapshot sent to
// each client on connect.
func NewHub(status func() *domain.StatusSnapshot, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		status:     status,
		logger:     logger.With(slog.String("component", "ws")),
	}
}

// Record implements domain.ActivitySink. Events are dropped when the hub is
// backlogged.
func (h *Hub) Record(_ context.Context, ev domain.ActivityEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.enqueue(string(ev.Kind), payload)
	return nil
}

func (h *Hub) enqueue(kind string, payload []byte) {
	data, err := json.Marshal(envelope{Type: "activity", Kind: kind, Payload: payload})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- broadcastMsg{kind: kind, data: data}:
	default:
		h.logger.Warn("ws: broadcast queue full, dropping event")
	}
}

// Bridge forwards activity events published on channel by another process
// until ctx is cancelled.
func (h *Hub) Bridge(ctx context.Context, bus domain.SignalBus, channel string) error {
	msgs, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "ws: bridged to bus", slog.String("channel", channel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			var head struct {
				Kind string `json:"event_type"`
			}
			if json.Unmarshal(payload, &head) != nil {
				continue
			}
			h.enqueue(head.Kind, payload)
		}
	}
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.kind) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	c.sendStatus()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) sendStatus() {
	if c.hub.status == nil {
		return
	}
	payload, err := json.Marshal(c.hub.status())
	if err != nil {
		return
	}
	data, err := json.Marshal(envelope{Type: "status", Payload: payload})
	if err != nil {
		return
	}
	c.send <- data
}

func (c *client) wants(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.kinds) == 0 || c.kinds[kind]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg filterMsg
		if json.Unmarshal(message, &msg) != nil || msg.Action != "filter" {
			continue
		}
		kinds := make(map[string]bool, len(msg.Kinds))
		for _, k := range msg.Kinds {
			kinds[k] = true
		}
		c.mu.Lock()
		c.kinds = kinds
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ domain.ActivitySink = (*Hub)(nil)
