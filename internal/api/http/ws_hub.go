package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsQueueSize = 256
	wsReadLimit = 512
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = 30 * time.Second
)

// wsEvent is the envelope of every pushed message.
type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsHub fans events out to connected clients. A client whose queue is full
// is disconnected rather than slowing the others down.
type wsHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	out  chan []byte
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{logger: logger, clients: make(map[*wsClient]struct{})}
}

// join registers conn. It reports false once the hub is closed.
func (h *wsHub) join(conn *websocket.Conn) (*wsClient, bool) {
	c := &wsClient{hub: h, conn: conn, out: make(chan []byte, wsQueueSize)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client joined", slog.Int("clients", len(h.clients)))
	return c, true
}

func (h *wsHub) leave(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *wsHub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.out)
	h.logger.Debug("ws client left", slog.Int("clients", len(h.clients)))
}

func (h *wsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues a typed JSON event for every client. Nothing is encoded
// while nobody listens.
func (h *wsHub) Broadcast(kind string, data any) {
	if h.clientCount() == 0 {
		return
	}
	payload, err := json.Marshal(wsEvent{Type: kind, Data: data})
	if err != nil {
		h.logger.Error("ws event encode failed", slog.String("type", kind), slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.out <- payload:
		default:
			h.logger.Warn("ws client too slow, disconnecting")
			h.dropLocked(c)
		}
	}
}

// Close disconnects every client and refuses new ones. Repeated calls are
// no-ops.
func (h *wsHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	bye := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for c := range clients {
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
		}
		close(c.out)
	}
}

// writeLoop is the only writer of data frames on the connection.
func (c *wsClient) writeLoop() {
	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	defer c.conn.Close()
	for {
		var (
			kind int
			msg  []byte
		)
		select {
		case next, ok := <-c.out:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			kind, msg = websocket.TextMessage, next
		case <-ping.C:
			kind = websocket.PingMessage
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(kind, msg); err != nil {
			return
		}
	}
}

// readLoop discards client frames and notices disconnects.
func (c *wsClient) readLoop() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
