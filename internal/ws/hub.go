// Package ws streams state-change notifications to WebSocket subscribers.
// The surface is outbound only: every bus record goes out verbatim as one
// JSON frame, and each new connection first receives a full-state snapshot
// so it never has to reconstruct state from deltas.
package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snapdog/snapdog-go/internal/notify"
	"github.com/snapdog/snapdog-go/internal/state"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Inbound frames are ignored, so anything beyond a close/pong is noise.
	maxReadBytes = 512

	sendBuffer = 64
)

// SnapshotFunc assembles the full-state snapshot for a new connection.
type SnapshotFunc func() (map[int]state.ZoneState, map[int]state.ClientState)

// Hub fans bus notifications out to all connected WebSocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	snapshot SnapshotFunc
	factory  notify.Factory
	logger   *log.Logger

	mu     sync.Mutex
	conns  map[*connection]struct{}
	unsub  func()
	closed bool
}

type connection struct {
	conn *websocket.Conn
	send chan notify.Notification
}

// NewHub creates the hub and subscribes it to the bus.
func NewHub(bus *notify.Bus, snapshot SnapshotFunc, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			// Control-plane for a trusted home network; browser dashboards
			// connect from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		snapshot: snapshot,
		logger:   logger,
		conns:    make(map[*connection]struct{}),
	}
	h.unsub = bus.Subscribe("ws-hub", h.broadcast)
	return h
}

// ServeHTTP upgrades the request and serves the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("WS: upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	c := &connection{conn: conn, send: make(chan notify.Notification, sendBuffer)}

	// The snapshot is queued before the connection joins the broadcast set,
	// so it is always the first frame the client sees.
	if h.snapshot != nil {
		zones, clients := h.snapshot()
		c.send <- h.factory.StateSnapshot(zones, clients)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Printf("WS: connected %s (%d active)", r.RemoteAddr, h.Count())

	go h.writePump(c)
	h.readPump(c)

	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Printf("WS: disconnected %s (%d active)", r.RemoteAddr, h.Count())
}

// broadcast queues a notification on every connection. A connection whose
// buffer is full loses the record rather than stalling the rest; the
// snapshot on reconnect makes up for it.
func (h *Hub) broadcast(n notify.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- n:
		default:
			h.logger.Printf("WS: dropping %s for slow consumer", n.Event)
		}
	}
}

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case n, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(n); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection. Inbound frames carry no commands; the
// read loop exists to process pongs and to notice the peer going away.
func (h *Hub) readPump(c *connection) {
	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Count returns the number of active connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close unsubscribes from the bus and drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()

	h.unsub()
	for _, c := range conns {
		c.conn.Close()
	}
}
