package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chainlog/chainlog/internal/metrics"
)

// Message types pushed over the live feed.
const (
	msgRecordAppended = "audit.appended"
	msgAlert          = "alert"
	msgVerifyDone     = "verify.completed"
)

// wsMessage is the envelope for every frame pushed to feed subscribers.
// Type tells the consumer how to interpret Data.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsHub manages the set of active WebSocket connections and fans out
// appended records, alerts and verification outcomes to all of them.
//
// A single hub goroutine handles registration, unregistration and
// broadcasting, so the connections map needs no lock. All mutations
// happen in the hub goroutine via channels.
type wsHub struct {
	connections map[*wsConn]bool

	// broadcast channel. Messages sent here are forwarded to all clients.
	broadcastCh chan []byte

	registerCh   chan *wsConn
	unregisterCh chan *wsConn
}

// wsConn wraps a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // Protects concurrent writes.
}

// upgrader handles the HTTP to WebSocket protocol upgrade. CheckOrigin
// allows all origins since consoles connect cross-origin and the real
// gate is the bearer token checked before the upgrade.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWSHub creates a new WebSocket hub.
func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
	}
}

// run is the main hub event loop. Runs in a background goroutine for the
// life of the process.
func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			metrics.WSConnections.Inc()
			slog.Debug("websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				metrics.WSConnections.Dec()
				slog.Debug("websocket client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Client's send buffer is full. Drop the connection so
					// a slow client cannot block broadcasts to the rest.
					delete(h.connections, conn)
					close(conn.send)
					metrics.WSConnections.Dec()
				}
			}
		}
	}
}

// broadcast sends a message to all connected clients. Non-blocking: if
// the broadcast channel is full the message is dropped. The feed is
// best-effort; clients that need a complete view query the log.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// broadcastMessage marshals a typed envelope and hands it to the hub.
func (h *wsHub) broadcastMessage(msgType string, data any) {
	payload, err := json.Marshal(wsMessage{Type: msgType, Data: data})
	if err != nil {
		slog.Error("failed to marshal broadcast message", "type", msgType, "error", err)
		return
	}
	h.broadcast(payload)
}

// handleWebSocket upgrades the connection and registers the client with
// the hub. Auth has already run by the time chi routes here.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.hub.registerCh <- client

	go client.writePump()

	// Read pump drains incoming frames. The feed is one-directional but
	// reading is how disconnects are detected.
	go client.readPump(s.hub)
}

// writePump sends messages from the send channel to the connection.
// Runs in a goroutine per client.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump reads frames until the client goes away, then unregisters.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		hub.unregisterCh <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
