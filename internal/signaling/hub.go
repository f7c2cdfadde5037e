// Package signaling implements the browser-facing WebSocket layer: it
// upgrades connections, serializes per-socket message handling, and
// dispatches each parsed frame into the room package.
package signaling

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meetbridge/kurento-gateway/internal/room"
)

// Upgrader matches the teacher's origin-checking policy: permissive
// outside production, restricted to the known origin in it.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if os.Getenv("ENVIRONMENT") != "production" {
			return true
		}
		return origin == os.Getenv("ALLOWED_ORIGIN")
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Client is one browser connection. Its send channel is written by any
// goroutine delivering a server-originated message; WritePump is the
// connection's single writer (gorilla/websocket forbids concurrent
// writes from multiple goroutines).
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	// room is only ever touched from the goroutine running this client's
	// readLoop (set on joinRoom, read on leaveRoom/close), so it needs
	// no lock.
	room *room.Room
	user *room.Session
}

// ClientSocket adapts a Client to room.Socket: JSON-encode, then push
// onto Send without blocking the caller — a full buffer means a slow
// browser, and the connection is torn down rather than stalling a room
// operation (adapted from the teacher's Hub.Broadcast default-drop case
// in websocket/websocket.go).
type ClientSocket struct {
	c *Client
}

func (s *ClientSocket) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("signaling: marshal outbound message for %s: %v", s.c.ID, err)
		return
	}
	select {
	case s.c.Send <- data:
	default:
		log.Printf("signaling: send buffer full for %s, dropping connection", s.c.ID)
		s.c.Conn.Close()
	}
}

// Hub tracks active connections. It exists to support graceful shutdown
// bookkeeping; per-message routing is the Dispatcher's job, not the
// Hub's — unlike the teacher's Hub, there is no broadcast-by-room
// channel here because every outbound message already knows its
// specific recipient Session (spec.md §4.3/§4.4 send exact sockets, not
// fan-out-by-room).
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// WritePump is the sole writer for c.Conn (spec.md §5 "single writer per
// socket"), adapted from the teacher's WebsocketClient.WritePump.
func (c *Client) WritePump() {
	defer c.Conn.Close()
	for message := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("signaling: write error for %s: %v", c.ID, err)
			return
		}
	}
}

// Serve upgrades r into a WebSocket connection, registers it with hub,
// and runs its read loop (blocking) routing every frame through d. It
// always runs leaveRoom semantics on disconnect, regardless of whether
// the browser sent an explicit leaveRoom first (spec.md §9 Open Question
// decision — see DESIGN.md).
func Serve(hub *Hub, d *Dispatcher, w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("signaling: upgrade failed: %v", err)
		return
	}

	c := &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, 256),
	}
	hub.add(c)
	go c.WritePump()

	readLoop(d, c)

	d.onDisconnect(c)
	hub.remove(c)
	close(c.Send)
}

func readLoop(d *Dispatcher, c *Client) {
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		d.Handle(c, message)
	}
}
