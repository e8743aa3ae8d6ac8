// Package websocket provides the broadcast hub backing the Admin API
// (spec.md §6): one Client per connected admin session, a Dispatch hook
// that turns an inbound frame into a reply, and a Broadcast channel that
// pushes one frame to every connected client. The event bus is not wired to
// it; the only entry point is adminapi.Server.Broadcast.
package websocket

import (
	"sync"

	"github.com/gofiber/websocket/v2"

	"github.com/balanzlc/balanz/internal/domain"
)

// Hub owns the set of live admin connections.
type Hub struct {
	clients map[*Client]bool

	// Dispatch handles one inbound frame from a client and returns the
	// reply frame to send back, or nil to send nothing. Set once at
	// construction by the admin server; left nil the hub behaves as a
	// pure broadcast fan-out (inbound frames are read and discarded).
	Dispatch func(c *Client, msg []byte) []byte

	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

// Client is one connected admin WebSocket session. Authentication state
// lives here for the lifetime of the connection so a session JWT need not
// be re-parsed on every frame once Login has succeeded.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	authMu   sync.RWMutex
	userID   string
	role     domain.Role
	loggedIn bool
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast pushes message to every connected admin client (spec.md §4.8
// event bus fan-out: status/offer/transaction notices).
func (h *Hub) Broadcast(message []byte) {
	h.broadcast <- message
}

func (h *Hub) AddClient(conn *websocket.Conn) *Client {
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
	return client
}

// SetSession records a successful Login's outcome for the remaining
// lifetime of this connection.
func (c *Client) SetSession(userID string, role domain.Role) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.userID, c.role, c.loggedIn = userID, role, true
}

func (c *Client) Session() (userID string, role domain.Role, loggedIn bool) {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.userID, c.role, c.loggedIn
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if c.hub.Dispatch == nil {
			continue
		}
		if reply := c.hub.Dispatch(c, msg); reply != nil {
			select {
			case c.send <- reply:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		}
	}
}
