// Package hub owns the set of live websocket connections, the per-session
// rooms, and the always-on admin audience.
package hub

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection is one live duplex connection. Outbound frames go through the
// buffered Send channel; a full buffer marks the client too slow and drops it.
type Connection struct {
	ID        string
	SessionID string
	Admin     bool

	Conn *websocket.Conn
	Send chan []byte

	closeOnce sync.Once
	writeMu   sync.Mutex
}

// WriteMessage serializes concurrent writers on the underlying conn.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Connection) SetWriteDeadline(t time.Time) error { return c.Conn.SetWriteDeadline(t) }
func (c *Connection) SetReadDeadline(t time.Time) error  { return c.Conn.SetReadDeadline(t) }

func (c *Connection) Close() error { return c.Conn.Close() }

// Hub keeps two explicit mappings: connection id -> Connection (ephemeral)
// and session id -> set of live connection ids (the room). Sessions outlive
// rooms; an empty room simply means nobody is listening right now.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]map[string]bool
	admins      map[string]bool
}

func New() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]bool),
		admins:      make(map[string]bool),
	}
}

// NewConnection wraps a websocket conn; the caller still has to Register it.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, 256),
	}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID] = conn
	if conn.Admin {
		h.admins[conn.ID] = true
	}
}

// Unregister drops the connection from its room and the admin audience and
// closes its send channel. Idempotent.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; ok {
		delete(h.connections, conn.ID)
		delete(h.admins, conn.ID)
		h.leaveRoomLocked(conn)
	}
	h.mu.Unlock()

	conn.closeOnce.Do(func() { close(conn.Send) })
}

// JoinRoom binds the connection to a session's room, leaving any prior one.
func (h *Hub) JoinRoom(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveRoomLocked(conn)
	conn.SessionID = sessionID
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[string]bool)
	}
	h.rooms[sessionID][conn.ID] = true
}

func (h *Hub) leaveRoomLocked(conn *Connection) {
	if conn.SessionID == "" {
		return
	}
	if room := h.rooms[conn.SessionID]; room != nil {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(h.rooms, conn.SessionID)
		}
	}
}

// BroadcastRoom delivers data to every connection in the session's room.
// Zero members is a no-op, not an error.
func (h *Hub) BroadcastRoom(sessionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.rooms[sessionID] {
		h.sendLocked(connID, data)
	}
}

// BroadcastAdmins delivers data to every admin connection.
func (h *Hub) BroadcastAdmins(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.admins {
		h.sendLocked(connID, data)
	}
}

// Send queues data to one connection, dropping it when the buffer is full.
// No-op once the connection has been unregistered.
func (h *Hub) Send(conn *Connection, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendLocked(conn.ID, data)
}

func (h *Hub) sendLocked(connID string, data []byte) {
	conn, ok := h.connections[connID]
	if !ok {
		return
	}
	select {
	case conn.Send <- data:
	default:
		log.Printf("hub: send buffer full conn=%s session=%s, dropping connection", conn.ID, conn.SessionID)
		go h.Unregister(conn)
	}
}

// RoomSize reports the number of live connections in a session's room.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
