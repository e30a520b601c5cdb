package ws

import (
	"log"
	"sync"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/protocol"
)

// Hub tracks which connections sit in which session room. Rooms hold
// connections, not user ids: one user can hold several sockets (tabs,
// devices) and a broadcast must reach each one.
type Hub struct {
	presence cache.PresenceCache

	mu sync.RWMutex
	// sessionID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

// Leave removes the connection and reports how many remain in the room.
func (h *Hub) Leave(sessionID string, c *Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[sessionID]
	if !ok {
		return 0
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, sessionID)
		return 0
	}
	return len(conns)
}

// Rooms lists the session ids with at least one live connection.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

// BroadcastOthers fans a message out to every connection in the room except
// the sender.
func (h *Hub) BroadcastOthers(sessionID string, sender *Conn, msg protocol.Message) {
	h.broadcast(sessionID, sender, msg)
}

// BroadcastAll fans a message out to the whole room, the sender included.
func (h *Hub) BroadcastAll(sessionID string, msg protocol.Message) {
	h.broadcast(sessionID, nil, msg)
}

func (h *Hub) broadcast(sessionID string, skip *Conn, msg protocol.Message) {
	env, err := protocol.Seal(msg)
	if err != nil {
		log.Printf("ws: seal %s: %v", msg.MessageType(), err)
		return
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		if c != skip {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(env)
	}
}
