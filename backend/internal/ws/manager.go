package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabcore/backend/internal/relay"
	"collabcore/backend/internal/store"
)

// upgrader allows local-development origins.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub       *Hub
	engine    *relay.Engine
	sessions  *store.SessionStore
	snapshots *store.SnapshotStore
	sem       *relay.Semaphore
}

func NewManager(hub *Hub, engine *relay.Engine, sessions *store.SessionStore,
	snapshots *store.SnapshotStore, sem *relay.Semaphore) *Manager {
	return &Manager{hub: hub, engine: engine, sessions: sessions, snapshots: snapshots, sem: sem}
}

// WebSocketConnect upgrades an authenticated request and runs the connection
// loops until the socket closes.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, userID, username, m.engine, m.sessions, m.snapshots, m.sem)

	// the write loop must run before anything is enqueued
	go wsConn.writeLoop()
	go wsConn.pingLoop()
	wsConn.readLoop(c.Request.Context())
}
