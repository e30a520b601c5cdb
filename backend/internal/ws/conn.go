package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/protocol"
	"collabcore/backend/internal/relay"
	"collabcore/backend/internal/store"
)

const (
	presenceTTL  = 600 * time.Second
	cursorTTL    = 600 * time.Second
	pingInterval = 15 * time.Second
	submitBudget = 200 * time.Millisecond
)

// Conn is one client socket on the relay.
type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	sessionID string
	userID    string
	username  string

	send chan protocol.Envelope
	done chan struct{}

	engine    *relay.Engine
	sessions  *store.SessionStore
	snapshots *store.SnapshotStore
	sem       *relay.Semaphore
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string,
	engine *relay.Engine, sessions *store.SessionStore, snapshots *store.SnapshotStore,
	sem *relay.Semaphore) *Conn {
	return &Conn{
		ws:        ws,
		hub:       hub,
		userID:    userID,
		username:  username,
		send:      make(chan protocol.Envelope, 32),
		done:      make(chan struct{}),
		engine:    engine,
		sessions:  sessions,
		snapshots: snapshots,
		sem:       sem,
	}
}

// enqueue never blocks; a full queue drops the frame.
func (c *Conn) enqueue(env protocol.Envelope) {
	select {
	case c.send <- env:
	default:
	}
}

func (c *Conn) reply(msg protocol.Message) {
	env, err := protocol.Seal(msg)
	if err != nil {
		log.Printf("ws: seal %s: %v", msg.MessageType(), err)
		return
	}
	c.enqueue(env)
}

func (c *Conn) readLoop(ctx context.Context) {
	// send is never closed: the write loop stops through done, so a hub
	// broadcast racing this teardown can never hit a closed channel.
	defer func() {
		c.teardown(ctx)
		close(c.done)
	}()
	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			log.Printf("ws: read error (user=%s, session=%s): %v", c.userID, c.sessionID, err)
			return
		}
		msg, err := protocol.Decode(env)
		if err != nil {
			log.Printf("ws: drop frame from user=%s: %v", c.userID, err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Join:
			c.handleJoin(ctx, m)
		case protocol.Leave:
			c.handleLeave(ctx)
		case protocol.Operation:
			c.handleOperation(ctx, m)
		case protocol.CursorUpdate:
			c.handleCursor(ctx, m)
		case protocol.SelectionUpdate:
			c.handleSelection(ctx, m)
		case protocol.Chat:
			// chat bypasses the operation log and the version counter
			c.hub.BroadcastAll(c.sessionID, m)
		case protocol.Pong:
			c.handlePong(m)
		case protocol.Ping:
			c.reply(protocol.Pong{SentAt: m.SentAt})
		default:
			// server-originated types arriving inbound are ignored
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

// pingLoop measures round-trip per connection; handlePong turns the echo into
// a connection-quality push.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.reply(protocol.Ping{SentAt: time.Now()})
		}
	}
}

func (c *Conn) handlePong(m protocol.Pong) {
	rtt := time.Since(m.SentAt)
	quality := protocol.QualityPoor
	switch {
	case rtt < 100*time.Millisecond:
		quality = protocol.QualityExcellent
	case rtt < 300*time.Millisecond:
		quality = protocol.QualityGood
	}
	c.reply(protocol.ConnectionQuality{Quality: quality})
}

func (c *Conn) handleJoin(ctx context.Context, m protocol.Join) {
	rec, parts, err := c.sessions.Get(ctx, m.SessionID)
	if err != nil {
		log.Printf("ws: join %s by user=%s: %v", m.SessionID, c.userID, err)
		return
	}
	if !rec.IsActive {
		log.Printf("ws: join rejected, session %s ended", m.SessionID)
		return
	}

	perm, err := c.sessions.PermissionOf(ctx, m.SessionID, c.userID)
	if errors.Is(err, store.ErrParticipantNotFound) {
		perm = protocol.PermissionWrite
		if err := c.sessions.AddParticipant(ctx, m.SessionID, c.userID, perm); err != nil {
			log.Printf("ws: add participant: %v", err)
			return
		}
		parts = append(parts, store.ParticipantRecord{SessionID: m.SessionID, UserID: c.userID})
	} else if err != nil {
		log.Printf("ws: permission lookup: %v", err)
		return
	}

	// switching rooms on one socket leaves the old room first
	if c.sessionID != "" && c.sessionID != m.SessionID {
		c.handleLeave(ctx)
	}
	c.sessionID = m.SessionID

	color := collab.PeerColor(c.userID)
	if err := c.hub.presence.AddMember(ctx, c.sessionID, c.userID, c.username, color, presenceTTL); err != nil {
		log.Printf("ws: presence add: %v", err)
	}
	c.hub.Join(c.sessionID, c)

	participants := make([]string, 0, len(parts))
	for _, p := range parts {
		participants = append(participants, p.UserID)
	}
	session := protocol.Session{
		ID:           rec.ID,
		Name:         rec.Name,
		FileID:       rec.FileID,
		CreatedBy:    rec.CreatedBy,
		Participants: participants,
		IsActive:     rec.IsActive,
		Permissions:  perm,
	}

	c.reply(protocol.SessionJoined{Session: session, Peers: c.livePeers(ctx)})
	c.reply(protocol.SyncCompleted{Version: c.engine.CurrentRevision(c.sessionID)})

	self := protocol.Peer{
		UserID:          c.userID,
		Name:            c.username,
		Color:           color,
		LastActive:      time.Now(),
		ConnectionState: "connected",
	}
	c.hub.BroadcastOthers(c.sessionID, c, protocol.PeerJoined{Peer: self})
}

// livePeers builds the peer list from the presence cache, with any stored
// cursor/selection attached.
func (c *Conn) livePeers(ctx context.Context) []protocol.Peer {
	members, err := c.hub.presence.AliveMembers(ctx, c.sessionID)
	if err != nil {
		log.Printf("ws: alive members: %v", err)
		return nil
	}
	peers := make([]protocol.Peer, 0, len(members))
	for _, m := range members {
		if m.UserID == c.userID {
			continue
		}
		peer := protocol.Peer{
			UserID:          m.UserID,
			Name:            m.Username,
			Color:           m.Color,
			LastActive:      time.Now(),
			ConnectionState: "connected",
		}
		if raw, err := c.hub.presence.GetCursor(ctx, c.sessionID, m.UserID); err == nil {
			var pos protocol.Position
			if json.Unmarshal(raw, &pos) == nil {
				peer.Cursor = &pos
			}
		}
		if raw, err := c.hub.presence.GetSelection(ctx, c.sessionID, m.UserID); err == nil {
			var sel protocol.SelectionRange
			if json.Unmarshal(raw, &sel) == nil {
				peer.Selection = &sel
			}
		}
		peers = append(peers, peer)
	}
	return peers
}

func (c *Conn) handleLeave(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	sessionID := c.sessionID
	c.sessionID = ""
	c.hub.BroadcastOthers(sessionID, c, protocol.PeerLeft{UserID: c.userID})
	if err := c.hub.presence.RemoveMember(ctx, sessionID, c.userID); err != nil {
		log.Printf("ws: presence remove: %v", err)
	}
	if remaining := c.hub.Leave(sessionID, c); remaining == 0 {
		c.persistAndDrop(ctx, sessionID)
	}
}

// persistAndDrop snapshots the emptied session's op ring and frees its
// in-memory state.
func (c *Conn) persistAndDrop(ctx context.Context, sessionID string) {
	rev, ops, err := c.engine.Snapshot(sessionID)
	if err != nil {
		log.Printf("ws: snapshot %s: %v", sessionID, err)
	} else if rev > 0 && c.snapshots != nil {
		if err := c.snapshots.SaveSessionSnapshot(ctx, sessionID, rev, ops); err != nil {
			log.Printf("ws: save snapshot %s rev=%d: %v", sessionID, rev, err)
		}
	}
	c.engine.Drop(sessionID)
}

func (c *Conn) handleOperation(ctx context.Context, m protocol.Operation) {
	if c.sessionID == "" {
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, submitBudget)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		log.Printf("ws: submit rejected (user=%s): %v", c.userID, err)
		return
	}
	defer func() { _ = c.sem.Release() }()

	op := m.CodeOperation
	op.UserID = c.userID
	applied, err := c.engine.Apply(submitCtx, c.sessionID, op)
	if err != nil {
		log.Printf("ws: apply op %s: %v", op.ID, err)
		return
	}
	// refresh liveness on every edit
	_ = c.hub.presence.AddMember(ctx, c.sessionID, c.userID, c.username, collab.PeerColor(c.userID), presenceTTL)

	// the version-stamped ack for the author, the operation for everyone else
	c.reply(protocol.SyncCompleted{Version: applied.Version})
	c.hub.BroadcastOthers(c.sessionID, c, protocol.Operation{CodeOperation: applied})
}

func (c *Conn) handleCursor(ctx context.Context, m protocol.CursorUpdate) {
	if c.sessionID == "" {
		return
	}
	m.UserID = c.userID
	if m.Cursor != nil {
		if raw, err := json.Marshal(m.Cursor); err == nil {
			_ = c.hub.presence.SetCursor(ctx, c.sessionID, c.userID, raw, cursorTTL)
		}
	}
	c.hub.BroadcastOthers(c.sessionID, c, m)
}

func (c *Conn) handleSelection(ctx context.Context, m protocol.SelectionUpdate) {
	if c.sessionID == "" {
		return
	}
	m.UserID = c.userID
	if m.Selection != nil {
		if raw, err := json.Marshal(m.Selection); err == nil {
			_ = c.hub.presence.SetSelection(ctx, c.sessionID, c.userID, raw, cursorTTL)
		}
	}
	c.hub.BroadcastOthers(c.sessionID, c, m)
}

// teardown treats a dead socket like a leave so the room never holds ghosts.
func (c *Conn) teardown(ctx context.Context) {
	c.handleLeave(ctx)
}
