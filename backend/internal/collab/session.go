package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"collabcore/backend/internal/protocol"
)

var (
	ErrNoActiveSession = errors.New("collab: no active session")
	ErrSessionActive   = errors.New("collab: a session is already active")
)

// typingWindow is the debounce before the local typing indicator clears when
// no further operation arrives.
const typingWindow = 2 * time.Second

// Transport is the duplex channel the client core speaks over. Satisfied by
// transport.Channel.
type Transport interface {
	Connect(ctx context.Context) error
	Send(msg protocol.Message) error
	Disconnect()
	Reconnect() error
	OnMessage(h func(protocol.Message))
	OnReconnect(h func())
	OnDisconnected(h func())
	IsConnected() bool
}

// Client owns the lifecycle of one collaboration session and the local
// identity. Exactly one session is active at a time.
type Client struct {
	api API
	ch  Transport

	mu           sync.Mutex
	st           state
	self         Identity
	typingTimer  *time.Timer
	typingWindow time.Duration
}

func NewClient(api API, ch Transport) *Client {
	c := &Client{
		api:          api,
		ch:           ch,
		st:           newState(),
		typingWindow: typingWindow,
	}
	ch.OnMessage(c.handleMessage)
	ch.OnReconnect(c.rejoin)
	ch.OnDisconnected(c.handleDisconnected)
	return c
}

// handleDisconnected reflects an exhausted transport into the aggregate: the
// session record is kept so an explicit Reconnect can re-join, but the view
// must say the socket is dead.
func (c *Client) handleDisconnected() {
	c.mu.Lock()
	c.st.isConnected = false
	c.st.isConnecting = false
	c.st.quality = protocol.QualityDisconnected
	c.st.syncStatus = protocol.SyncOffline
	c.mu.Unlock()
}

// CreateSession allocates a session record through the REST collaborator and
// joins it.
func (c *Client) CreateSession(ctx context.Context, name, fileID string) (protocol.Session, error) {
	sess, err := c.api.CreateSession(ctx, name, fileID)
	if err != nil {
		return protocol.Session{}, err
	}
	if err := c.JoinSession(ctx, sess.ID); err != nil {
		return protocol.Session{}, err
	}
	return sess, nil
}

// JoinSession resolves the local identity, connects the transport and sends
// collab.join. The terminal success transition is driven by the inbound
// collab.session.joined message, not by this call returning.
func (c *Client) JoinSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.st.session != nil && c.st.session.ID != sessionID {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.mu.Unlock()

	ident, err := c.api.CurrentUser(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.self = ident
	c.st = newState()
	c.st.isConnecting = true
	c.st.session = &protocol.Session{ID: sessionID}
	c.mu.Unlock()

	if !c.ch.IsConnected() {
		if err := c.ch.Connect(ctx); err != nil {
			c.mu.Lock()
			c.st.isConnecting = false
			c.mu.Unlock()
			return err
		}
	}
	return c.ch.Send(protocol.Join{SessionID: sessionID})
}

// LeaveSession tears the local view down. The reset happens even when the
// network calls fail: the local intent to leave is authoritative, so no error
// escapes.
func (c *Client) LeaveSession(ctx context.Context) {
	c.mu.Lock()
	sess := c.st.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := c.ch.Send(protocol.Leave{SessionID: sess.ID}); err != nil {
		log.Printf("collab: leave signal failed: %v", err)
	}
	if err := c.api.LeaveSession(ctx, sess.ID); err != nil {
		log.Printf("collab: leave session %s: %v", sess.ID, err)
	}
	c.reset()
}

// EndSession destroys the session server-side and tears down locally, with
// the same unconditional reset as LeaveSession.
func (c *Client) EndSession(ctx context.Context) {
	c.mu.Lock()
	sess := c.st.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := c.ch.Send(protocol.Leave{SessionID: sess.ID}); err != nil {
		log.Printf("collab: leave signal failed: %v", err)
	}
	if err := c.api.EndSession(ctx, sess.ID); err != nil {
		log.Printf("collab: end session %s: %v", sess.ID, err)
	}
	c.reset()
}

// reset restores the pristine idle baseline and clears pending timers so no
// stale callback mutates a torn-down session.
func (c *Client) reset() {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.st = newState()
	c.mu.Unlock()
	c.ch.Disconnect()
}

// rejoin re-subscribes after an automatic reconnect; the server holds no
// session affinity across a new socket.
func (c *Client) rejoin() {
	c.mu.Lock()
	sess := c.st.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := c.ch.Send(protocol.Join{SessionID: sess.ID}); err != nil {
		log.Printf("collab: rejoin %s failed: %v", sess.ID, err)
	}
}

// Reconnect restarts a transport whose automatic retry budget ran out.
func (c *Client) Reconnect() error {
	return c.ch.Reconnect()
}

// InviteParticipant delegates to the REST collaborator; the peer set is
// patched when the invitee's peer.joined arrives.
func (c *Client) InviteParticipant(ctx context.Context, email string, perm protocol.Permission) error {
	c.mu.Lock()
	sess := c.st.session
	c.mu.Unlock()
	if sess == nil {
		return ErrNoActiveSession
	}
	return c.api.Invite(ctx, sess.ID, email, perm)
}

// RemoveParticipant removes a participant server-side and patches the local
// peer set without a full resync.
func (c *Client) RemoveParticipant(ctx context.Context, userID string) error {
	c.mu.Lock()
	sess := c.st.session
	c.mu.Unlock()
	if sess == nil {
		return ErrNoActiveSession
	}
	if err := c.api.RemoveParticipant(ctx, sess.ID, userID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.st.peers, userID)
	c.mu.Unlock()
	return nil
}

// UpdatePermissions changes a participant's access level. When the target is
// the local user the session's own permission field is patched too.
func (c *Client) UpdatePermissions(ctx context.Context, userID string, perm protocol.Permission) error {
	c.mu.Lock()
	sess := c.st.session
	self := c.self.UserID
	c.mu.Unlock()
	if sess == nil {
		return ErrNoActiveSession
	}
	if err := c.api.UpdatePermissions(ctx, sess.ID, userID, perm); err != nil {
		return err
	}
	c.mu.Lock()
	if c.st.session != nil && userID == self {
		c.st.session.Permissions = perm
	}
	c.mu.Unlock()
	return nil
}

// handleMessage is the single serialized inbound dispatch: one case per wire
// type the client consumes.
func (c *Client) handleMessage(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case protocol.SessionJoined:
		c.applySessionJoined(m)
	case protocol.PeerJoined:
		c.upsertPeer(m.Peer)
	case protocol.PeerLeft:
		delete(c.st.peers, m.UserID)
	case protocol.CursorUpdate:
		c.applyCursor(m)
	case protocol.SelectionUpdate:
		c.applySelection(m)
	case protocol.Operation:
		c.applyRemoteOperation(m.CodeOperation)
	case protocol.Chat:
		c.applyChat(m.ChatMessage)
	case protocol.SyncProgress:
		c.st.syncStatus = protocol.SyncSyncing
	case protocol.SyncCompleted:
		c.applySyncCompleted(m)
	case protocol.ConnectionQuality:
		c.st.quality = m.Quality
	case protocol.Ping:
		// Answered off the lock path; Send is non-blocking.
		go func() { _ = c.ch.Send(protocol.Pong{SentAt: m.SentAt}) }()
	case protocol.Pong:
		// Quality is server-derived; nothing to measure here.
	case protocol.Join, protocol.Leave:
		// Client-originated types; a relay never sends these back.
	}
}

func (c *Client) applySessionJoined(m protocol.SessionJoined) {
	sess := m.Session
	c.st.session = &sess
	c.st.peers = make(map[string]*protocol.Peer, len(m.Peers))
	for _, p := range m.Peers {
		if p.UserID == c.self.UserID {
			continue
		}
		c.upsertPeer(p)
	}
	c.st.isConnecting = false
	c.st.isConnected = true
	c.st.syncStatus = protocol.SyncSynced
	c.st.quality = protocol.QualityExcellent
}

// Snapshot returns a copy of the aggregate state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.snapshot()
}

// PeerByID looks one peer up by its stable key.
func (c *Client) PeerByID(userID string) (protocol.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.st.peers[userID]
	if !ok {
		return protocol.Peer{}, false
	}
	return *p, true
}

// Self reports the resolved local identity.
func (c *Client) Self() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}
