package collab

import (
	"time"

	"collabcore/backend/internal/protocol"
)

// upsertPeer replaces any stale entry with the same userId. Color is always
// reassigned from the deterministic hash so a server-supplied blank never
// leaks through. Caller holds c.mu.
func (c *Client) upsertPeer(p protocol.Peer) {
	p.Color = PeerColor(p.UserID)
	if p.LastActive.IsZero() {
		p.LastActive = time.Now()
	}
	if p.ConnectionState == "" {
		p.ConnectionState = "connected"
	}
	peer := p
	c.st.peers[p.UserID] = &peer
}

// applyCursor patches the named peer's cursor and refreshes liveness.
// Caller holds c.mu.
func (c *Client) applyCursor(m protocol.CursorUpdate) {
	p, ok := c.st.peers[m.UserID]
	if !ok {
		return
	}
	p.Cursor = m.Cursor
	p.LastActive = time.Now()
}

// applySelection patches the named peer's selection and refreshes liveness.
// Caller holds c.mu.
func (c *Client) applySelection(m protocol.SelectionUpdate) {
	p, ok := c.st.peers[m.UserID]
	if !ok {
		return
	}
	p.Selection = m.Selection
	p.LastActive = time.Now()
}

// UpdateCursor broadcasts the local cursor position. Fire-and-forget.
func (c *Client) UpdateCursor(pos *protocol.Position) error {
	c.mu.Lock()
	self := c.self.UserID
	active := c.st.session != nil
	c.mu.Unlock()
	if !active {
		return ErrNoActiveSession
	}
	return c.ch.Send(protocol.CursorUpdate{UserID: self, Cursor: pos})
}

// UpdateSelection broadcasts the local selection range. Fire-and-forget.
func (c *Client) UpdateSelection(sel *protocol.SelectionRange) error {
	c.mu.Lock()
	self := c.self.UserID
	active := c.st.session != nil
	c.mu.Unlock()
	if !active {
		return ErrNoActiveSession
	}
	return c.ch.Send(protocol.SelectionUpdate{UserID: self, Selection: sel})
}

// markLocalTyping flips the local typing indicator on and (re)arms the
// debounce timer. Resetting on every operation makes the timer fire once per
// edit burst rather than once per keystroke. Caller holds c.mu.
func (c *Client) markLocalTyping() {
	c.st.localTyping = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.typingWindow, func() {
		c.mu.Lock()
		c.st.localTyping = false
		c.mu.Unlock()
	})
}
