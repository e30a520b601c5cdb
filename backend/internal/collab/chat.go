package collab

import (
	"time"

	"github.com/google/uuid"

	"collabcore/backend/internal/protocol"
)

// SendChatMessage constructs the message, appends it to local history before
// any acknowledgement and transmits it. Intentionally at-most-once with no
// rollback: a failed send leaves the message visible locally.
func (c *Client) SendChatMessage(content string, kind protocol.ChatKind, codeLanguage string) (protocol.ChatMessage, error) {
	c.mu.Lock()
	if c.st.session == nil {
		c.mu.Unlock()
		return protocol.ChatMessage{}, ErrNoActiveSession
	}
	msg := protocol.ChatMessage{
		ID:           uuid.NewString(),
		UserID:       c.self.UserID,
		UserName:     c.self.Name,
		Content:      content,
		Timestamp:    time.Now().UTC(),
		Kind:         kind,
		CodeLanguage: codeLanguage,
	}
	c.st.chatMessages = append(c.st.chatMessages, msg)
	c.mu.Unlock()

	return msg, c.ch.Send(protocol.Chat{ChatMessage: msg})
}

// applyChat appends an incoming message to history. The unread counter bumps
// only for other users' messages: a self-echo is suppressed, not the append.
// Caller holds c.mu.
func (c *Client) applyChat(msg protocol.ChatMessage) {
	c.st.chatMessages = append(c.st.chatMessages, msg)
	if msg.UserID == c.self.UserID {
		return
	}
	c.st.unreadCount++
	if p, ok := c.st.peers[msg.UserID]; ok {
		p.LastActive = time.Now()
	}
}

// ClearUnread zeroes the counter; messages carry no per-message read state.
func (c *Client) ClearUnread() {
	c.mu.Lock()
	c.st.unreadCount = 0
	c.mu.Unlock()
}
