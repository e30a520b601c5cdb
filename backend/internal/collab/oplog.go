package collab

import (
	"time"

	"github.com/google/uuid"

	"collabcore/backend/internal/protocol"
)

// OperationDraft is the caller's view of one edit before stamping.
type OperationDraft struct {
	Type     protocol.OperationType
	Position protocol.Position
	Text     string
	Length   int
}

// SendOperation stamps a locally-unique id, the local identity and the
// current document version onto the edit, appends it to the pending queue and
// transmits it. No conflict detection or rebase happens here: convergence
// under concurrent conflicting edits is last-applied-wins on the shared
// version counter.
func (c *Client) SendOperation(draft OperationDraft) (protocol.CodeOperation, error) {
	c.mu.Lock()
	if c.st.session == nil {
		c.mu.Unlock()
		return protocol.CodeOperation{}, ErrNoActiveSession
	}
	op := protocol.CodeOperation{
		ID:        uuid.NewString(),
		Type:      draft.Type,
		Position:  draft.Position,
		Text:      draft.Text,
		Length:    draft.Length,
		Version:   c.st.documentVersion,
		UserID:    c.self.UserID,
		Timestamp: time.Now().UTC(),
	}
	c.st.pendingOps = append(c.st.pendingOps, op)
	c.markLocalTyping()
	c.mu.Unlock()

	return op, c.ch.Send(protocol.Operation{CodeOperation: op})
}

// applyRemoteOperation advances the document version to the operation's
// version (never backwards) and clears the originating peer's typing state.
// The local user's own echo acknowledges the matching pending entry instead.
// Caller holds c.mu.
func (c *Client) applyRemoteOperation(op protocol.CodeOperation) {
	if op.Version > c.st.documentVersion {
		c.st.documentVersion = op.Version
	}
	if op.UserID == c.self.UserID {
		c.ackPending(op.ID)
		return
	}
	if p, ok := c.st.peers[op.UserID]; ok {
		p.IsTyping = false
		p.LastActive = time.Now()
	}
}

// ackPending drops the pending entry with the given id. Caller holds c.mu.
func (c *Client) ackPending(id string) {
	for i, pending := range c.st.pendingOps {
		if pending.ID == id {
			c.st.pendingOps = append(c.st.pendingOps[:i], c.st.pendingOps[i+1:]...)
			return
		}
	}
}

// applySyncCompleted adopts the server-declared version as ground truth and
// clears the pending queue; the server is authoritative over any local
// bookkeeping. The version counter never moves backwards within a session.
// Caller holds c.mu.
func (c *Client) applySyncCompleted(m protocol.SyncCompleted) {
	if m.Version > c.st.documentVersion {
		c.st.documentVersion = m.Version
	}
	c.st.pendingOps = c.st.pendingOps[:0]
	c.st.syncStatus = protocol.SyncSynced
}
