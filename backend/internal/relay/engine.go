package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"collabcore/backend/internal/protocol"
)

// sessionState is one live session's relay-side state.
type sessionState struct {
	mu       sync.RWMutex
	revision uint64
	// ring of recent applied ops for catch-up after reconnect
	opsRing []protocol.CodeOperation
}

// Engine advances each session's document version and fans applied operations
// out to the audit stream. Conflict policy is last-applied-wins: an operation
// carrying a stale version is not rejected or transformed, the revision just
// keeps moving forward.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	ringCap  int

	dispatcher *Dispatcher
}

func NewEngine(dispatcher *Dispatcher) *Engine {
	return &Engine{
		sessions:   make(map[string]*sessionState),
		ringCap:    1024,
		dispatcher: dispatcher,
	}
}

func (e *Engine) getOrCreate(sessionID string) *sessionState {
	e.mu.RLock()
	ss := e.sessions[sessionID]
	e.mu.RUnlock()
	if ss != nil {
		return ss
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ss = e.sessions[sessionID]; ss == nil {
		ss = &sessionState{opsRing: make([]protocol.CodeOperation, 0, e.ringCap)}
		e.sessions[sessionID] = ss
	}
	return ss
}

// Apply stamps the operation with the next authoritative revision and queues
// the audit event. Returns the stamped operation.
func (e *Engine) Apply(ctx context.Context, sessionID string, op protocol.CodeOperation) (protocol.CodeOperation, error) {
	ss := e.getOrCreate(sessionID)
	ss.mu.Lock()
	if op.Version > ss.revision {
		ss.revision = op.Version
	}
	ss.revision++
	op.Version = ss.revision
	if cap(ss.opsRing) > 0 && len(ss.opsRing) == cap(ss.opsRing) {
		copy(ss.opsRing[0:], ss.opsRing[1:])
		ss.opsRing = ss.opsRing[:len(ss.opsRing)-1]
	}
	ss.opsRing = append(ss.opsRing, op)
	ss.mu.Unlock()

	if e.dispatcher != nil {
		evt := OpEvent{
			EventType:   "OP_APPLIED",
			SessionID:   sessionID,
			OperationID: op.ID,
			Revision:    op.Version,
			UserID:      op.UserID,
			OpType:      string(op.Type),
			AppliedAt:   time.Now(),
		}
		// best effort; the submit path never fails on audit backpressure
		_ = e.dispatcher.Enqueue(ctx, evt)
	}
	return op, nil
}

// CurrentRevision reports the session's latest applied version.
func (e *Engine) CurrentRevision(sessionID string) uint64 {
	e.mu.RLock()
	ss := e.sessions[sessionID]
	e.mu.RUnlock()
	if ss == nil {
		return 0
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.revision
}

// OpsSince returns applied operations newer than fromVersion, oldest first.
func (e *Engine) OpsSince(sessionID string, fromVersion uint64, limit int) []protocol.CodeOperation {
	e.mu.RLock()
	ss := e.sessions[sessionID]
	e.mu.RUnlock()
	if ss == nil {
		return nil
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	var out []protocol.CodeOperation
	for _, op := range ss.opsRing {
		if op.Version > fromVersion {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Snapshot serializes the recent op ring with its revision for persistence.
func (e *Engine) Snapshot(sessionID string) (uint64, []byte, error) {
	e.mu.RLock()
	ss := e.sessions[sessionID]
	e.mu.RUnlock()
	if ss == nil {
		return 0, nil, nil
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	b, err := json.Marshal(ss.opsRing)
	if err != nil {
		return 0, nil, err
	}
	return ss.revision, b, nil
}

// Drop forgets a session's in-memory state once its room empties.
func (e *Engine) Drop(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}
