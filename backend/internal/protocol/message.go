package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire message types. One constant per envelope type; Decode refuses anything
// outside this set so every consumer switch stays exhaustive.
const (
	TypeJoin            = "collab.join"
	TypeLeave           = "collab.leave"
	TypeOperation       = "collab.operation"
	TypeCursorUpdate    = "collab.cursor.update"
	TypeSelectionUpdate = "collab.selection.update"
	TypeChatMessage     = "collab.chat.message"
	TypeSessionJoined   = "collab.session.joined"
	TypePeerJoined      = "collab.peer.joined"
	TypePeerLeft        = "collab.peer.left"
	TypeSyncProgress    = "collab.sync.progress"
	TypeSyncCompleted   = "collab.sync.completed"
	TypeQuality         = "collab.connection.quality"
	TypePing            = "collab.ping"
	TypePong            = "collab.pong"
)

// Envelope is the raw wire frame: { type, payload, timestamp }.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Message is the decoded form of one envelope. The unexported method seals the
// set of implementations to this package, one per wire type.
type Message interface {
	MessageType() string
	isMessage()
}

type Join struct {
	SessionID string `json:"sessionId"`
}

type Leave struct {
	SessionID string `json:"sessionId"`
}

// Operation wraps a CodeOperation envelope payload.
type Operation struct {
	CodeOperation
}

type CursorUpdate struct {
	UserID string    `json:"userId"`
	Cursor *Position `json:"cursor"`
}

type SelectionUpdate struct {
	UserID    string          `json:"userId"`
	Selection *SelectionRange `json:"selection"`
}

// Chat wraps a ChatMessage envelope payload.
type Chat struct {
	ChatMessage
}

type SessionJoined struct {
	Session Session `json:"session"`
	Peers   []Peer  `json:"peers"`
}

type PeerJoined struct {
	Peer
}

type PeerLeft struct {
	UserID string `json:"userId"`
}

type SyncProgress struct {
	Version uint64 `json:"version"`
}

type SyncCompleted struct {
	Version uint64 `json:"version"`
}

type ConnectionQuality struct {
	Quality Quality `json:"quality"`
}

type Ping struct {
	SentAt time.Time `json:"sentAt"`
}

type Pong struct {
	SentAt time.Time `json:"sentAt"`
}

func (Join) MessageType() string              { return TypeJoin }
func (Leave) MessageType() string             { return TypeLeave }
func (Operation) MessageType() string         { return TypeOperation }
func (CursorUpdate) MessageType() string      { return TypeCursorUpdate }
func (SelectionUpdate) MessageType() string   { return TypeSelectionUpdate }
func (Chat) MessageType() string              { return TypeChatMessage }
func (SessionJoined) MessageType() string     { return TypeSessionJoined }
func (PeerJoined) MessageType() string        { return TypePeerJoined }
func (PeerLeft) MessageType() string          { return TypePeerLeft }
func (SyncProgress) MessageType() string      { return TypeSyncProgress }
func (SyncCompleted) MessageType() string     { return TypeSyncCompleted }
func (ConnectionQuality) MessageType() string { return TypeQuality }
func (Ping) MessageType() string              { return TypePing }
func (Pong) MessageType() string              { return TypePong }

func (Join) isMessage()              {}
func (Leave) isMessage()             {}
func (Operation) isMessage()         {}
func (CursorUpdate) isMessage()      {}
func (SelectionUpdate) isMessage()   {}
func (Chat) isMessage()              {}
func (SessionJoined) isMessage()     {}
func (PeerJoined) isMessage()        {}
func (PeerLeft) isMessage()          {}
func (SyncProgress) isMessage()      {}
func (SyncCompleted) isMessage()     {}
func (ConnectionQuality) isMessage() {}
func (Ping) isMessage()              {}
func (Pong) isMessage()              {}

// ErrUnknownType reports an envelope type outside the protocol set.
type ErrUnknownType struct {
	Type string
}

func (e ErrUnknownType) Error() string {
	return fmt.Sprintf("protocol: unknown message type %q", e.Type)
}

// Seal wraps a decoded message back into a timestamped envelope.
func Seal(msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      msg.MessageType(),
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Decode turns a raw envelope into its typed message.
func Decode(env Envelope) (Message, error) {
	var msg Message
	switch env.Type {
	case TypeJoin:
		msg = &Join{}
	case TypeLeave:
		msg = &Leave{}
	case TypeOperation:
		msg = &Operation{}
	case TypeCursorUpdate:
		msg = &CursorUpdate{}
	case TypeSelectionUpdate:
		msg = &SelectionUpdate{}
	case TypeChatMessage:
		msg = &Chat{}
	case TypeSessionJoined:
		msg = &SessionJoined{}
	case TypePeerJoined:
		msg = &PeerJoined{}
	case TypePeerLeft:
		msg = &PeerLeft{}
	case TypeSyncProgress:
		msg = &SyncProgress{}
	case TypeSyncCompleted:
		msg = &SyncCompleted{}
	case TypeQuality:
		msg = &ConnectionQuality{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	default:
		return nil, ErrUnknownType{Type: env.Type}
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s payload: %w", env.Type, err)
		}
	}
	return deref(msg), nil
}

// deref returns the value form so callers can switch on concrete types
// without pointer cases.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Join:
		return *m
	case *Leave:
		return *m
	case *Operation:
		return *m
	case *CursorUpdate:
		return *m
	case *SelectionUpdate:
		return *m
	case *Chat:
		return *m
	case *SessionJoined:
		return *m
	case *PeerJoined:
		return *m
	case *PeerLeft:
		return *m
	case *SyncProgress:
		return *m
	case *SyncCompleted:
		return *m
	case *ConnectionQuality:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	}
	return msg
}
