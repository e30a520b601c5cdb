package collab

import (
	"collabcore/backend/internal/protocol"
)

// state is the client-local CollaborationState aggregate. It is rebuilt from
// scratch on every join and mutated only under Client.mu: transport callbacks
// and UI-facing calls funnel through the same lock, so transitions are
// linearizable in arrival order.
type state struct {
	session      *protocol.Session
	isConnecting bool
	isConnected  bool

	peers map[string]*protocol.Peer

	documentVersion uint64
	pendingOps      []protocol.CodeOperation
	localTyping     bool

	chatMessages []protocol.ChatMessage
	unreadCount  int

	syncStatus protocol.SyncStatus
	quality    protocol.Quality
}

func newState() state {
	return state{
		peers:      make(map[string]*protocol.Peer),
		syncStatus: protocol.SyncOffline,
		quality:    protocol.QualityDisconnected,
	}
}

// Snapshot is a copy of the aggregate for the UI; mutating it has no effect
// on the live state.
type Snapshot struct {
	Session           *protocol.Session
	IsConnecting      bool
	IsConnected       bool
	Peers             []protocol.Peer
	DocumentVersion   uint64
	PendingOps        []protocol.CodeOperation
	LocalTyping       bool
	ChatMessages      []protocol.ChatMessage
	UnreadCount       int
	SyncStatus        protocol.SyncStatus
	ConnectionQuality protocol.Quality
}

func (s *state) snapshot() Snapshot {
	snap := Snapshot{
		IsConnecting:      s.isConnecting,
		IsConnected:       s.isConnected,
		DocumentVersion:   s.documentVersion,
		LocalTyping:       s.localTyping,
		UnreadCount:       s.unreadCount,
		SyncStatus:        s.syncStatus,
		ConnectionQuality: s.quality,
	}
	if s.session != nil {
		sess := *s.session
		snap.Session = &sess
	}
	snap.Peers = make([]protocol.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		snap.Peers = append(snap.Peers, *p)
	}
	snap.PendingOps = append([]protocol.CodeOperation(nil), s.pendingOps...)
	snap.ChatMessages = append([]protocol.ChatMessage(nil), s.chatMessages...)
	return snap
}
