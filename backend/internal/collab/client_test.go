package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabcore/backend/internal/protocol"
	"collabcore/backend/internal/transport"
)

type fakeTransport struct {
	mu             sync.Mutex
	sent           []protocol.Message
	handler        func(protocol.Message)
	onReconnect    func()
	onDisconnected func()
	connected      bool
	sendErr        error
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) Reconnect() error {
	f.mu.Lock()
	f.connected = true
	h := f.onReconnect
	f.mu.Unlock()
	if h != nil {
		h()
	}
	return nil
}

func (f *fakeTransport) OnMessage(h func(protocol.Message)) { f.handler = h }
func (f *fakeTransport) OnReconnect(h func())               { f.onReconnect = h }
func (f *fakeTransport) OnDisconnected(h func())            { f.onDisconnected = h }
func (f *fakeTransport) IsConnected() bool                  { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }
func (f *fakeTransport) deliver(msg protocol.Message)       { f.handler(msg) }

// exhaustRetries simulates the channel giving up on automatic reconnects.
func (f *fakeTransport) exhaustRetries() {
	f.mu.Lock()
	f.connected = false
	h := f.onDisconnected
	f.mu.Unlock()
	if h != nil {
		h()
	}
}
func (f *fakeTransport) sentMessages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

type fakeAPI struct {
	ident       Identity
	created     protocol.Session
	leaveErr    error
	endErr      error
	leaveCalled bool
}

func (f *fakeAPI) CurrentUser(ctx context.Context) (Identity, error) { return f.ident, nil }

func (f *fakeAPI) CreateSession(ctx context.Context, name, fileID string) (protocol.Session, error) {
	f.created = protocol.Session{
		ID: "sess-1", Name: name, FileID: fileID,
		CreatedBy: f.ident.UserID, IsActive: true,
		Participants: []string{f.ident.UserID},
		Permissions:  protocol.PermissionAdmin,
	}
	return f.created, nil
}

func (f *fakeAPI) EndSession(ctx context.Context, sessionID string) error { return f.endErr }

func (f *fakeAPI) LeaveSession(ctx context.Context, sessionID string) error {
	f.leaveCalled = true
	return f.leaveErr
}

func (f *fakeAPI) Invite(ctx context.Context, sessionID, email string, perm protocol.Permission) error {
	return nil
}

func (f *fakeAPI) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	return nil
}

func (f *fakeAPI) UpdatePermissions(ctx context.Context, sessionID, userID string, perm protocol.Permission) error {
	return nil
}

func newTestClient(t *testing.T) (*Client, *fakeTransport, *fakeAPI) {
	t.Helper()
	ft := &fakeTransport{connected: true}
	api := &fakeAPI{ident: Identity{UserID: "u1", Name: "alice"}}
	c := NewClient(api, ft)
	return c, ft, api
}

func joinTestSession(t *testing.T, c *Client, ft *fakeTransport, peers ...protocol.Peer) {
	t.Helper()
	if err := c.JoinSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("JoinSession error: %v", err)
	}
	ft.deliver(protocol.SessionJoined{
		Session: protocol.Session{ID: "sess-1", Name: "algo-review", FileID: "file-42", IsActive: true},
		Peers:   peers,
	})
}

func TestCreateAndJoinSession(t *testing.T) {
	c, ft, api := newTestClient(t)

	sess, err := c.CreateSession(context.Background(), "algo-review", "file-42")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if !sess.IsActive {
		t.Fatal("expected created session to be active")
	}
	if sess.ID != api.created.ID {
		t.Fatalf("expected session id %s, got %s", api.created.ID, sess.ID)
	}

	ft.deliver(protocol.SessionJoined{
		Session: api.created,
		Peers:   []protocol.Peer{{UserID: "u2", Name: "bob"}},
	})

	snap := c.Snapshot()
	if !snap.IsConnected {
		t.Fatal("expected IsConnected after session.joined")
	}
	if len(snap.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(snap.Peers))
	}
	if snap.SyncStatus != protocol.SyncSynced {
		t.Fatalf("expected synced, got %s", snap.SyncStatus)
	}
	if snap.ConnectionQuality != protocol.QualityExcellent {
		t.Fatalf("expected excellent, got %s", snap.ConnectionQuality)
	}
}

func TestPeerSetNoDuplicates(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft)

	ft.deliver(protocol.PeerJoined{Peer: protocol.Peer{UserID: "u2", Name: "bob"}})
	ft.deliver(protocol.PeerJoined{Peer: protocol.Peer{UserID: "u3", Name: "carol"}})
	// rejoin replaces the stale entry
	ft.deliver(protocol.PeerJoined{Peer: protocol.Peer{UserID: "u2", Name: "bobby"}})

	snap := c.Snapshot()
	if len(snap.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(snap.Peers))
	}
	p, ok := c.PeerByID("u2")
	if !ok {
		t.Fatal("expected u2 present")
	}
	if p.Name != "bobby" {
		t.Fatalf("expected upsert to replace entry, got name %q", p.Name)
	}

	ft.deliver(protocol.PeerLeft{UserID: "u2"})
	if _, ok := c.PeerByID("u2"); ok {
		t.Fatal("expected u2 removed")
	}
	if len(c.Snapshot().Peers) != 1 {
		t.Fatal("expected 1 peer after peer.left")
	}
}

func TestPeerColorDeterministic(t *testing.T) {
	first := PeerColor("u2")
	for i := 0; i < 100; i++ {
		if got := PeerColor("u2"); got != first {
			t.Fatalf("color changed: %s vs %s", first, got)
		}
	}
	// stable across a full teardown/rejoin
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft, protocol.Peer{UserID: "u2"})
	before, _ := c.PeerByID("u2")
	c.LeaveSession(context.Background())
	joinTestSession(t, c, ft, protocol.Peer{UserID: "u2"})
	after, _ := c.PeerByID("u2")
	if before.Color != after.Color {
		t.Fatalf("color not stable across rejoin: %s vs %s", before.Color, after.Color)
	}
}

func TestCursorUpdateEndToEnd(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft)

	ft.deliver(protocol.PeerJoined{Peer: protocol.Peer{UserID: "u2", Name: "bob"}})
	ft.deliver(protocol.CursorUpdate{UserID: "u2", Cursor: &protocol.Position{LineNumber: 3, Column: 5}})

	p, ok := c.PeerByID("u2")
	if !ok {
		t.Fatal("expected u2 present")
	}
	if p.Cursor == nil || p.Cursor.LineNumber != 3 || p.Cursor.Column != 5 {
		t.Fatalf("cursor not applied: %+v", p.Cursor)
	}

	ft.deliver(protocol.SelectionUpdate{UserID: "u2", Selection: &protocol.SelectionRange{
		StartLineNumber: 1, StartColumn: 1, EndLineNumber: 2, EndColumn: 4,
	}})
	p, _ = c.PeerByID("u2")
	if p.Selection == nil || p.Selection.EndColumn != 4 {
		t.Fatalf("selection not applied: %+v", p.Selection)
	}
}

func TestLeaveResetsToBaselineEvenOnRESTFailure(t *testing.T) {
	c, ft, api := newTestClient(t)
	api.leaveErr = errors.New("boom")
	joinTestSession(t, c, ft, protocol.Peer{UserID: "u2"})

	if _, err := c.SendChatMessage("hi", protocol.ChatText, ""); err != nil {
		t.Fatalf("SendChatMessage error: %v", err)
	}
	ft.deliver(protocol.Chat{ChatMessage: protocol.ChatMessage{ID: "m9", UserID: "u2", Content: "yo"}})

	c.LeaveSession(context.Background())

	if !api.leaveCalled {
		t.Fatal("expected REST leave to be attempted")
	}
	snap := c.Snapshot()
	if snap.Session != nil {
		t.Fatal("expected nil session after leave")
	}
	if len(snap.Peers) != 0 || len(snap.ChatMessages) != 0 || snap.UnreadCount != 0 {
		t.Fatalf("state not reset: %+v", snap)
	}
	if snap.SyncStatus != protocol.SyncOffline {
		t.Fatalf("expected offline, got %s", snap.SyncStatus)
	}
	if snap.IsConnected {
		t.Fatal("expected disconnected after leave")
	}
}

func TestChatOptimisticAppend(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft)

	ft.sendErr = errors.New("socket gone")
	msg, err := c.SendChatMessage("hello there", protocol.ChatText, "")
	if err == nil {
		t.Fatal("expected send error to surface")
	}
	snap := c.Snapshot()
	if len(snap.ChatMessages) != 1 {
		t.Fatalf("expected optimistic append despite send failure, got %d messages", len(snap.ChatMessages))
	}
	if snap.ChatMessages[0].ID != msg.ID {
		t.Fatal("appended message does not match returned message")
	}
}

func TestUnreadSelfEchoSuppression(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft, protocol.Peer{UserID: "u2"})

	ft.deliver(protocol.Chat{ChatMessage: protocol.ChatMessage{ID: "m1", UserID: "u1", Content: "self"}})
	snap := c.Snapshot()
	if len(snap.ChatMessages) != 1 {
		t.Fatalf("self echo should append, got %d", len(snap.ChatMessages))
	}
	if snap.UnreadCount != 0 {
		t.Fatalf("self echo should not increment unread, got %d", snap.UnreadCount)
	}

	ft.deliver(protocol.Chat{ChatMessage: protocol.ChatMessage{ID: "m2", UserID: "u2", Content: "other"}})
	snap = c.Snapshot()
	if len(snap.ChatMessages) != 2 || snap.UnreadCount != 1 {
		t.Fatalf("expected 2 messages / 1 unread, got %d / %d", len(snap.ChatMessages), snap.UnreadCount)
	}

	c.ClearUnread()
	if c.Snapshot().UnreadCount != 0 {
		t.Fatal("ClearUnread did not zero the counter")
	}
}

func TestDocumentVersionMonotonic(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft, protocol.Peer{UserID: "u2"})

	ft.deliver(protocol.Operation{CodeOperation: protocol.CodeOperation{ID: "a", UserID: "u2", Version: 5}})
	if v := c.Snapshot().DocumentVersion; v != 5 {
		t.Fatalf("expected version 5, got %d", v)
	}
	// stale version never moves the counter backwards
	ft.deliver(protocol.Operation{CodeOperation: protocol.CodeOperation{ID: "b", UserID: "u2", Version: 3}})
	if v := c.Snapshot().DocumentVersion; v != 5 {
		t.Fatalf("expected version to stay 5, got %d", v)
	}
	ft.deliver(protocol.SyncCompleted{Version: 7})
	snap := c.Snapshot()
	if snap.DocumentVersion != 7 {
		t.Fatalf("expected version 7, got %d", snap.DocumentVersion)
	}
	if snap.SyncStatus != protocol.SyncSynced {
		t.Fatalf("expected synced, got %s", snap.SyncStatus)
	}
}

func TestSyncProgressTransition(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft)

	ft.deliver(protocol.SyncProgress{Version: 3})
	if got := c.Snapshot().SyncStatus; got != protocol.SyncSyncing {
		t.Fatalf("expected syncing, got %s", got)
	}
	ft.deliver(protocol.SyncCompleted{Version: 3})
	if got := c.Snapshot().SyncStatus; got != protocol.SyncSynced {
		t.Fatalf("expected synced, got %s", got)
	}
}

func TestRemoteOperationClearsPeerTyping(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft, protocol.Peer{UserID: "u2", IsTyping: true})

	ft.deliver(protocol.Operation{CodeOperation: protocol.CodeOperation{ID: "a", UserID: "u2", Version: 1}})
	p, _ := c.PeerByID("u2")
	if p.IsTyping {
		t.Fatal("expected typing cleared after operation")
	}
}

func TestTypingDebounce(t *testing.T) {
	c, ft, _ := newTestClient(t)
	c.typingWindow = 50 * time.Millisecond
	joinTestSession(t, c, ft)

	if _, err := c.SendOperation(OperationDraft{Type: protocol.OpInsert, Text: "x"}); err != nil {
		t.Fatalf("SendOperation error: %v", err)
	}
	if !c.Snapshot().LocalTyping {
		t.Fatal("expected typing immediately after operation")
	}

	// a second operation inside the window re-arms the timer
	time.Sleep(30 * time.Millisecond)
	if _, err := c.SendOperation(OperationDraft{Type: protocol.OpInsert, Text: "y"}); err != nil {
		t.Fatalf("SendOperation error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if !c.Snapshot().LocalTyping {
		t.Fatal("expected typing still set inside re-armed window")
	}

	time.Sleep(100 * time.Millisecond)
	if c.Snapshot().LocalTyping {
		t.Fatal("expected typing cleared after debounce window")
	}
}

func TestSendOperationStampsAndQueues(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft)
	ft.deliver(protocol.SyncCompleted{Version: 4})

	op, err := c.SendOperation(OperationDraft{
		Type:     protocol.OpInsert,
		Position: protocol.Position{LineNumber: 1, Column: 1},
		Text:     "abc",
	})
	if err != nil {
		t.Fatalf("SendOperation error: %v", err)
	}
	if op.ID == "" || op.UserID != "u1" || op.Version != 4 {
		t.Fatalf("bad stamp: %+v", op)
	}
	snap := c.Snapshot()
	if len(snap.PendingOps) != 1 {
		t.Fatalf("expected 1 pending op, got %d", len(snap.PendingOps))
	}

	// the echoed operation acknowledges the pending entry
	ft.deliver(protocol.Operation{CodeOperation: op})
	if n := len(c.Snapshot().PendingOps); n != 0 {
		t.Fatalf("expected pending cleared by echo, got %d", n)
	}
}

func TestRejoinAfterReconnect(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft)

	before := len(ft.sentMessages())
	if err := c.Reconnect(); err != nil {
		t.Fatalf("Reconnect error: %v", err)
	}
	sent := ft.sentMessages()
	if len(sent) != before+1 {
		t.Fatalf("expected a rejoin frame, got %d new", len(sent)-before)
	}
	join, ok := sent[len(sent)-1].(protocol.Join)
	if !ok {
		t.Fatalf("expected Join, got %T", sent[len(sent)-1])
	}
	if join.SessionID != "sess-1" {
		t.Fatalf("rejoin targeted %q", join.SessionID)
	}
}

func TestOperationsRequireActiveSession(t *testing.T) {
	c, _, _ := newTestClient(t)
	if _, err := c.SendOperation(OperationDraft{Type: protocol.OpInsert}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if _, err := c.SendChatMessage("hi", protocol.ChatText, ""); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if err := c.UpdateCursor(&protocol.Position{}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestExhaustedRetriesReflectedInState(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft, protocol.Peer{UserID: "u2"})

	ft.exhaustRetries()

	snap := c.Snapshot()
	if snap.IsConnected {
		t.Fatal("expected IsConnected=false after retries run out")
	}
	if snap.ConnectionQuality != protocol.QualityDisconnected {
		t.Fatalf("expected disconnected quality, got %s", snap.ConnectionQuality)
	}
	if snap.SyncStatus != protocol.SyncOffline {
		t.Fatalf("expected offline sync, got %s", snap.SyncStatus)
	}
	// the session is kept so an explicit Reconnect can re-join it
	if snap.Session == nil || snap.Session.ID != "sess-1" {
		t.Fatalf("session record lost: %+v", snap.Session)
	}

	if err := c.Reconnect(); err != nil {
		t.Fatalf("Reconnect error: %v", err)
	}
	ft.deliver(protocol.SessionJoined{
		Session: protocol.Session{ID: "sess-1", IsActive: true},
	})
	snap = c.Snapshot()
	if !snap.IsConnected || snap.ConnectionQuality != protocol.QualityExcellent {
		t.Fatalf("state not restored after rejoin: connected=%v quality=%s",
			snap.IsConnected, snap.ConnectionQuality)
	}
}

func TestConnectionQualityAdopted(t *testing.T) {
	c, ft, _ := newTestClient(t)
	joinTestSession(t, c, ft)

	ft.deliver(protocol.ConnectionQuality{Quality: protocol.QualityPoor})
	if got := c.Snapshot().ConnectionQuality; got != protocol.QualityPoor {
		t.Fatalf("expected poor, got %s", got)
	}
}

// TestDeadSocketEndToEnd runs the real transport channel against a relay that
// dies and then refuses upgrades: once the retry budget is spent the aggregate
// must stop claiming a healthy connection.
func TestDeadSocketEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var accepting atomic.Bool
	accepting.Store(true)
	connCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !accepting.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- ws
		for {
			var env protocol.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == protocol.TypeJoin {
				out, _ := protocol.Seal(protocol.SessionJoined{
					Session: protocol.Session{ID: "sess-e2e", IsActive: true},
				})
				_ = ws.WriteJSON(out)
			}
		}
	}))
	defer srv.Close()

	ch := transport.NewChannel("ws"+strings.TrimPrefix(srv.URL, "http"), nil, transport.Options{
		RetryInterval: 10 * time.Millisecond,
		MaxRetries:    2,
	})
	api := &fakeAPI{ident: Identity{UserID: "u1", Name: "alice"}}
	c := NewClient(api, ch)
	defer ch.Disconnect()

	if err := c.JoinSession(context.Background(), "sess-e2e"); err != nil {
		t.Fatalf("JoinSession error: %v", err)
	}
	if !waitForSnapshot(t, c, 2*time.Second, func(s Snapshot) bool { return s.IsConnected }) {
		t.Fatal("never reached connected state")
	}

	accepting.Store(false)
	serverConn := <-connCh
	_ = serverConn.Close()

	ok := waitForSnapshot(t, c, 2*time.Second, func(s Snapshot) bool {
		return s.ConnectionQuality == protocol.QualityDisconnected &&
			!s.IsConnected && s.SyncStatus == protocol.SyncOffline
	})
	if !ok {
		snap := c.Snapshot()
		t.Fatalf("dead socket not reflected: connected=%v quality=%s sync=%s",
			snap.IsConnected, snap.ConnectionQuality, snap.SyncStatus)
	}
}

func waitForSnapshot(t *testing.T, c *Client, d time.Duration, cond func(Snapshot) bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond(c.Snapshot()) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond(c.Snapshot())
}
