package ws

import (
	"testing"
	"time"

	"collabcore/backend/internal/protocol"
)

// stubConn builds an enqueue-only connection; the socket and backends stay
// nil because broadcast paths never touch them.
func stubConn(userID string) *Conn {
	return NewConn(nil, nil, userID, userID, nil, nil, nil, nil)
}

func drain(c *Conn) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env := <-c.send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestJoinLeaveCounts(t *testing.T) {
	h := NewHub(nil)
	a, b := stubConn("u1"), stubConn("u2")

	h.Join("s1", a)
	h.Join("s1", b)
	if got := h.Rooms(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("Rooms = %v", got)
	}

	if remaining := h.Leave("s1", a); remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}
	if remaining := h.Leave("s1", b); remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
	if got := h.Rooms(); len(got) != 0 {
		t.Fatalf("empty room not collected: %v", got)
	}
	// leaving an unknown room is a no-op
	if remaining := h.Leave("missing", a); remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
}

func TestBroadcastOthersSkipsSender(t *testing.T) {
	h := NewHub(nil)
	a, b, c := stubConn("u1"), stubConn("u2"), stubConn("u3")
	h.Join("s1", a)
	h.Join("s1", b)
	h.Join("s1", c)

	h.BroadcastOthers("s1", a, protocol.PeerLeft{UserID: "u1"})

	if got := drain(a); len(got) != 0 {
		t.Fatalf("sender received its own broadcast: %d frames", len(got))
	}
	for _, peer := range []*Conn{b, c} {
		frames := drain(peer)
		if len(frames) != 1 {
			t.Fatalf("peer %s got %d frames, want 1", peer.userID, len(frames))
		}
		if frames[0].Type != protocol.TypePeerLeft {
			t.Fatalf("unexpected frame type %s", frames[0].Type)
		}
	}
}

func TestBroadcastAllIncludesSender(t *testing.T) {
	h := NewHub(nil)
	a, b := stubConn("u1"), stubConn("u2")
	h.Join("s1", a)
	h.Join("s1", b)

	msg := protocol.Chat{ChatMessage: protocol.ChatMessage{ID: "m1", UserID: "u1", Content: "hi"}}
	h.BroadcastAll("s1", msg)

	for _, peer := range []*Conn{a, b} {
		frames := drain(peer)
		if len(frames) != 1 {
			t.Fatalf("peer %s got %d frames, want 1", peer.userID, len(frames))
		}
		if frames[0].Type != protocol.TypeChatMessage {
			t.Fatalf("unexpected frame type %s", frames[0].Type)
		}
	}
}

func TestBroadcastScopedToRoom(t *testing.T) {
	h := NewHub(nil)
	a, b := stubConn("u1"), stubConn("u2")
	h.Join("s1", a)
	h.Join("s2", b)

	h.BroadcastAll("s1", protocol.SyncProgress{Version: 1})

	if got := drain(b); len(got) != 0 {
		t.Fatalf("broadcast leaked across rooms: %d frames", len(got))
	}
	if got := drain(a); len(got) != 1 {
		t.Fatalf("room member got %d frames, want 1", len(got))
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	c := stubConn("u1")
	env, err := protocol.Seal(protocol.SyncProgress{Version: 1})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	for i := 0; i < cap(c.send)+10; i++ {
		c.enqueue(env)
	}
	if len(c.send) != cap(c.send) {
		t.Fatalf("queue length %d, want %d", len(c.send), cap(c.send))
	}
}

// TestBroadcastDuringConnShutdown races room broadcasts against the exact
// sequence a dying socket runs (leave the room, stop the loops). The send
// queue stays open for the connection's whole lifetime, so a broadcast that
// snapshotted the room before the leave must still enqueue safely.
func TestBroadcastDuringConnShutdown(t *testing.T) {
	h := NewHub(nil)
	leaving := stubConn("u1")
	other := stubConn("u2")
	h.Join("s1", leaving)
	h.Join("s1", other)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 500; i++ {
			h.BroadcastAll("s1", protocol.SyncProgress{Version: uint64(i)})
			if i%32 == 0 {
				drain(leaving)
				drain(other)
			}
		}
	}()

	h.Leave("s1", leaving)
	close(leaving.done)
	<-finished

	// a write targeting the departed connection after its loops stopped
	// is dropped, never a panic
	h.Join("s1", leaving)
	for i := 0; i < cap(leaving.send)+10; i++ {
		h.BroadcastAll("s1", protocol.SyncProgress{Version: uint64(i)})
	}
}

func TestPongDrivesQuality(t *testing.T) {
	c := stubConn("u1")

	c.handlePong(protocol.Pong{SentAt: time.Now()})
	c.handlePong(protocol.Pong{SentAt: time.Now().Add(-150 * time.Millisecond)})
	c.handlePong(protocol.Pong{SentAt: time.Now().Add(-500 * time.Millisecond)})

	frames := drain(c)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	want := []protocol.Quality{protocol.QualityExcellent, protocol.QualityGood, protocol.QualityPoor}
	for i, env := range frames {
		msg, err := protocol.Decode(env)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		q, ok := msg.(protocol.ConnectionQuality)
		if !ok {
			t.Fatalf("frame %d is %T", i, msg)
		}
		if q.Quality != want[i] {
			t.Fatalf("frame %d quality = %s, want %s", i, q.Quality, want[i])
		}
	}
}
