package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

func testPresence(t *testing.T) (PresenceCache, string) {
	t.Helper()
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"127.0.0.1:6379"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	// fresh session id so runs never collide
	return NewRedisPresence(rdb), "test-" + uuid.NewString()
}

func TestAddAndListMembers(t *testing.T) {
	p, sid := testPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, sid, "u1", "alice", "#FF6B6B", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, sid, "u2", "bob", "#4ECDC4", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	members, err := p.AliveMembers(ctx, sid)
	if err != nil {
		t.Fatalf("AliveMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	byID := map[string]Member{}
	for _, m := range members {
		byID[m.UserID] = m
	}
	if byID["u1"].Username != "alice" || byID["u1"].Color != "#FF6B6B" {
		t.Fatalf("u1 attributes wrong: %+v", byID["u1"])
	}

	if err := p.RemoveMember(ctx, sid, "u1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	members, err = p.AliveMembers(ctx, sid)
	if err != nil {
		t.Fatalf("AliveMembers: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "u2" {
		t.Fatalf("expected only u2, got %+v", members)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	p, sid := testPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, sid, "gone", "ghost", "#96CEB4", -time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, sid, "here", "live", "#FFEAA7", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	n, err := p.Sweep(ctx, sid)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep dropped %d, want 1", n)
	}
	members, err := p.AliveMembers(ctx, sid)
	if err != nil {
		t.Fatalf("AliveMembers: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "here" {
		t.Fatalf("expected only live member, got %+v", members)
	}
}

func TestAddMemberRefreshesTTL(t *testing.T) {
	p, sid := testPresence(t)
	ctx := context.Background()

	if err := p.AddMember(ctx, sid, "u1", "alice", "#FF6B6B", -time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, sid, "u1", "alice", "#FF6B6B", time.Minute); err != nil {
		t.Fatalf("AddMember refresh: %v", err)
	}
	members, err := p.AliveMembers(ctx, sid)
	if err != nil {
		t.Fatalf("AliveMembers: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected refreshed member alive, got %+v", members)
	}
}

func TestCursorAndSelectionBlobs(t *testing.T) {
	p, sid := testPresence(t)
	ctx := context.Background()

	cur := []byte(`{"lineNumber":3,"column":7}`)
	if err := p.SetCursor(ctx, sid, "u1", cur, time.Minute); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	got, err := p.GetCursor(ctx, sid, "u1")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if string(got) != string(cur) {
		t.Fatalf("cursor blob mismatch: %s", got)
	}

	sel := []byte(`{"startLineNumber":1,"startColumn":1,"endLineNumber":2,"endColumn":4}`)
	if err := p.SetSelection(ctx, sid, "u1", sel, time.Minute); err != nil {
		t.Fatalf("SetSelection: %v", err)
	}
	got, err = p.GetSelection(ctx, sid, "u1")
	if err != nil {
		t.Fatalf("GetSelection: %v", err)
	}
	if string(got) != string(sel) {
		t.Fatalf("selection blob mismatch: %s", got)
	}

	// RemoveMember clears the blobs too
	if err := p.RemoveMember(ctx, sid, "u1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if _, err := p.GetCursor(ctx, sid, "u1"); err != redis.Nil {
		t.Fatalf("expected redis.Nil after removal, got %v", err)
	}
}
