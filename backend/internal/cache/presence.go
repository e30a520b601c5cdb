package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache holds live session membership for the relay. Liveness is a
// logical TTL: the ZSET score is the member's expireAt, refreshed on every
// AddMember, swept lazily on read.
type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, userID, username, color string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
	AliveMembers(ctx context.Context, sessionID string) ([]Member, error)
	SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error)
	SetSelection(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error
	GetSelection(ctx context.Context, sessionID, userID string) ([]byte, error)
	Sweep(ctx context.Context, sessionID string) (int, error)
}

type Member struct {
	UserID   string
	Username string
	Color    string
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID, userID, username, color string, ttl time.Duration) error {
	// Re-adding refreshes the logical TTL.
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(sessionID), userID, username)
	tx.HSet(ctx, colorsKey(sessionID), userID, color)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), userID)
	tx.HDel(ctx, colorsKey(sessionID), userID)
	tx.Del(ctx, cursorKey(sessionID, userID), selectionKey(sessionID, userID))
	_, err := tx.Exec(ctx)
	return err
}

// sweepScript clears members whose expireAt has passed, together with their
// name/color table rows.
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey, KEYS[2] = namesKey, KEYS[3] = colorsKey
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("HDEL", KEYS[3], unpack(expired))
end
return #expired
`)

// Sweep removes expired members and reports how many were dropped.
func (p *redisPresence) Sweep(ctx context.Context, sessionID string) (int, error) {
	now := time.Now().Unix()
	n, err := sweepScript.Run(ctx, p.rdb,
		[]string{roomKey(sessionID), namesKey(sessionID), colorsKey(sessionID)}, now).Int()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

func (p *redisPresence) AliveMembers(ctx context.Context, sessionID string) ([]Member, error) {
	if _, err := p.Sweep(ctx, sessionID); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	colors, err := p.rdb.HMGet(ctx, colorsKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		m := Member{UserID: id}
		if i < len(names) && names[i] != nil {
			m.Username, _ = names[i].(string)
		}
		if i < len(colors) && colors[i] != nil {
			m.Color, _ = colors[i].(string)
		}
		members = append(members, m)
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(sessionID, userID)).Bytes()
}

func (p *redisPresence) SetSelection(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, selectionKey(sessionID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetSelection(ctx context.Context, sessionID, userID string) ([]byte, error) {
	return p.rdb.Get(ctx, selectionKey(sessionID, userID)).Bytes()
}
