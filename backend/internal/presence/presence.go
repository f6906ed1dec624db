package presence

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache 在线状态存储（临时数据，不参与文档合并）
type Cache interface {
	AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]Member, error)
	SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error)
}

type Member struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

var ErrNoCursor = errors.New("CURSOR_NOT_FOUND")

// 具体实现：基于 redis 的 Cache。单机和集群都用 UniversalClient
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) Cache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达"逻辑 TTL"
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCursor
	}
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

// 清理过期成员：score=expireAt（Unix 秒），expireAt <= now 视为过期
var expireScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = namesKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]Member, error) {
	now := time.Now().Unix()
	_, err := expireScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}
	uids := make([]uint64, 0, len(aliveIDs))
	for _, aliveID := range aliveIDs {
		uid, err := strconv.ParseUint(aliveID, 10, 64)
		if err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]Member, 0, len(uids))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, Member{UserID: uids[i], Username: name})
	}
	return members, nil
}

// memoryPresence 进程内实现，用于测试和没有 redis 的单机场景
type memoryPresence struct {
	mu      sync.Mutex
	rooms   map[string]map[uint64]memberEntry
	cursors map[string][]byte
}

type memberEntry struct {
	name     string
	expireAt time.Time
}

func NewMemoryPresence() Cache {
	return &memoryPresence{
		rooms:   make(map[string]map[uint64]memberEntry),
		cursors: make(map[string][]byte),
	}
}

func (m *memoryPresence) AddMember(_ context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[docID] == nil {
		m.rooms[docID] = make(map[uint64]memberEntry)
	}
	m.rooms[docID][userID] = memberEntry{name: username, expireAt: time.Now().Add(ttl)}
	return nil
}

func (m *memoryPresence) RemoveMember(_ context.Context, docID string, userID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[docID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(m.rooms, docID)
		}
	}
	delete(m.cursors, cursorKey(docID, userID))
	return nil
}

func (m *memoryPresence) GetAliveMembersWithNames(_ context.Context, docID string) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []Member
	for uid, e := range m.rooms[docID] {
		if !e.expireAt.After(now) {
			delete(m.rooms[docID], uid)
			continue
		}
		out = append(out, Member{UserID: uid, Username: e.name})
	}
	return out, nil
}

func (m *memoryPresence) SetCursor(_ context.Context, docID string, userID uint64, jsonData []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[cursorKey(docID, userID)] = append([]byte(nil), jsonData...)
	return nil
}

func (m *memoryPresence) GetCursor(_ context.Context, docID string, userID uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[cursorKey(docID, userID)]
	if !ok {
		return nil, ErrNoCursor
	}
	return c, nil
}
