package store

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	keyStateFmt = "collab:state:"
	keySeedFmt  = "collab:seed:"
)

// RedisKV 文档状态存 redis（String），ttl=0 表示不过期
type RedisKV struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var (
	_ KV        = (*RedisKV)(nil)
	_ SeedStore = (*RedisKV)(nil)
)

func NewRedisKV(rdb redis.UniversalClient, ttl time.Duration) *RedisKV {
	return &RedisKV{rdb: rdb, prefix: keyStateFmt, ttl: ttl}
}

// NewRedisSeeds 种子单独一个前缀，默认给一个较短的 TTL，没被消费的种子自然过期
func NewRedisSeeds(rdb redis.UniversalClient, ttl time.Duration) *RedisKV {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisKV{rdb: rdb, prefix: keySeedFmt, ttl: ttl}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisKV) Put(ctx context.Context, key string, val []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	return r.rdb.Set(ctx, r.prefix+key, val, r.ttl).Err()
}

// Take GETDEL 原子地取出并删除
func (r *RedisKV) Take(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.GetDel(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}
