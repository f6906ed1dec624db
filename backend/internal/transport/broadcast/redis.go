package broadcast

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/transport"
)

const (
	Name           = "broadcast"
	DefaultChannel = "collab:broadcast"
)

// RedisChannel 本机多进程之间的广播通道（redis pub/sub），
// 自己发出的消息带 origin，收到时过滤掉
type RedisChannel struct {
	rdb     redis.UniversalClient
	channel string
	origin  string
	subs    transport.Subscribers

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisChannel(rdb redis.UniversalClient, channel string) *RedisChannel {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisChannel{rdb: rdb, channel: channel, origin: uuid.NewString()}
}

func (r *RedisChannel) Name() string   { return Name }
func (r *RedisChannel) Origin() string { return r.origin }

func (r *RedisChannel) Send(ctx context.Context, msg protocol.Message) error {
	msg.Origin = r.origin
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

// Subscribe 第一次订阅时才建立 redis 订阅
func (r *RedisChannel) Subscribe(fn func(protocol.Message)) func() {
	unsub := r.subs.Add(fn)
	r.mu.Lock()
	if r.pubsub == nil {
		r.pubsub = r.rdb.Subscribe(context.Background(), r.channel)
		r.done = make(chan struct{})
		go r.loop(r.pubsub, r.done)
	}
	r.mu.Unlock()
	return unsub
}

func (r *RedisChannel) loop(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for m := range ps.Channel() {
		msg, err := protocol.Decode([]byte(m.Payload))
		if err != nil {
			log.Printf("drop malformed broadcast channel=%s err=%v", r.channel, err)
			continue
		}
		if msg.Origin == r.origin {
			continue
		}
		r.subs.Deliver(msg)
	}
}

func (r *RedisChannel) Close() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub, r.done = nil, nil
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
