package presence

import (
	"context"
	"log"
	"sync"
	"time"
)

const DefaultTTL = 600 * time.Second

// Handle 绑定到某个同步会话上的在线状态句柄
type Handle struct {
	cache    Cache
	docID    string
	userID   uint64
	username string
	ttl      time.Duration

	mu     sync.Mutex
	closed bool
	// 续期协程，KeepAlive 启动后非 nil
	stop    chan struct{}
	stopped chan struct{}
}

func NewHandle(cache Cache, docID string, userID uint64, username string, ttl time.Duration) *Handle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Handle{cache: cache, docID: docID, userID: userID, username: username, ttl: ttl}
}

func (h *Handle) DocumentID() string { return h.docID }

// Heartbeat 加入/续期
func (h *Handle) Heartbeat(ctx context.Context) error {
	return h.cache.AddMember(ctx, h.docID, h.userID, h.username, h.ttl)
}

// KeepAlive 每隔 interval 续期一次直到 Close。interval<=0 取 ttl/3。重复调用无效
func (h *Handle) KeepAlive(interval time.Duration) {
	if interval <= 0 {
		interval = h.ttl / 3
	}
	h.mu.Lock()
	if h.closed || h.stop != nil {
		h.mu.Unlock()
		return
	}
	stop, stopped := make(chan struct{}), make(chan struct{})
	h.stop, h.stopped = stop, stopped
	h.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := h.Heartbeat(ctx); err != nil {
					log.Printf("presence heartbeat failed doc=%s user=%d err=%v", h.docID, h.userID, err)
				}
				cancel()
			}
		}
	}()
}

func (h *Handle) Members(ctx context.Context) ([]Member, error) {
	return h.cache.GetAliveMembersWithNames(ctx, h.docID)
}

// Close 停止续期并离开文档。在会话销毁路径上调用，所以异步执行，不阻塞最后一次 flush 之后的清理
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	stop, stopped := h.stop, h.stopped
	h.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	go func() {
		// 等进行中的续期结束，否则它可能在 RemoveMember 之后把成员加回来
		if stopped != nil {
			<-stopped
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := h.cache.RemoveMember(ctx, h.docID, h.userID); err != nil {
			log.Printf("presence leave failed doc=%s user=%d err=%v", h.docID, h.userID, err)
		}
	}()
}
