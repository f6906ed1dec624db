package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/protocol"
)

// Transport 一条消息通道（服务端 socket 或本地广播）
type Transport interface {
	Name() string
	Send(ctx context.Context, msg protocol.Message) error
	// Subscribe 注册入站回调，同一通道内的消息按到达顺序回调
	Subscribe(fn func(protocol.Message)) (unsubscribe func())
}

// Handler 某个文档 id 的入站消息接收者（同步会话）
type Handler interface {
	HandleMessage(source string, msg protocol.Message)
}

var ErrTransportSend = errors.New("TRANSPORT_SEND_FAILURE")

// SendError 单条通道的发送失败，errors.Is(err, ErrTransportSend) 为真
type SendError struct {
	Transport string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send via %s: %v", e.Transport, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrTransportSend }

// SendResult 每条通道各自的发送结果，互不影响
type SendResult struct {
	Transport string
	Err       error
}

type Options struct {
	// 单条通道单次发送的超时
	SendTimeout time.Duration
}

// Router 把两条通道的入站消息按文档 id 分发给会话，把本地更新同时发往两条通道。
// 不做序号去重：同一内容从两条通道各来一次，靠文档合并的幂等性消化
type Router struct {
	transports  []Transport
	sendTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	subMu  sync.Mutex
	unsubs []func()
}

// New network 为服务端通道，local 为本地广播通道，任一可以为 nil
func New(network, local Transport, opts Options) *Router {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	r := &Router{
		sendTimeout: opts.SendTimeout,
		handlers:    make(map[string]Handler),
	}
	for _, t := range []Transport{network, local} {
		if t != nil {
			r.transports = append(r.transports, t)
		}
	}
	return r
}

// Start 订阅所有通道的入站消息
func (r *Router) Start() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if len(r.unsubs) > 0 {
		return
	}
	for _, t := range r.transports {
		name := t.Name()
		r.unsubs = append(r.unsubs, t.Subscribe(func(m protocol.Message) {
			r.Dispatch(name, m)
		}))
	}
}

func (r *Router) Stop() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

func (r *Router) Register(id string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
}

// Unregister 只有当前登记的就是 h 时才移除，避免旧会话把新会话注销掉
func (r *Router) Unregister(id string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handlers[id]; ok && cur == h {
		delete(r.handlers, id)
	}
}

// Dispatch 入站消息分发；没有会话的 id 直接丢弃，不做缓冲
func (r *Router) Dispatch(source string, msg protocol.Message) {
	r.mu.RLock()
	h := r.handlers[msg.DocumentID]
	r.mu.RUnlock()
	if h == nil {
		metrics.InboundDropped.WithLabelValues("unregistered").Inc()
		return
	}
	h.HandleMessage(source, msg)
}

// Broadcast 同时尝试所有通道，一条失败不影响另一条
func (r *Router) Broadcast(ctx context.Context, msg protocol.Message) []SendResult {
	results := make([]SendResult, 0, len(r.transports))
	for _, t := range r.transports {
		err := r.sendOne(ctx, t, msg)
		if err != nil {
			metrics.SendFailures.WithLabelValues(t.Name()).Inc()
			log.Printf("transport send failed transport=%s doc=%s type=%s err=%v", t.Name(), msg.DocumentID, msg.Type, err)
			err = &SendError{Transport: t.Name(), Err: err}
		}
		results = append(results, SendResult{Transport: t.Name(), Err: err})
	}
	return results
}

func (r *Router) sendOne(ctx context.Context, t Transport, msg protocol.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport panic: %v", p)
		}
	}()
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	return t.Send(sendCtx, msg)
}

// Emit 给会话用的发送函数：结果只汇总成一个 error 供会话决定是否保留增量
func (r *Router) Emit(msg protocol.Message) error {
	var errs []error
	for _, res := range r.Broadcast(context.Background(), msg) {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Registered() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
