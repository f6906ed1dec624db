package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/presence"
	"collabSync/backend/internal/protocol"
)

type State int

const (
	StateInit State = iota
	StateSyncing
	StateSynced
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

var ErrSessionDestroyed = errors.New("SESSION_DESTROYED")

// Emitter 把消息发到两条通道。返回非 nil 表示至少一条通道失败，
// 会话据此保留这次的增量，下次 flush 时重发
type Emitter func(msg protocol.Message) error

// UpdateRecord 最近一次应用的远端更新的元数据。
// 只用于展示：谁先到就记谁，重连后的乱序也可能让它"倒退"，
// 文档的合并结果完全不依赖它
type UpdateRecord struct {
	DocumentID string
	Kind       protocol.Kind
	Type       protocol.Type
	Timestamp  *time.Time
	Source     string
	AppliedAt  time.Time
}

type Options struct {
	// 本地修改后延迟多久发送；<=0 表示立即发送
	FlushDelay time.Duration
	// 文档已有本地状态时不等握手直接进入 Synced
	TrustLocalState bool
	Presence        *presence.Handle
	// 会话结束（文档销毁或被注册表拆除）后回调，此时最后一次 flush 已完成
	OnClosed func(s *Session)
	// 首次进入 Synced 时回调
	OnSynced func(s *Session)
}

// Session 一个文档的同步生命周期：Init -> Syncing -> Synced -> Destroyed
type Session struct {
	id         string
	kind       protocol.Kind
	generation uint64
	doc        crdt.Document
	emit       Emitter
	opts       Options

	mu         sync.Mutex
	state      State
	flushTimer *time.Timer
	// 发送失败的增量，下次 flush 先发
	unsent  [][]byte
	last    UpdateRecord
	hasLast bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	// 注销文档上的回调，Detach 后文档继续存活
	cancelChange  func()
	cancelDestroy func()
}

func New(id string, kind protocol.Kind, generation uint64, doc crdt.Document, emit Emitter, opts Options) *Session {
	s := &Session{
		id:         id,
		kind:       kind,
		generation: generation,
		doc:        doc,
		emit:       emit,
		opts:       opts,
		state:      StateInit,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	if n, ok := doc.(crdt.ChangeNotifier); ok {
		s.cancelChange = n.OnLocalChange(s.onLocalChange)
	}
	// 文档销毁 = 会话销毁；先 flush 再通知注册表
	s.cancelDestroy = doc.OnDestroy(func() { s.terminate("destroyed") })
	return s
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Kind() protocol.Kind        { return s.kind }
func (s *Session) Generation() uint64         { return s.generation }
func (s *Session) Document() crdt.Document    { return s.doc }
func (s *Session) Presence() *presence.Handle { return s.opts.Presence }

// Ready 首次权威同步完成后关闭
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done 会话结束后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastUpdate() (UpdateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// WaitSynced 阻塞到 Synced；会话先结束则返回 ErrSessionDestroyed
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	default:
	}
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrSessionDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start 发送握手请求，只在 Init 状态下生效
func (s *Session) Start() {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		return
	}
	s.state = StateSyncing
	var payload []byte
	if snap, ok := s.doc.(crdt.Snapshotter); ok && snap.HasState() {
		payload = snap.EncodeState()
		if s.opts.TrustLocalState {
			s.markSyncedLocked()
		}
	}
	synced := s.state == StateSynced
	s.mu.Unlock()

	if synced && s.opts.OnSynced != nil {
		s.opts.OnSynced(s)
	}

	// 即使本地已可用，也照常握手，把离线期间的状态推给服务端
	msg := protocol.Message{
		DocumentID:   s.id,
		DocumentKind: s.kind,
		Type:         protocol.TypeSyncRequest,
		Payload:      payload,
	}
	if err := s.emit(msg); err != nil {
		log.Printf("sync request partially failed doc=%s kind=%s err=%v", s.id, s.kind, err)
	}
}

// Resync 网络通道重连后重新握手；状态不回退，已 Synced 的会话仍保持 Synced
func (s *Session) Resync() {
	s.mu.Lock()
	if s.state != StateSyncing && s.state != StateSynced {
		s.mu.Unlock()
		return
	}
	var payload []byte
	if snap, ok := s.doc.(crdt.Snapshotter); ok && snap.HasState() {
		payload = snap.EncodeState()
	}
	s.mu.Unlock()

	msg := protocol.Message{
		DocumentID:   s.id,
		DocumentKind: s.kind,
		Type:         protocol.TypeSyncRequest,
		Payload:      payload,
	}
	if err := s.emit(msg); err != nil {
		log.Printf("resync request partially failed doc=%s kind=%s err=%v", s.id, s.kind, err)
	}
	// 断线期间发送失败的增量趁此补发
	s.Flush()
}

// markSyncedLocked 调用方持锁
func (s *Session) markSyncedLocked() {
	s.state = StateSynced
	s.readyOnce.Do(func() { close(s.ready) })
}

// HandleMessage 处理路由分发过来的消息。source 是来源通道名
func (s *Session) HandleMessage(source string, msg protocol.Message) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateDestroyed || state == StateInit {
		// 发送方可能还不知道会话已经结束，直接丢弃
		metrics.InboundDropped.WithLabelValues("session_inactive").Inc()
		return
	}

	switch msg.Type {
	case protocol.TypeUpdate, protocol.TypeSyncDone:
	case protocol.TypeSyncRequest, protocol.TypeAwareness:
		// 客户端不应答其它端的握手；awareness 不进入文档
		return
	default:
		metrics.InboundDropped.WithLabelValues("unknown_type").Inc()
		return
	}

	if err := s.doc.ApplyRemoteUpdate(msg.Payload); err != nil {
		if errors.Is(err, crdt.ErrDocumentDestroyed) {
			return
		}
		log.Printf("apply remote update failed doc=%s source=%s type=%s err=%v", s.id, source, msg.Type, err)
		return
	}

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.last = UpdateRecord{
		DocumentID: msg.DocumentID,
		Kind:       msg.DocumentKind,
		Type:       msg.Type,
		Timestamp:  msg.Timestamp,
		Source:     source,
		AppliedAt:  time.Now(),
	}
	s.hasLast = true
	becameSynced := false
	if msg.Type == protocol.TypeSyncDone && s.state == StateSyncing {
		s.markSyncedLocked()
		becameSynced = true
	}
	s.mu.Unlock()

	if becameSynced && s.opts.OnSynced != nil {
		s.opts.OnSynced(s)
	}
}

func (s *Session) onLocalChange() {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	if s.opts.FlushDelay <= 0 {
		s.mu.Unlock()
		s.Flush()
		return
	}
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.opts.FlushDelay, s.flushFromTimer)
	}
	s.mu.Unlock()
}

func (s *Session) flushFromTimer() {
	s.mu.Lock()
	s.flushTimer = nil
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Flush()
}

// Flush 立即发送待发送的本地增量，返回发送成功的消息条数
func (s *Session) Flush() int {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return 0
	}
	payloads := s.takePayloadsLocked()
	s.mu.Unlock()
	return s.send(payloads, true)
}

// takePayloadsLocked 调用方持锁
func (s *Session) takePayloadsLocked() [][]byte {
	payloads := s.unsent
	s.unsent = nil
	if u := s.doc.CaptureLocalUpdate(); len(u) > 0 {
		payloads = append(payloads, u)
	}
	return payloads
}

func (s *Session) send(payloads [][]byte, keepFailed bool) int {
	sent := 0
	for _, p := range payloads {
		err := s.emitUpdate(p)
		if err == nil {
			sent++
			continue
		}
		if keepFailed {
			s.mu.Lock()
			closed := s.state == StateDestroyed
			if !closed {
				s.unsent = append(s.unsent, p)
			}
			s.mu.Unlock()
			if !closed {
				continue
			}
			// 发送途中会话已结束，最后一次 flush 拿不到这份增量，这里补发一次
			if err = s.emitUpdate(p); err == nil {
				sent++
				continue
			}
		}
		log.Printf("final flush partially failed doc=%s bytes=%d err=%v", s.id, len(p), err)
	}
	return sent
}

func (s *Session) emitUpdate(p []byte) error {
	msg := protocol.Message{
		DocumentID:   s.id,
		DocumentKind: s.kind,
		Type:         protocol.TypeUpdate,
		Payload:      p,
	}.Stamp(time.Now())
	metrics.Flushes.Inc()
	return s.emit(msg)
}

// Detach 注册表拆除一个不归它所有的文档时调用：同样做最后一次 flush，但不销毁文档
func (s *Session) Detach() {
	s.terminate("detached")
}

// terminate 同步完成最后一次 flush，之后才清理定时器并通知注册表
func (s *Session) terminate(reason string) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = StateDestroyed
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	payloads := s.takePayloadsLocked()
	s.mu.Unlock()

	sent := s.send(payloads, false)
	close(s.done)
	if s.cancelChange != nil {
		s.cancelChange()
	}
	if s.cancelDestroy != nil {
		s.cancelDestroy()
	}

	if s.opts.Presence != nil {
		s.opts.Presence.Close()
	}
	if s.opts.OnClosed != nil {
		s.opts.OnClosed(s)
	}
	log.Printf("sync session closed doc=%s kind=%s gen=%d reason=%s flushed=%d/%d", s.id, s.kind, s.generation, reason, sent, len(payloads))
}
