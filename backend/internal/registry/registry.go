package registry

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/presence"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/router"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/syncer"
)

var (
	ErrInvalidDocumentID = errors.New("INVALID_DOCUMENT_ID")
	ErrKindMismatch      = errors.New("DUPLICATE_KIND_MISMATCH")
	ErrRegistryClosed    = errors.New("REGISTRY_CLOSED")
)

// Factory 按文档 id 创建一个新的文档实例
type Factory func(ctx context.Context, id string) (crdt.Document, error)

type Options struct {
	FlushDelay      time.Duration
	TrustLocalState bool
	// Release 传入负数 grace 时使用
	DefaultGrace time.Duration
	// 非空时在首次同步完成和拆除时写入文档状态
	Store        store.KV
	StoreTimeout time.Duration
	// 非空时为非 awareness 文档挂一个在线状态句柄
	Presence presence.Cache
	UserID   uint64
	Username string
	// 在线状态续期间隔，<=0 取 TTL 的三分之一
	Heartbeat time.Duration
}

// Defect 记录一次类型冲突（同一 id 被以不同 kind 获取）
type Defect struct {
	DocumentID string        `json:"docId"`
	Registered protocol.Kind `json:"registered"`
	Requested  protocol.Kind `json:"requested"`
	At         time.Time     `json:"at"`
}

type entry struct {
	id         string
	kind       protocol.Kind
	generation uint64
	owned      bool
	session    *syncer.Session

	// 非 nil 表示正在创建，创建结束后关闭
	creating  chan struct{}
	createErr error

	refs       int
	releaseSeq uint64
	timer      *time.Timer
}

// Registry 按文档 id 维护唯一的同步会话，引用计数 + 宽限期拆除
type Registry struct {
	router *router.Router
	opts   Options

	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64
	closed  bool
	defects []Defect
}

func New(r *router.Router, opts Options) *Registry {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	return &Registry{
		router:  r,
		opts:    opts,
		entries: make(map[string]*entry),
	}
}

// ValidateID 文档 id 必须是标准 36 位 UUID
func ValidateID(id string) error {
	if len(id) != 36 {
		return ErrInvalidDocumentID
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidDocumentID
	}
	return nil
}

// Acquire 获取（必要时创建）文档的同步会话，引用计数 +1。由注册表创建的文档归注册表所有，拆除时销毁
func (r *Registry) Acquire(ctx context.Context, id string, kind protocol.Kind, factory Factory) (*syncer.Session, error) {
	return r.acquire(ctx, id, kind, true, factory)
}

// Adopt 为外部持有的文档建立会话；拆除时只解绑不销毁。id 已存在时沿用已有会话，doc 不会被使用
func (r *Registry) Adopt(ctx context.Context, id string, kind protocol.Kind, doc crdt.Document) (*syncer.Session, error) {
	return r.acquire(ctx, id, kind, false, func(context.Context, string) (crdt.Document, error) {
		return doc, nil
	})
}

func (r *Registry) acquire(ctx context.Context, id string, kind protocol.Kind, owned bool, factory Factory) (*syncer.Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		e := r.entries[id]
		if e != nil && e.creating != nil {
			ch := e.creating
			r.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.createErr != nil {
				return nil, e.createErr
			}
			continue
		}
		if e != nil {
			e.refs++
			e.releaseSeq++
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			if e.kind != kind {
				r.recordMismatchLocked(e, kind)
			}
			s := e.session
			r.mu.Unlock()
			return s, nil
		}

		r.nextGen++
		e = &entry{
			id:         id,
			kind:       kind,
			generation: r.nextGen,
			owned:      owned,
			creating:   make(chan struct{}),
			refs:       1,
		}
		r.entries[id] = e
		r.mu.Unlock()
		return r.create(ctx, e, factory)
	}
}

// create 在表锁之外调用 factory，其它并发的 Acquire 等在 e.creating 上
func (r *Registry) create(ctx context.Context, e *entry, factory Factory) (*syncer.Session, error) {
	doc, err := factory(ctx, e.id)
	if err == nil && doc == nil {
		err = errors.New("factory returned nil document")
	}
	if err != nil {
		r.mu.Lock()
		if r.entries[e.id] == e {
			delete(r.entries, e.id)
		}
		e.createErr = err
		close(e.creating)
		e.creating = nil
		r.mu.Unlock()
		log.Printf("document create failed doc=%s kind=%s err=%v", e.id, e.kind, err)
		return nil, err
	}

	var handle *presence.Handle
	if r.opts.Presence != nil && e.kind != protocol.KindAwareness {
		handle = presence.NewHandle(r.opts.Presence, e.id, r.opts.UserID, r.opts.Username, 0)
		hbCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := handle.Heartbeat(hbCtx); err != nil {
			log.Printf("presence join failed doc=%s err=%v", e.id, err)
		}
		cancel()
		handle.KeepAlive(r.opts.Heartbeat)
	}

	s := syncer.New(e.id, e.kind, e.generation, doc, r.router.Emit, syncer.Options{
		FlushDelay:      r.opts.FlushDelay,
		TrustLocalState: r.opts.TrustLocalState,
		Presence:        handle,
		OnClosed:        r.onSessionClosed,
		OnSynced:        r.onSessionSynced,
	})
	// 先登记再握手，服务端的 sync_done 才能路由到会话
	r.router.Register(e.id, s)
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	s.Start()

	r.mu.Lock()
	e.session = s
	close(e.creating)
	e.creating = nil
	closed := r.closed
	if closed && r.entries[e.id] == e {
		delete(r.entries, e.id)
	}
	r.mu.Unlock()

	if closed {
		r.teardown(e, "closed")
		return nil, ErrRegistryClosed
	}
	log.Printf("sync session created doc=%s kind=%s gen=%d owned=%v", e.id, e.kind, e.generation, e.owned)
	return s, nil
}

func (r *Registry) recordMismatchLocked(e *entry, requested protocol.Kind) {
	d := Defect{DocumentID: e.id, Registered: e.kind, Requested: requested, At: time.Now()}
	r.defects = append(r.defects, d)
	metrics.KindMismatches.Inc()
	log.Printf("%v doc=%s registered=%s requested=%s", ErrKindMismatch, e.id, e.kind, requested)
}

// Release 引用计数 -1；归零后 grace 之后拆除，期间再次 Acquire 会取消拆除。
// grace<0 使用 DefaultGrace，grace==0 立即拆除
func (r *Registry) Release(id string, grace time.Duration) {
	r.release(id, 0, grace)
}

// ReleaseSession 同 Release，但只释放 s 这一代会话的引用。
// 文档被外部销毁后同一 id 可能已被别的持有者重新获取，旧持有者的释放必须忽略
func (r *Registry) ReleaseSession(s *syncer.Session, grace time.Duration) {
	if s == nil {
		return
	}
	r.release(s.ID(), s.Generation(), grace)
}

// release gen==0 表示不校验代次
func (r *Registry) release(id string, gen uint64, grace time.Duration) {
	if grace < 0 {
		grace = r.opts.DefaultGrace
	}
	r.mu.Lock()
	e := r.entries[id]
	if e == nil || e.creating != nil {
		r.mu.Unlock()
		return
	}
	if gen != 0 && e.generation != gen {
		r.mu.Unlock()
		log.Printf("stale release ignored doc=%s gen=%d current=%d", id, gen, e.generation)
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	e.releaseSeq++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if grace <= 0 {
		delete(r.entries, id)
		r.mu.Unlock()
		r.teardown(e, "released")
		return
	}
	cur, seq := e.generation, e.releaseSeq
	e.timer = time.AfterFunc(grace, func() { r.expire(id, cur, seq) })
	r.mu.Unlock()
}

// expire 宽限期到期。generation / releaseSeq 任一变化说明这个定时器已经过期作废
func (r *Registry) expire(id string, gen, seq uint64) {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil || e.generation != gen || e.releaseSeq != seq || e.refs > 0 {
		r.mu.Unlock()
		return
	}
	e.timer = nil
	delete(r.entries, id)
	r.mu.Unlock()
	r.teardown(e, "released")
}

// teardown 调用方已把 e 移出表
func (r *Registry) teardown(e *entry, reason string) {
	metrics.SessionsTornDown.WithLabelValues(reason).Inc()
	if e.session == nil {
		return
	}
	if e.owned {
		e.session.Document().Destroy()
	} else {
		e.session.Detach()
	}
}

// onSessionClosed 会话结束（含文档被外部销毁）时无条件移除对应的表项
func (r *Registry) onSessionClosed(s *syncer.Session) {
	r.router.Unregister(s.ID(), s)
	metrics.SessionsActive.Dec()

	r.mu.Lock()
	e := r.entries[s.ID()]
	removed := false
	if e != nil && e.generation == s.Generation() {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		delete(r.entries, s.ID())
		removed = true
	}
	r.mu.Unlock()
	if removed {
		metrics.SessionsTornDown.WithLabelValues("destroyed").Inc()
	}

	r.persist(s)
}

func (r *Registry) onSessionSynced(s *syncer.Session) {
	r.persist(s)
}

func (r *Registry) persist(s *syncer.Session) {
	if r.opts.Store == nil {
		return
	}
	snap, ok := s.Document().(crdt.Snapshotter)
	if !ok || !snap.HasState() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()
	if err := r.opts.Store.Put(ctx, s.ID(), snap.EncodeState()); err != nil {
		log.Printf("persist document state failed doc=%s err=%v", s.ID(), err)
	}
}

// ResyncAll 对所有已建立的会话重新握手（网络通道重连后调用）
func (r *Registry) ResyncAll() {
	r.mu.Lock()
	sessions := make([]*syncer.Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Resync()
	}
}

// Lookup 不增加引用计数
func (r *Registry) Lookup(id string) (*syncer.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil || e.session == nil {
		return nil, false
	}
	return e.session, true
}

func (r *Registry) Refs(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[id]; e != nil {
		return e.refs
	}
	return 0
}

type SessionInfo struct {
	ID         string               `json:"docId"`
	Kind       protocol.Kind        `json:"kind"`
	Generation uint64               `json:"generation"`
	Refs       int                  `json:"refs"`
	Owned      bool                 `json:"owned"`
	State      string               `json:"state"`
	Pending    bool                 `json:"pendingTeardown"`
	LastUpdate *syncer.UpdateRecord `json:"lastUpdate,omitempty"`
	Members    []presence.Member    `json:"members,omitempty"`
}

// Snapshot 调试用，按 id 排序
func (r *Registry) Snapshot() []SessionInfo {
	type row struct {
		info SessionInfo
		s    *syncer.Session
	}
	r.mu.Lock()
	rows := make([]row, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session == nil {
			continue
		}
		rows = append(rows, row{
			info: SessionInfo{
				ID:         e.id,
				Kind:       e.kind,
				Generation: e.generation,
				Refs:       e.refs,
				Owned:      e.owned,
				Pending:    e.timer != nil,
			},
			s: e.session,
		})
	}
	r.mu.Unlock()

	out := make([]SessionInfo, 0, len(rows))
	for _, rw := range rows {
		info := rw.info
		info.State = rw.s.State().String()
		if rec, ok := rw.s.LastUpdate(); ok {
			info.LastUpdate = &rec
		}
		if h := rw.s.Presence(); h != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			members, err := h.Members(ctx)
			cancel()
			if err != nil {
				log.Printf("presence members failed doc=%s err=%v", info.ID, err)
			}
			info.Members = members
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Defects() []Defect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Defect(nil), r.defects...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close 拆除所有会话（归属的文档被销毁，待发送的增量被 flush），之后的 Acquire 返回 ErrRegistryClosed
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var victims []*entry
	for id, e := range r.entries {
		if e.creating != nil {
			// 创建者完成后自己拆除
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		victims = append(victims, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, e := range victims {
		r.teardown(e, "closed")
	}
	log.Printf("document registry closed sessions=%d", len(victims))
}
