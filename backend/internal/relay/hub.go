package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/journal"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/presence"
	"collabSync/backend/internal/protocol"
)

// SnapshotStore 房间状态的落地存储（store.GormKV 实现）
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, docID string, state []byte) error
	LatestSnapshot(ctx context.Context, docID string) ([]byte, bool, error)
}

// Journal 已应用更新的事件流（journal.Dispatcher 实现）
type Journal interface {
	Enqueue(ctx context.Context, evt journal.UpdateEvent) error
}

type Options struct {
	Snapshots SnapshotStore
	Journal   Journal
	Presence  presence.Cache
	// 单次存储/入队操作的超时
	IOTimeout time.Duration
}

// room 一个文档的权威副本和当前连接
type room struct {
	id    string
	kind  protocol.Kind
	doc   *crdt.OpSet
	conns map[*Conn]struct{}
	// 上次落地之后是否有新的更新
	dirty bool
}

// Hub 中继：每个文档一个房间，合并所有客户端的更新并转发给房间里的其它连接
type Hub struct {
	opts Options

	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(opts Options) *Hub {
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 2 * time.Second
	}
	return &Hub{opts: opts, rooms: make(map[string]*room)}
}

// loadRoom 调用方不持锁。快照读取在锁外进行
func (h *Hub) loadRoom(docID string, kind protocol.Kind) *room {
	h.mu.Lock()
	if r, ok := h.rooms[docID]; ok {
		h.mu.Unlock()
		if r.kind != kind && kind != "" {
			metrics.KindMismatches.Inc()
			log.Printf("relay kind mismatch doc=%s room=%s requested=%s", docID, r.kind, kind)
		}
		return r
	}
	h.mu.Unlock()

	doc := crdt.NewOpSet()
	if h.opts.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.IOTimeout)
		state, ok, err := h.opts.Snapshots.LatestSnapshot(ctx, docID)
		cancel()
		if err != nil {
			log.Printf("load snapshot error doc=%s: %v", docID, err)
		} else if ok {
			if err := doc.ApplyRemoteUpdate(state); err != nil {
				log.Printf("apply snapshot error doc=%s: %v", docID, err)
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// 并发加载时以先放进表里的为准
	if r, ok := h.rooms[docID]; ok {
		return r
	}
	r := &room{id: docID, kind: kind, doc: doc, conns: make(map[*Conn]struct{})}
	h.rooms[docID] = r
	return r
}

// join 将连接加入指定文档房间
func (h *Hub) join(docID string, kind protocol.Kind, c *Conn) *room {
	r := h.loadRoom(docID, kind)
	h.mu.Lock()
	// 加载和加入之间房间可能刚被清空删除
	if cur, ok := h.rooms[docID]; !ok {
		h.rooms[docID] = r
	} else {
		r = cur
	}
	r.conns[c] = struct{}{}
	h.mu.Unlock()

	if h.opts.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.IOTimeout)
		if err := h.opts.Presence.AddMember(ctx, docID, c.userID, c.username, presence.DefaultTTL); err != nil {
			log.Printf("add member error: %v", err)
		}
		cancel()
	}
	return r
}

// Leave 将连接从指定文档房间移除；房间空了就落地快照并释放
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	r, ok := h.rooms[docID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(r.conns, c)
	empty := len(r.conns) == 0
	// 同一用户开了多个标签页，最后一个离开才算离开
	stillHere := false
	for other := range r.conns {
		if other.userID == c.userID {
			stillHere = true
			break
		}
	}
	h.mu.Unlock()

	if h.opts.Presence != nil && !stillHere {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.IOTimeout)
		if err := h.opts.Presence.RemoveMember(ctx, docID, c.userID); err != nil {
			log.Printf("remove member error: %v", err)
		}
		cancel()
	}
	if !empty {
		return
	}
	// 先落地再移出表，落地期间加入的连接直接复用内存里的房间
	h.save(r)
	h.mu.Lock()
	if cur, ok := h.rooms[docID]; ok && cur == r && len(r.conns) == 0 {
		delete(h.rooms, docID)
	}
	h.mu.Unlock()
}

func (h *Hub) save(r *room) {
	h.mu.Lock()
	dirty := r.dirty
	r.dirty = false
	h.mu.Unlock()
	if !dirty || h.opts.Snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.IOTimeout)
	defer cancel()
	if err := h.opts.Snapshots.SaveSnapshot(ctx, r.id, r.doc.EncodeState()); err != nil {
		log.Printf("save snapshot error doc=%s: %v", r.id, err)
	}
}

// SaveAll 停机前把所有房间落地
func (h *Hub) SaveAll() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		h.save(r)
	}
}

// SyncRequest 合并客户端带来的本地状态，回一条 sync_done 携带合并后的完整状态
func (h *Hub) SyncRequest(c *Conn, msg protocol.Message) {
	r := h.join(msg.DocumentID, msg.DocumentKind, c)
	if len(msg.Payload) > 0 {
		h.apply(r, c, msg)
	}
	c.Enqueue(protocol.Message{
		DocumentID:   r.id,
		DocumentKind: r.kind,
		Type:         protocol.TypeSyncDone,
		Payload:      r.doc.EncodeState(),
	}.Stamp(time.Now()))
	h.replayCursors(r, c)
}

// replayCursors 新加入的连接补收房间里其他用户最近一次的光标
func (h *Hub) replayCursors(r *room, to *Conn) {
	if h.opts.Presence == nil {
		return
	}
	h.mu.Lock()
	users := make(map[uint64]struct{}, len(r.conns))
	for c := range r.conns {
		if c.userID != to.userID {
			users[c.userID] = struct{}{}
		}
	}
	h.mu.Unlock()

	for uid := range users {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.IOTimeout)
		cursor, err := h.opts.Presence.GetCursor(ctx, r.id, uid)
		cancel()
		if errors.Is(err, presence.ErrNoCursor) {
			continue
		}
		if err != nil {
			log.Printf("get cursor error doc=%s user=%d: %v", r.id, uid, err)
			continue
		}
		to.Enqueue(protocol.Message{
			DocumentID:   r.id,
			DocumentKind: r.kind,
			Type:         protocol.TypeAwareness,
			Payload:      cursor,
		})
	}
}

// Update 应用并转发给房间里的其它连接
func (h *Hub) Update(c *Conn, msg protocol.Message) {
	h.mu.Lock()
	r, ok := h.rooms[msg.DocumentID]
	joined := ok && hasConn(r, c)
	h.mu.Unlock()
	if !joined {
		// 没握手就发更新：按加入处理，客户端之后仍会收到后续广播
		r = h.join(msg.DocumentID, msg.DocumentKind, c)
	}
	h.apply(r, c, msg)
}

func hasConn(r *room, c *Conn) bool {
	_, ok := r.conns[c]
	return ok
}

func (h *Hub) apply(r *room, from *Conn, msg protocol.Message) {
	if err := r.doc.ApplyRemoteUpdate(msg.Payload); err != nil {
		log.Printf("relay apply error doc=%s conn=%s: %v", r.id, from.id, err)
		metrics.InboundDropped.WithLabelValues("relay_apply").Inc()
		return
	}
	h.mu.Lock()
	r.dirty = true
	h.mu.Unlock()

	out := protocol.Message{
		DocumentID:   r.id,
		DocumentKind: r.kind,
		Type:         protocol.TypeUpdate,
		Payload:      msg.Payload,
		Timestamp:    msg.Timestamp,
	}
	h.broadcast(r, from, out)

	if h.opts.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.IOTimeout)
		if err := h.opts.Journal.Enqueue(ctx, journal.NewUpdateEvent(out, from.id, time.Now())); err != nil {
			log.Printf("journal enqueue error doc=%s: %v", r.id, err)
		}
		cancel()
	}
}

// Awareness 只转发，不进入文档
func (h *Hub) Awareness(c *Conn, msg protocol.Message) {
	h.mu.Lock()
	r, ok := h.rooms[msg.DocumentID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.opts.Presence != nil && len(msg.Payload) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.IOTimeout)
		if err := h.opts.Presence.SetCursor(ctx, msg.DocumentID, c.userID, msg.Payload, presence.DefaultTTL); err != nil {
			log.Printf("set cursor error: %v", err)
		}
		cancel()
	}
	h.broadcast(r, c, msg)
}

func (h *Hub) broadcast(r *room, from *Conn, msg protocol.Message) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if c != from {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

// RoomInfo 调试用
type RoomInfo struct {
	DocumentID string            `json:"docId"`
	Kind       protocol.Kind     `json:"kind"`
	Conns      int               `json:"conns"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	counts := make([]int, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
		counts = append(counts, len(r.conns))
	}
	h.mu.Unlock()
	out := make([]RoomInfo, len(rooms))
	for i, r := range rooms {
		out[i] = RoomInfo{DocumentID: r.id, Kind: r.kind, Conns: counts[i], Fields: r.doc.Fields()}
	}
	return out
}
