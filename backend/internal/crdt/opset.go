package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Op 单个字段写操作。ID 全局唯一，去重靠它
type Op struct {
	ID      string `json:"id"`
	Lamport uint64 `json:"lamport"`
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

type update struct {
	Ops []Op `json:"ops"`
}

// wins 判断 a 是否覆盖 b：lamport 大者胜，相同则比较 ID
func wins(a, b Op) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	return a.ID > b.ID
}

// OpSet 基于"只增操作集合 + LWW 字段表"的文档实现
// 合并就是求并集，所以天然幂等、可交换
type OpSet struct {
	mu      sync.Mutex
	ops     map[string]Op
	fields  map[string]Op
	lamport uint64
	pending []Op

	destroying bool
	destroyed  bool
	nextHook   uint64
	onDestroy  []hook
	onChange   []hook
}

type hook struct {
	id uint64
	fn func()
}

func removeHook(hooks []hook, id uint64) []hook {
	for i, h := range hooks {
		if h.id == id {
			return append(hooks[:i:i], hooks[i+1:]...)
		}
	}
	return hooks
}

var (
	_ Document       = (*OpSet)(nil)
	_ ChangeNotifier = (*OpSet)(nil)
	_ Snapshotter    = (*OpSet)(nil)
)

func NewOpSet() *OpSet {
	return &OpSet{
		ops:    make(map[string]Op),
		fields: make(map[string]Op),
	}
}

// integrate 调用方持锁；返回是否是新操作
func (d *OpSet) integrate(op Op) bool {
	if _, seen := d.ops[op.ID]; seen {
		return false
	}
	d.ops[op.ID] = op
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	if cur, ok := d.fields[op.Field]; !ok || wins(op, cur) {
		d.fields[op.Field] = op
	}
	return true
}

func (d *OpSet) ApplyRemoteUpdate(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	var u update
	if err := json.Unmarshal(b, &u); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDocumentDestroyed
	}
	for _, op := range u.Ops {
		if op.ID == "" {
			continue
		}
		d.integrate(op)
	}
	return nil
}

func (d *OpSet) Set(field, value string) error {
	return d.local(Op{Field: field, Value: value})
}

func (d *OpSet) Delete(field string) error {
	return d.local(Op{Field: field, Deleted: true})
}

func (d *OpSet) local(op Op) error {
	d.mu.Lock()
	if d.destroying || d.destroyed {
		d.mu.Unlock()
		return ErrDocumentDestroyed
	}
	d.lamport++
	op.Lamport = d.lamport
	op.ID = ulid.Make().String()
	d.integrate(op)
	d.pending = append(d.pending, op)
	listeners := append([]hook(nil), d.onChange...)
	d.mu.Unlock()

	// 回调在锁外执行，回调里可以直接 CaptureLocalUpdate
	for _, h := range listeners {
		h.fn()
	}
	return nil
}

func (d *OpSet) CaptureLocalUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil
	}
	b, err := json.Marshal(update{Ops: d.pending})
	if err != nil {
		return nil
	}
	d.pending = nil
	return b
}

func (d *OpSet) Get(field string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.fields[field]
	if !ok || op.Deleted {
		return "", false
	}
	return op.Value, true
}

// Fields 返回当前可见字段的拷贝
func (d *OpSet) Fields() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.fields))
	for k, op := range d.fields {
		if !op.Deleted {
			out[k] = op.Value
		}
	}
	return out
}

// EncodeState 导出全部操作，按 ID 排序保证相同状态编码一致
func (d *OpSet) EncodeState() []byte {
	d.mu.Lock()
	ops := make([]Op, 0, len(d.ops))
	for _, op := range d.ops {
		ops = append(ops, op)
	}
	d.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	b, _ := json.Marshal(update{Ops: ops})
	return b
}

func (d *OpSet) HasState() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops) > 0
}

// OnLocalChange 返回的函数用于注销，可重复调用
func (d *OpSet) OnLocalChange(fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHook++
	id := d.nextHook
	d.onChange = append(d.onChange, hook{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		d.onChange = removeHook(d.onChange, id)
		d.mu.Unlock()
	}
}

// OnDestroy 已销毁的文档直接回调
func (d *OpSet) OnDestroy(fn func()) func() {
	d.mu.Lock()
	if d.destroying || d.destroyed {
		d.mu.Unlock()
		fn()
		return func() {}
	}
	d.nextHook++
	id := d.nextHook
	d.onDestroy = append(d.onDestroy, hook{id: id, fn: fn})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.onDestroy = removeHook(d.onDestroy, id)
		d.mu.Unlock()
	}
}

// hookCount 当前注册的回调数
func (d *OpSet) hookCount() (change, destroy int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.onChange), len(d.onDestroy)
}

func (d *OpSet) Destroy() {
	d.mu.Lock()
	if d.destroying || d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroying = true
	// 先取出回调再标记销毁：回调里仍然可以 CaptureLocalUpdate 拿到最后的增量
	hooks := d.onDestroy
	d.onDestroy = nil
	d.onChange = nil
	d.mu.Unlock()

	for _, h := range hooks {
		h.fn()
	}

	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()
}

func (d *OpSet) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}
