package store

import (
	"context"
	"errors"
	"sync"

	"collabSync/backend/internal/crdt"
)

// KV 持久化本地存储：在网络同步完成前用它给文档"垫底"
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, val []byte) error
}

// SeedStore 预取的种子快照。Take 是取出即删除，同一份种子最多被消费一次
type SeedStore interface {
	Put(ctx context.Context, key string, val []byte) error
	Take(ctx context.Context, key string) ([]byte, bool, error)
}

var ErrEmptyKey = errors.New("EMPTY_KEY")

// MemoryKV 进程内实现，同时满足 KV 和 SeedStore
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

var (
	_ KV        = (*MemoryKV)(nil)
	_ SeedStore = (*MemoryKV)(nil)
)

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, val []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), val...)
	return nil
}

func (m *MemoryKV) Take(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	delete(m.data, key)
	return v, true, nil
}

func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// PutSeeds 批量写入（一次性拉取整张表的行差异之后调用）
func PutSeeds(ctx context.Context, s SeedStore, seeds map[string][]byte) error {
	for k, v := range seeds {
		if err := s.Put(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// SeededFactory 新建文档后先用本地存储里的状态垫底，再交给同步层
func SeededFactory(kv KV, newDoc func() crdt.Document) func(ctx context.Context, id string) (crdt.Document, error) {
	return func(ctx context.Context, id string) (crdt.Document, error) {
		doc := newDoc()
		if kv == nil {
			return doc, nil
		}
		state, ok, err := kv.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := doc.ApplyRemoteUpdate(state); err != nil {
				return nil, err
			}
		}
		return doc, nil
	}
}
