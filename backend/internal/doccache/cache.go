package doccache

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/registry"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/syncer"
)

// Entry 一个按需加载的子文档（例如数据库的一行）
type Entry struct {
	Key      string
	ID       string
	Session  *syncer.Session
	Document crdt.Document
	// 创建时是否用到了预取的种子
	Seeded bool
}

// Ready 首次权威同步完成后关闭
func (e *Entry) Ready() <-chan struct{} { return e.Session.Ready() }

type Options struct {
	// key -> 文档 id，默认取最后一段
	KeyToID func(key string) string
	// 默认 database_row
	Kind protocol.Kind
}

// Cache 按 key 惰性创建文档；并发请求同一个 key 只创建一次，条目只在 Evict 时移除
type Cache struct {
	reg    *registry.Registry
	seeds  store.SeedStore
	newDoc func(id string) crdt.Document
	opts   Options

	sf singleflight.Group

	mu      sync.Mutex
	entries map[string]*Entry
}

func RowKey(databaseID, rowID string) string {
	return databaseID + "/" + rowID
}

func lastSegment(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// New seeds 可以为 nil
func New(reg *registry.Registry, seeds store.SeedStore, newDoc func(id string) crdt.Document, opts Options) *Cache {
	if opts.KeyToID == nil {
		opts.KeyToID = lastSegment
	}
	if opts.Kind == "" {
		opts.Kind = protocol.KindDatabaseRow
	}
	return &Cache{
		reg:     reg,
		seeds:   seeds,
		newDoc:  newDoc,
		opts:    opts,
		entries: make(map[string]*Entry),
	}
}

func (c *Cache) lookup(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return nil
	}
	if e.Session.State() == syncer.StateDestroyed {
		// 文档被外部销毁，条目作废，下次重新创建
		delete(c.entries, key)
		metrics.CacheEntries.Dec()
		return nil
	}
	return e
}

// Get 已有条目直接返回；正在创建的加入等待；否则创建文档、取出并清除种子、注册同步会话
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	if e := c.lookup(key); e != nil {
		return e, nil
	}
	// 创建过程不随第一个调用方的 ctx 取消，其它等待者共享结果
	createCtx := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (interface{}, error) {
		if e := c.lookup(key); e != nil {
			return e, nil
		}
		return c.create(createCtx, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) create(ctx context.Context, key string) (*Entry, error) {
	id := c.opts.KeyToID(key)
	seeded := false
	factory := func(ctx context.Context, id string) (crdt.Document, error) {
		doc := c.newDoc(id)
		if c.seeds == nil {
			return doc, nil
		}
		blob, ok, err := c.seeds.Take(ctx, key)
		if err != nil {
			// 种子只是加速，取失败就走正常同步
			log.Printf("seed take failed key=%s err=%v", key, err)
			return doc, nil
		}
		if !ok {
			return doc, nil
		}
		metrics.SeedsConsumed.Inc()
		if err := doc.ApplyRemoteUpdate(blob); err != nil {
			log.Printf("seed apply failed key=%s bytes=%d err=%v", key, len(blob), err)
			return doc, nil
		}
		seeded = true
		return doc, nil
	}

	s, err := c.reg.Acquire(ctx, id, c.opts.Kind, factory)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	e := &Entry{Key: key, ID: id, Session: s, Document: s.Document(), Seeded: seeded}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	metrics.CacheEntries.Inc()
	return e, nil
}

// GetReady 同 Get，并等待首次权威同步完成
func (c *Cache) GetReady(ctx context.Context, key string) (*Entry, error) {
	e, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := e.Session.WaitSynced(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Evict 显式移除条目并立即释放注册表引用。返回条目是否存在。
// 条目的会话已被销毁重建时只丢弃条目，不碰新会话的引用
func (c *Cache) Evict(key string) bool {
	c.mu.Lock()
	e := c.entries[key]
	if e != nil {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if e == nil {
		return false
	}
	metrics.CacheEntries.Dec()
	c.reg.ReleaseSession(e.Session, 0)
	return true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Close 逐个 Evict
func (c *Cache) Close() {
	for _, k := range c.Keys() {
		c.Evict(k)
	}
}
