package doccache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/registry"
	"collabSync/backend/internal/router"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/syncer"
)

type serverStub struct {
	mu   sync.Mutex
	subs []func(protocol.Message)
	reqs map[string]int
}

func (s *serverStub) Name() string { return "network" }

// Send 收到握手直接回 sync_done
func (s *serverStub) Send(_ context.Context, m protocol.Message) error {
	s.mu.Lock()
	if s.reqs == nil {
		s.reqs = make(map[string]int)
	}
	if m.Type == protocol.TypeSyncRequest {
		s.reqs[m.DocumentID]++
	}
	subs := append([]func(protocol.Message){}, s.subs...)
	s.mu.Unlock()
	if m.Type == protocol.TypeSyncRequest {
		reply := protocol.Message{DocumentID: m.DocumentID, DocumentKind: m.DocumentKind, Type: protocol.TypeSyncDone}
		go func() {
			for _, fn := range subs {
				fn(reply)
			}
		}()
	}
	return nil
}

func (s *serverStub) Subscribe(fn func(protocol.Message)) func() {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
	return func() {}
}

type countingSeeds struct {
	*store.MemoryKV
	takes atomic.Int32
}

func (c *countingSeeds) Take(ctx context.Context, key string) ([]byte, bool, error) {
	c.takes.Add(1)
	return c.MemoryKV.Take(ctx, key)
}

func newCache(t *testing.T, seeds store.SeedStore, newDoc func(string) crdt.Document) (*Cache, *registry.Registry, *serverStub) {
	t.Helper()
	srv := &serverStub{}
	rt := router.New(srv, nil, router.Options{})
	rt.Start()
	reg := registry.New(rt, registry.Options{})
	c := New(reg, seeds, newDoc, Options{})
	t.Cleanup(func() {
		c.Close()
		reg.Close()
		rt.Stop()
	})
	return c, reg, srv
}

func TestCache_ConcurrentGetsCollapse(t *testing.T) {
	seeds := &countingSeeds{MemoryKV: store.NewMemoryKV()}
	key := RowKey(uuid.NewString(), uuid.NewString())

	src := crdt.NewOpSet()
	require.NoError(t, src.Set("cell", "42"))
	require.NoError(t, seeds.Put(context.Background(), key, src.EncodeState()))

	var created atomic.Int32
	c, _, _ := newCache(t, seeds, func(string) crdt.Document {
		created.Add(1)
		time.Sleep(10 * time.Millisecond)
		return crdt.NewOpSet()
	})

	const n = 10
	entries := make([]*Entry, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = c.Get(context.Background(), key)
		}(i)
	}
	wg.Wait()

	for i := range entries {
		require.NoError(t, errs[i])
		require.Same(t, entries[0], entries[i])
	}
	require.EqualValues(t, 1, created.Load())
	require.EqualValues(t, 1, seeds.takes.Load())
	require.True(t, entries[0].Seeded)

	v, ok := entries[0].Document.(*crdt.OpSet).Get("cell")
	require.True(t, ok, "seed applied before the entry is returned")
	require.Equal(t, "42", v)
}

func TestCache_SeedConsumedOnceAcrossEvict(t *testing.T) {
	seeds := store.NewMemoryKV()
	key := RowKey(uuid.NewString(), uuid.NewString())
	src := crdt.NewOpSet()
	require.NoError(t, src.Set("cell", "seeded"))
	require.NoError(t, seeds.Put(context.Background(), key, src.EncodeState()))

	c, reg, _ := newCache(t, seeds, func(string) crdt.Document { return crdt.NewOpSet() })

	first, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, first.Seeded)
	require.Equal(t, 0, seeds.Len())

	require.True(t, c.Evict(key))
	require.False(t, c.Evict(key))
	_, ok := reg.Lookup(first.ID)
	require.False(t, ok, "evict releases with zero grace")

	second, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.False(t, second.Seeded)
	_, ok = second.Document.(*crdt.OpSet).Get("cell")
	require.False(t, ok, "seed is not replayed")
}

func TestCache_GetReadyWaitsForSync(t *testing.T) {
	c, _, srv := newCache(t, nil, func(string) crdt.Document { return crdt.NewOpSet() })
	dbID, rowID := uuid.NewString(), uuid.NewString()

	e, err := c.GetReady(context.Background(), RowKey(dbID, rowID))
	require.NoError(t, err)
	require.Equal(t, rowID, e.ID)
	require.Equal(t, protocol.KindDatabaseRow, e.Session.Kind())
	select {
	case <-e.Ready():
	default:
		t.Fatal("entry not ready after GetReady")
	}

	srv.mu.Lock()
	require.Equal(t, 1, srv.reqs[rowID])
	srv.mu.Unlock()
}

func TestCache_InvalidKeyNotCached(t *testing.T) {
	c, _, _ := newCache(t, nil, func(string) crdt.Document { return crdt.NewOpSet() })
	_, err := c.Get(context.Background(), "db/not-a-uuid")
	require.ErrorIs(t, err, registry.ErrInvalidDocumentID)
	require.Equal(t, 0, c.Len())
}

func TestCache_DestroyedEntryRecreated(t *testing.T) {
	c, _, _ := newCache(t, nil, func(string) crdt.Document { return crdt.NewOpSet() })
	key := RowKey(uuid.NewString(), uuid.NewString())

	first, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	first.Document.Destroy()

	second, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, 1, c.Len())
}

func TestCache_StaleEvictKeepsOtherOwner(t *testing.T) {
	c, reg, _ := newCache(t, nil, func(string) crdt.Document { return crdt.NewOpSet() })
	key := RowKey(uuid.NewString(), uuid.NewString())

	e, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	e.Document.Destroy()

	// 别的持有者直接通过注册表拿到了新一代会话
	live, err := reg.Acquire(context.Background(), e.ID, protocol.KindDatabaseRow, func(context.Context, string) (crdt.Document, error) {
		return crdt.NewOpSet(), nil
	})
	require.NoError(t, err)
	require.NotSame(t, e.Session, live)

	require.True(t, c.Evict(key))
	require.Equal(t, 1, reg.Refs(e.ID))
	got, ok := reg.Lookup(e.ID)
	require.True(t, ok)
	require.Same(t, live, got)
	require.NotEqual(t, syncer.StateDestroyed, live.State())
	require.False(t, live.Document().(*crdt.OpSet).Destroyed())
}
