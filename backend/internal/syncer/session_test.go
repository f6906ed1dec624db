package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/protocol"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
	fail int // 前 fail 次发送返回错误
}

func (r *recorder) emit(m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	if r.fail > 0 {
		r.fail--
		return errors.New("network down")
	}
	return nil
}

func (r *recorder) ofType(t protocol.Type) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func TestSession_HandshakeToSynced(t *testing.T) {
	rec := &recorder{}
	id := uuid.NewString()
	doc := crdt.NewOpSet()
	synced := 0
	s := New(id, protocol.KindDocument, 1, doc, rec.emit, Options{OnSynced: func(*Session) { synced++ }})
	require.Equal(t, StateInit, s.State())

	s.Start()
	s.Start()
	require.Equal(t, StateSyncing, s.State())
	require.Len(t, rec.ofType(protocol.TypeSyncRequest), 1)

	// 握手期间的更新照样应用
	remote := crdt.NewOpSet()
	require.NoError(t, remote.Set("title", "server"))
	state := remote.EncodeState()
	s.HandleMessage("network", protocol.Message{DocumentID: id, Type: protocol.TypeUpdate, Payload: state})
	require.Equal(t, StateSyncing, s.State())
	v, _ := doc.Get("title")
	require.Equal(t, "server", v)

	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s.HandleMessage("network", protocol.Message{DocumentID: id, DocumentKind: protocol.KindDocument, Type: protocol.TypeSyncDone, Payload: state, Timestamp: &ts})
	require.Equal(t, StateSynced, s.State())
	require.Equal(t, 1, synced)
	require.NoError(t, s.WaitSynced(context.Background()))

	rec2, ok := s.LastUpdate()
	require.True(t, ok)
	require.Equal(t, "network", rec2.Source)
	require.Equal(t, ts, *rec2.Timestamp)
	require.Equal(t, protocol.KindDocument, rec2.Kind)
}

func TestSession_TrustLocalStateSkipsWait(t *testing.T) {
	rec := &recorder{}
	doc := crdt.NewOpSet()
	require.NoError(t, doc.Set("k", "v"))
	_ = doc.CaptureLocalUpdate()

	s := New(uuid.NewString(), protocol.KindFolder, 1, doc, rec.emit, Options{TrustLocalState: true})
	s.Start()
	require.Equal(t, StateSynced, s.State())

	reqs := rec.ofType(protocol.TypeSyncRequest)
	require.Len(t, reqs, 1, "handshake is still sent")
	require.NotEmpty(t, reqs[0].Payload, "local state is pushed with the handshake")
}

func TestSession_FlushOnDestroy(t *testing.T) {
	rec := &recorder{}
	doc := crdt.NewOpSet()
	var updatesAtClose int
	s := New(uuid.NewString(), protocol.KindDocument, 1, doc, rec.emit, Options{
		FlushDelay: 50 * time.Millisecond,
		OnClosed: func(*Session) {
			updatesAtClose = len(rec.ofType(protocol.TypeUpdate))
		},
	})
	s.Start()
	s.HandleMessage("network", protocol.Message{DocumentID: s.ID(), Type: protocol.TypeSyncDone})
	require.Equal(t, StateSynced, s.State())

	require.NoError(t, doc.Set("title", "unsaved"))
	require.Empty(t, rec.ofType(protocol.TypeUpdate), "flush is deferred")

	doc.Destroy()
	require.Len(t, rec.ofType(protocol.TypeUpdate), 1, "pending update flushed synchronously")
	require.Equal(t, 1, updatesAtClose, "flush happens before the registry is notified")
	require.Equal(t, StateDestroyed, s.State())

	time.Sleep(120 * time.Millisecond)
	require.Len(t, rec.ofType(protocol.TypeUpdate), 1, "no duplicate flush on later ticks")
}

func TestSession_DeferredFlushBatches(t *testing.T) {
	rec := &recorder{}
	doc := crdt.NewOpSet()
	s := New(uuid.NewString(), protocol.KindDocument, 1, doc, rec.emit, Options{FlushDelay: 20 * time.Millisecond})
	s.Start()

	require.NoError(t, doc.Set("a", "1"))
	require.NoError(t, doc.Set("b", "2"))
	require.Eventually(t, func() bool { return len(rec.ofType(protocol.TypeUpdate)) == 1 }, time.Second, 5*time.Millisecond)

	peer := crdt.NewOpSet()
	require.NoError(t, peer.ApplyRemoteUpdate(rec.ofType(protocol.TypeUpdate)[0].Payload))
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, peer.Fields())
}

func TestSession_InboundAfterDestroyDropped(t *testing.T) {
	rec := &recorder{}
	doc := crdt.NewOpSet()
	s := New(uuid.NewString(), protocol.KindDocument, 1, doc, rec.emit, Options{})
	s.Start()
	doc.Destroy()

	remote := crdt.NewOpSet()
	require.NoError(t, remote.Set("late", "x"))
	s.HandleMessage("broadcast", protocol.Message{DocumentID: s.ID(), Type: protocol.TypeUpdate, Payload: remote.EncodeState()})

	_, ok := s.LastUpdate()
	require.False(t, ok)
	require.ErrorIs(t, s.WaitSynced(context.Background()), ErrSessionDestroyed)
}

func TestSession_FailedSendRetainedForNextFlush(t *testing.T) {
	rec := &recorder{}
	doc := crdt.NewOpSet()
	s := New(uuid.NewString(), protocol.KindDocument, 1, doc, rec.emit, Options{})
	s.Start()

	rec.mu.Lock()
	rec.fail = 1
	rec.mu.Unlock()
	require.NoError(t, doc.Set("a", "1"))
	require.Len(t, rec.ofType(protocol.TypeUpdate), 1)

	require.NoError(t, doc.Set("b", "2"))
	updates := rec.ofType(protocol.TypeUpdate)
	require.Len(t, updates, 3, "failed payload is re-sent before the new one")
	require.Equal(t, updates[0].Payload, updates[1].Payload)
}

func TestSession_DetachKeepsDocumentAlive(t *testing.T) {
	rec := &recorder{}
	doc := crdt.NewOpSet()
	closed := 0
	s := New(uuid.NewString(), protocol.KindDatabase, 1, doc, rec.emit, Options{
		FlushDelay: time.Hour,
		OnClosed:   func(*Session) { closed++ },
	})
	s.Start()
	require.NoError(t, doc.Set("a", "1"))

	s.Detach()
	require.Len(t, rec.ofType(protocol.TypeUpdate), 1)
	require.False(t, doc.Destroyed())

	doc.Destroy()
	require.Equal(t, 1, closed)
}

func TestSession_ResyncKeepsSyncedState(t *testing.T) {
	rec := &recorder{}
	doc := crdt.NewOpSet()
	s := New(uuid.NewString(), protocol.KindDocument, 1, doc, rec.emit, Options{})

	s.Resync()
	require.Empty(t, rec.ofType(protocol.TypeSyncRequest), "no handshake before Start")

	s.Start()
	s.HandleMessage("network", protocol.Message{DocumentID: s.ID(), Type: protocol.TypeSyncDone})
	s.Resync()
	require.Len(t, rec.ofType(protocol.TypeSyncRequest), 2)
	require.Equal(t, StateSynced, s.State())
}

func TestSession_InFlightFlushFailingAfterDestroyIsResent(t *testing.T) {
	doc := crdt.NewOpSet()
	blocked := make(chan struct{})
	release := make(chan struct{})
	var (
		mu        sync.Mutex
		calls     int
		delivered [][]byte
	)
	emit := func(m protocol.Message) error {
		if m.Type != protocol.TypeUpdate {
			return nil
		}
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			// 第一次发送卡住，期间文档被销毁，随后这次发送失败
			close(blocked)
			<-release
			return errors.New("network down")
		}
		mu.Lock()
		delivered = append(delivered, m.Payload)
		mu.Unlock()
		return nil
	}
	s := New(uuid.NewString(), protocol.KindDocument, 1, doc, emit, Options{})
	s.Start()

	setDone := make(chan error, 1)
	go func() { setDone <- doc.Set("title", "in flight") }()
	<-blocked

	doc.Destroy()
	require.Equal(t, StateDestroyed, s.State())
	close(release)
	require.NoError(t, <-setDone)

	mu.Lock()
	defer mu.Unlock()
	peer := crdt.NewOpSet()
	for _, p := range delivered {
		require.NoError(t, peer.ApplyRemoteUpdate(p))
	}
	v, ok := peer.Get("title")
	require.True(t, ok, "local edit must reach the channels")
	require.Equal(t, "in flight", v)
}

func TestSession_FlushCountsOnlySuccessfulSends(t *testing.T) {
	rec := &recorder{}
	doc := crdt.NewOpSet()
	s := New(uuid.NewString(), protocol.KindDocument, 1, doc, rec.emit, Options{FlushDelay: time.Hour})
	s.Start()

	require.NoError(t, doc.Set("a", "1"))
	rec.mu.Lock()
	rec.fail = 1
	rec.mu.Unlock()
	require.Equal(t, 0, s.Flush())

	require.NoError(t, doc.Set("b", "2"))
	require.Equal(t, 2, s.Flush(), "retained payload and the new one")
	require.Equal(t, 0, s.Flush())
}

func TestSession_DetachUnsubscribesFromDocument(t *testing.T) {
	rec := &recorder{}
	doc := crdt.NewOpSet()
	closed := 0
	for i := 0; i < 3; i++ {
		s := New(uuid.NewString(), protocol.KindDocument, uint64(i+1), doc, rec.emit, Options{
			OnClosed: func(*Session) { closed++ },
		})
		s.Start()
		s.Detach()
	}
	require.Equal(t, 3, closed)

	require.NoError(t, doc.Set("a", "1"))
	require.Empty(t, rec.ofType(protocol.TypeUpdate), "detached sessions no longer flush")

	doc.Destroy()
	require.Equal(t, 3, closed, "detached sessions are not closed twice")
}
