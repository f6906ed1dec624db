package presence

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

func exercise(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	docID := uuid.NewString()

	if err := c.AddMember(ctx, docID, 1, "alice", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := c.AddMember(ctx, docID, 2, "bob", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := c.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	if len(members) != 2 || members[0].Username != "alice" || members[1].Username != "bob" {
		t.Fatalf("members = %+v", members)
	}

	if err := c.SetCursor(ctx, docID, 1, []byte(`{"line":3}`), time.Minute); err != nil {
		t.Fatalf("SetCursor error: %v", err)
	}
	cur, err := c.GetCursor(ctx, docID, 1)
	if err != nil || string(cur) != `{"line":3}` {
		t.Fatalf("GetCursor = %s, %v", cur, err)
	}

	if err := c.RemoveMember(ctx, docID, 1); err != nil {
		t.Fatalf("RemoveMember error: %v", err)
	}
	if _, err := c.GetCursor(ctx, docID, 1); !errors.Is(err, ErrNoCursor) {
		t.Fatalf("GetCursor after leave err = %v, want ErrNoCursor", err)
	}
	members, _ = c.GetAliveMembersWithNames(ctx, docID)
	if len(members) != 1 || members[0].UserID != 2 {
		t.Fatalf("members after leave = %+v", members)
	}
}

func TestMemoryPresence(t *testing.T) {
	exercise(t, NewMemoryPresence())
}

func TestMemoryPresence_ExpiredMembersPruned(t *testing.T) {
	c := NewMemoryPresence()
	ctx := context.Background()
	_ = c.AddMember(ctx, "doc", 7, "ghost", -time.Second)
	members, err := c.GetAliveMembersWithNames(ctx, "doc")
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expired member still alive: %+v", members)
	}
}

func TestRedisPresence(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()
	exercise(t, NewRedisPresence(rdb))
}

func TestHandle_HeartbeatAndClose(t *testing.T) {
	c := NewMemoryPresence()
	h := NewHandle(c, "doc-1", 9, "carol", 0)
	if err := h.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat error: %v", err)
	}
	members, _ := h.Members(context.Background())
	if len(members) != 1 {
		t.Fatalf("members = %+v", members)
	}
	h.Close()
	h.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		members, _ = h.Members(context.Background())
		if len(members) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("member not removed after Close: %+v", members)
}

func TestHandle_KeepAliveRenewsUntilClose(t *testing.T) {
	c := NewMemoryPresence()
	ctx := context.Background()
	h := NewHandle(c, "doc-2", 3, "dave", 60*time.Millisecond)
	if err := h.Heartbeat(ctx); err != nil {
		t.Fatalf("Heartbeat error: %v", err)
	}
	h.KeepAlive(10 * time.Millisecond)
	h.KeepAlive(10 * time.Millisecond)

	// 远超 ttl 之后仍在线
	time.Sleep(200 * time.Millisecond)
	members, _ := h.Members(ctx)
	if len(members) != 1 || members[0].UserID != 3 {
		t.Fatalf("member expired despite keep-alive: %+v", members)
	}

	h.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		members, _ = h.Members(ctx)
		if len(members) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(members) != 0 {
		t.Fatalf("member not removed after Close: %+v", members)
	}
	// 续期已停止，不会把成员加回来
	time.Sleep(50 * time.Millisecond)
	if members, _ = h.Members(ctx); len(members) != 0 {
		t.Fatalf("member re-added after Close: %+v", members)
	}

	h.KeepAlive(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if members, _ = h.Members(ctx); len(members) != 0 {
		t.Fatalf("KeepAlive after Close renewed membership: %+v", members)
	}
}
