package dispatcher

import (
	"context"
	"sync"
	"testing"

	"PSync/module/updatelog"
)

type chanSink struct {
	mu      sync.Mutex
	batches [][]updatelog.Update
	full    bool
}

func (s *chanSink) Deliver(batch []updatelog.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.batches = append(s.batches, batch)
	return true
}

func (s *chanSink) all() []updatelog.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []updatelog.Update
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func TestFanOutToSubscribedSessionsOnly(t *testing.T) {
	store := updatelog.NewMemStore()
	d := NewDispatcher(store, nil, "gw-1")
	ctx := context.Background()

	chat10 := updatelog.EntityKey{Bucket: updatelog.BucketChat, EntityID: 10}
	chat11 := updatelog.EntityKey{Bucket: updatelog.BucketChat, EntityID: 11}

	// 同一用户两端 + 另一个用户
	a1, a2, b1 := &chanSink{}, &chanSink{}, &chanSink{}
	d.Attach("s-a1", 1, a1)
	d.Attach("s-a2", 1, a2)
	d.Attach("s-b1", 2, b1)
	d.Subscribe("s-a1", chat10)
	d.Subscribe("s-a2", chat10)
	d.Subscribe("s-b1", chat11)

	u, err := store.Append(ctx, updatelog.BucketChat, 10, []byte(`{}`))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	d.Publish(u)

	// 发起用户的所有端都收到（多设备一致性）
	if len(a1.all()) != 1 || len(a2.all()) != 1 {
		t.Fatalf("expected both sessions of user 1 to receive, got %d/%d", len(a1.all()), len(a2.all()))
	}
	// 无订阅关系的会话收不到
	if len(b1.all()) != 0 {
		t.Fatalf("expected session without interest to receive nothing, got %d", len(b1.all()))
	}
}

func TestPushFailureIsSwallowed(t *testing.T) {
	store := updatelog.NewMemStore()
	d := NewDispatcher(store, nil, "gw-1")
	ctx := context.Background()

	key := updatelog.EntityKey{Bucket: updatelog.BucketChat, EntityID: 10}
	stuck := &chanSink{full: true}
	ok := &chanSink{}
	d.Attach("s-stuck", 1, stuck)
	d.Attach("s-ok", 2, ok)
	d.Subscribe("s-stuck", key)
	d.Subscribe("s-ok", key)

	u, _ := store.Append(ctx, updatelog.BucketChat, 10, nil)
	d.Publish(u) // 投不进去的那条不报错，也不影响其他会话

	if len(ok.all()) != 1 {
		t.Fatalf("expected healthy session to receive update")
	}
}

func TestDetachRemovesInterests(t *testing.T) {
	store := updatelog.NewMemStore()
	d := NewDispatcher(store, nil, "gw-1")
	ctx := context.Background()

	key := updatelog.EntityKey{Bucket: updatelog.BucketChat, EntityID: 10}
	s := &chanSink{}
	d.Attach("s-1", 1, s)
	d.Subscribe("s-1", key)
	d.Detach("s-1")

	u, _ := store.Append(ctx, updatelog.BucketChat, 10, nil)
	d.Publish(u)

	if len(s.all()) != 0 {
		t.Fatalf("expected no delivery after detach")
	}
}

func TestCatchUpOrderedAndResync(t *testing.T) {
	store := updatelog.NewMemStore()
	d := NewDispatcher(store, nil, "gw-1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, updatelog.BucketChat, 10, nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, updatelog.BucketSpace, 7, nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	// chat 20 已被整体压缩到 4
	for i := 0; i < 4; i++ {
		if _, err := store.Append(ctx, updatelog.BucketChat, 20, nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := store.Compact(ctx, updatelog.BucketChat, 20, 4); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	res, err := d.CatchUp(ctx, []updatelog.Cursor{
		{Bucket: updatelog.BucketChat, EntityID: 10, LastSeenSeq: 3},
		{Bucket: updatelog.BucketSpace, EntityID: 7, LastSeenSeq: 0},
		{Bucket: updatelog.BucketChat, EntityID: 20, LastSeenSeq: 1},
	})
	if err != nil {
		t.Fatalf("CatchUp failed: %v", err)
	}

	// chat 10: seq 4,5；space 7: seq 1..3
	perEntity := map[updatelog.EntityKey][]int32{}
	for _, u := range res.Updates {
		perEntity[u.Key()] = append(perEntity[u.Key()], u.Seq)
	}
	chat10 := perEntity[updatelog.EntityKey{Bucket: updatelog.BucketChat, EntityID: 10}]
	if len(chat10) != 2 || chat10[0] != 4 || chat10[1] != 5 {
		t.Fatalf("expected chat10 seq [4 5], got %v", chat10)
	}
	space7 := perEntity[updatelog.EntityKey{Bucket: updatelog.BucketSpace, EntityID: 7}]
	if len(space7) != 3 || space7[0] != 1 || space7[2] != 3 {
		t.Fatalf("expected space7 seq [1 2 3], got %v", space7)
	}

	if len(res.Resync) != 1 || res.Resync[0].EntityID != 20 || res.Resync[0].CompactedThrough != 4 {
		t.Fatalf("expected resync for chat 20 through 4, got %v", res.Resync)
	}
}
