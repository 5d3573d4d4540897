package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

type statusRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *statusRecorder) record(userID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := userID + ":offline"
	if online {
		s = userID + ":online"
	}
	r.events = append(r.events, s)
}

func (r *statusRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestAggregateStatusMultiDevice(t *testing.T) {
	ctx := context.Background()
	rec := &statusRecorder{}
	m := NewManager(NewMemPresence(), time.Minute, rec.record)

	// 第一端上线 -> 翻转为 online
	m.Online(ctx, "u1", "s1", "gw-1")
	// 第二端上线 -> 已在线，不重复发布
	m.Online(ctx, "u1", "s2", "gw-1")
	// 第一端下线 -> 仍有 s2，不发布
	m.Offline(ctx, "u1", "s1")
	// 第二端下线 -> 翻转为 offline
	m.Offline(ctx, "u1", "s2")

	got := rec.snapshot()
	want := []string{"u1:online", "u1:offline"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSessionExpiryCountsAsOffline(t *testing.T) {
	ctx := context.Background()
	p := NewMemPresence()
	now := time.Now()
	p.SetClock(func() time.Time { return now })

	m := NewManager(p, time.Minute, nil)
	m.Online(ctx, "u1", "s1", "gw-1")
	if !m.UserOnline(ctx, "u1") {
		t.Fatal("expected online")
	}

	// 时钟推过 TTL：会话过期，聚合态离线
	now = now.Add(2 * time.Minute)
	if m.UserOnline(ctx, "u1") {
		t.Fatal("expected offline after ttl expiry")
	}

	// 心跳续期后恢复在线
	now = now.Add(-2 * time.Minute)
	m.Heartbeat(ctx, "u1", "s1")
	now = now.Add(30 * time.Second)
	if !m.UserOnline(ctx, "u1") {
		t.Fatal("expected online after heartbeat")
	}
}
