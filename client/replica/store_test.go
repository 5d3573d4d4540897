package replica

import (
	"reflect"
	"testing"
)

func TestUpdateMergePreservesOtherFields(t *testing.T) {
	s := NewStore()
	ref := Ref{Kind: KindChat, ID: 7}
	s.Insert(ref, Object{"title": "general", "unread": int64(3)})

	s.Update(ref, Object{"unread": int64(0)})

	got, ok := s.Get(ref)
	if !ok {
		t.Fatal("object missing after update")
	}
	if got["title"] != "general" {
		t.Fatalf("title lost on merge: %v", got)
	}
	if got["unread"] != int64(0) {
		t.Fatalf("unread = %v, want 0", got["unread"])
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	s := NewStore()
	ref := Ref{Kind: KindMessage, ID: 1}
	s.Insert(ref, Object{"text": "hi", "edited": false})

	patch := Object{"text": "hi!", "edited": true}
	s.Update(ref, patch)
	first, _ := s.Get(ref)
	s.Update(ref, patch)
	second, _ := s.Get(ref)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replaying the same patch changed state: %v vs %v", first, second)
	}
}

func TestUpdateMissingObjectInserts(t *testing.T) {
	s := NewStore()
	ref := Ref{Kind: KindUser, ID: 42}
	s.Update(ref, Object{"name": "ana"})
	if got, ok := s.Get(ref); !ok || got["name"] != "ana" {
		t.Fatalf("update-as-insert failed: %v %v", got, ok)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	ref := Ref{Kind: KindUser, ID: 1}
	s.Insert(ref, Object{"name": "bo"})
	got, _ := s.Get(ref)
	got["name"] = "hacked"
	again, _ := s.Get(ref)
	if again["name"] != "bo" {
		t.Fatal("Get leaked internal map")
	}
}

func TestBatchNotifiesEachListenerOnce(t *testing.T) {
	s := NewStore()
	a := Ref{Kind: KindMessage, ID: 1}
	b := Ref{Kind: KindMessage, ID: 2}

	objHits := 0
	kindHits := 0
	s.SubscribeObject(a, func(Ref) { objHits++ })
	s.SubscribeKind(KindMessage, func() { kindHits++ })

	s.Batch(func() {
		s.Insert(a, Object{"text": "1"})
		s.Update(a, Object{"text": "1!"})
		s.Insert(b, Object{"text": "2"})
		// 嵌套 batch 也归并到最外层
		s.Batch(func() {
			s.Update(b, Object{"text": "2!"})
		})
	})

	if objHits != 1 {
		t.Fatalf("object listener fired %d times, want 1", objHits)
	}
	if kindHits != 1 {
		t.Fatalf("kind listener fired %d times, want 1", kindHits)
	}
}

func TestBatchEquivalentToSequential(t *testing.T) {
	apply := func(s *Store) {
		a := Ref{Kind: KindChat, ID: 1}
		s.Insert(a, Object{"title": "x", "unread": int64(1)})
		s.Update(a, Object{"unread": int64(2)})
		s.Delete(Ref{Kind: KindChat, ID: 9})
		s.Insert(Ref{Kind: KindChat, ID: 2}, Object{"title": "y"})
	}

	batched := NewStore()
	batched.Batch(func() { apply(batched) })
	plain := NewStore()
	apply(plain)

	if !reflect.DeepEqual(batched.objects, plain.objects) {
		t.Fatalf("batched apply diverged: %v vs %v", batched.objects, plain.objects)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewStore()
	ref := Ref{Kind: KindUser, ID: 5}
	hits := 0
	off := s.SubscribeObject(ref, func(Ref) { hits++ })
	s.Insert(ref, Object{"name": "c"})
	off()
	s.Update(ref, Object{"name": "d"})
	if hits != 1 {
		t.Fatalf("listener fired %d times after unsubscribe, want 1", hits)
	}
}

func TestQueryMemoizedUntilKindChanges(t *testing.T) {
	s := NewStore()
	for i := int64(1); i <= 3; i++ {
		s.Insert(Ref{Kind: KindMessage, ID: i}, Object{"chatId": int64(100)})
	}
	s.Insert(Ref{Kind: KindMessage, ID: 4}, Object{"chatId": int64(200)})

	evals := 0
	q := NewQuery(s, KindMessage, func(_ Ref, obj Object) bool {
		evals++
		return obj["chatId"] == int64(100)
	})

	if got := q.Count(); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	firstEvals := evals
	q.Refs() // 缓存命中，不再跑谓词
	if evals != firstEvals {
		t.Fatalf("predicate re-evaluated on cached query: %d -> %d", firstEvals, evals)
	}

	// 别的 kind 变化不打掉缓存
	s.Insert(Ref{Kind: KindUser, ID: 1}, Object{"name": "e"})
	q.Refs()
	if evals != firstEvals {
		t.Fatal("user change invalidated message query cache")
	}

	// 本 kind 变化后重新求值
	s.Insert(Ref{Kind: KindMessage, ID: 5}, Object{"chatId": int64(100)})
	if got := q.Count(); got != 4 {
		t.Fatalf("count after insert = %d, want 4", got)
	}
}

func TestQueryRefsOrdered(t *testing.T) {
	s := NewStore()
	for _, id := range []int64{5, 1, 3} {
		s.Insert(Ref{Kind: KindChat, ID: id}, Object{})
	}
	q := NewQuery(s, KindChat, nil)
	refs := q.Refs()
	want := []int64{1, 3, 5}
	for i, r := range refs {
		if r.ID != want[i] {
			t.Fatalf("refs out of order: %v", refs)
		}
	}
}
