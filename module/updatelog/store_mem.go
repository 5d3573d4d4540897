package updatelog

import (
	"context"
	"sync"
	"time"
)

// MemStore 内存实现：单测和单机开发用。和 Mongo 实现遵守同一套契约。
type MemStore struct {
	mu   sync.Mutex
	logs map[EntityKey]*entityLog
}

type entityLog struct {
	rows []Update
	// 已发号的最大 seq；失败路径在内存实现里不存在，发号即提交
	issuedSeq int32
	// 已被 Compact 清掉的最大 seq；游标低于它就需要 resync
	compactedThrough int32
}

func NewMemStore() *MemStore {
	return &MemStore{logs: make(map[EntityKey]*entityLog)}
}

func (s *MemStore) log(bucket Bucket, entityID int64) *entityLog {
	k := EntityKey{Bucket: bucket, EntityID: entityID}
	l := s.logs[k]
	if l == nil {
		l = &entityLog{}
		s.logs[k] = l
	}
	return l
}

func (s *MemStore) Append(_ context.Context, bucket Bucket, entityID int64, payload []byte) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.log(bucket, entityID)
	l.issuedSeq++
	u := Update{
		Bucket:   bucket,
		EntityID: entityID,
		Seq:      l.issuedSeq,
		Date:     time.Now().UnixMilli(),
		Payload:  append([]byte(nil), payload...),
	}
	l.rows = append(l.rows, u)
	return u, nil
}

func (s *MemStore) RangeAfter(_ context.Context, bucket Bucket, entityID int64, afterSeq int32, limit int) ([]Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[EntityKey{Bucket: bucket, EntityID: entityID}]
	if !ok {
		return nil, nil
	}
	if afterSeq < l.compactedThrough {
		return nil, &ResyncError{CompactedThrough: l.compactedThrough}
	}
	var out []Update
	for _, u := range l.rows {
		if u.Seq <= afterSeq {
			continue
		}
		out = append(out, u)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) MaxSeq(_ context.Context, bucket Bucket, entityID int64) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[EntityKey{Bucket: bucket, EntityID: entityID}]
	if !ok {
		return 0, nil
	}
	return l.issuedSeq, nil
}

func (s *MemStore) Compact(_ context.Context, bucket Bucket, entityID int64, throughSeq int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[EntityKey{Bucket: bucket, EntityID: entityID}]
	if !ok {
		return nil
	}
	kept := l.rows[:0]
	for _, u := range l.rows {
		if u.Seq > throughSeq {
			kept = append(kept, u)
		}
	}
	l.rows = kept
	if throughSeq > l.compactedThrough {
		l.compactedThrough = throughSeq
	}
	return nil
}
