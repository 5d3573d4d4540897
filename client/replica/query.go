package replica

import "sort"

// Query 按谓词筛选某个 kind 的全部对象，结果带缓存：
// 只要该 kind 的代数没有变化，重复求值直接返回上次的结果切片。
type Query struct {
	store *Store
	kind  Kind
	pred  func(Ref, Object) bool

	cachedGen uint64
	cached    []Ref
	valid     bool
}

// NewQuery pred 为 nil 时匹配该 kind 的所有对象。
func NewQuery(store *Store, kind Kind, pred func(Ref, Object) bool) *Query {
	return &Query{store: store, kind: kind, pred: pred}
}

// Refs 返回命中对象的键，按 ID 升序，保证遍历顺序稳定。
func (q *Query) Refs() []Ref {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := s.kindGen[q.kind]
	if q.valid && gen == q.cachedGen {
		return q.cached
	}

	var out []Ref
	for ref, obj := range s.objects {
		if ref.Kind != q.kind {
			continue
		}
		if q.pred != nil && !q.pred(ref, obj) {
			continue
		}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	q.cachedGen = gen
	q.cached = out
	q.valid = true
	return out
}

// Count 命中数量。
func (q *Query) Count() int { return len(q.Refs()) }

// Subscribe 该 kind 有任何变化就回调；回调里重新 Refs() 拿最新结果。
func (q *Query) Subscribe(fn func()) func() {
	return q.store.SubscribeKind(q.kind, fn)
}
