package replica

import (
	"sync"
)

// Kind 本地对象的类型名
type Kind string

const (
	KindUser    Kind = "user"
	KindChat    Kind = "chat"
	KindMessage Kind = "message"
	KindSpace   Kind = "space"
)

// Ref 本地对象的键
type Ref struct {
	Kind Kind
	ID   int64
}

// Object 字段级可合并的对象。更新描述的是新值而不是相对增量，
// 所以同一份补丁应用两遍之后状态不变——重放（推送和补发重叠）是安全的。
type Object map[string]any

func (o Object) clone() Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Store 客户端本地副本仓：keyed map + 订阅 + 批量通知。
// 其他组件只能通过这里读写副本对象；所有通知在调用方协程上按序触发。
type Store struct {
	mu      sync.Mutex
	objects map[Ref]Object

	// 每个 kind 的代数：该 kind 任意对象变化即递增，查询结果按代数缓存
	kindGen map[Kind]uint64

	nextSubID int
	objSubs   map[Ref]map[int]func(Ref)
	kindSubs  map[Kind]map[int]func()

	// batch 嵌套计数；归零时统一清算
	batchDepth   int
	pendingRefs  map[Ref]struct{}
	pendingKinds map[Kind]struct{}
}

func NewStore() *Store {
	return &Store{
		objects:      make(map[Ref]Object),
		kindGen:      make(map[Kind]uint64),
		objSubs:      make(map[Ref]map[int]func(Ref)),
		kindSubs:     make(map[Kind]map[int]func()),
		pendingRefs:  make(map[Ref]struct{}),
		pendingKinds: make(map[Kind]struct{}),
	}
}

// Insert 整体替换（或新建）。
func (s *Store) Insert(ref Ref, obj Object) {
	s.mu.Lock()
	s.objects[ref] = obj.clone()
	s.touchLocked(ref)
	fire := s.collectLocked(ref)
	s.mu.Unlock()
	runAll(fire)
}

// Update 字段级合并；补丁里没有的字段保留原值；对象不存在时等同 Insert。
func (s *Store) Update(ref Ref, patch Object) {
	s.mu.Lock()
	cur, ok := s.objects[ref]
	if !ok {
		cur = make(Object, len(patch))
		s.objects[ref] = cur
	}
	for k, v := range patch {
		cur[k] = v
	}
	s.touchLocked(ref)
	fire := s.collectLocked(ref)
	s.mu.Unlock()
	runAll(fire)
}

// Delete 移除对象。
func (s *Store) Delete(ref Ref) {
	s.mu.Lock()
	if _, ok := s.objects[ref]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.objects, ref)
	s.touchLocked(ref)
	fire := s.collectLocked(ref)
	s.mu.Unlock()
	runAll(fire)
}

// Get 返回对象副本，避免调用方越过 Store 改状态。
func (s *Store) Get(ref Ref) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[ref]
	if !ok {
		return nil, false
	}
	return obj.clone(), true
}

// Has 对象是否存在（backfill 的本地可解析判断用）。
func (s *Store) Has(ref Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[ref]
	return ok
}

// Len 当前对象数（测试用）。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// ===== 订阅 =====

// SubscribeObject 对象级订阅；返回注销函数。
func (s *Store) SubscribeObject(ref Ref, fn func(Ref)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	mm := s.objSubs[ref]
	if mm == nil {
		mm = make(map[int]func(Ref))
		s.objSubs[ref] = mm
	}
	mm[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if mm := s.objSubs[ref]; mm != nil {
			delete(mm, id)
			if len(mm) == 0 {
				delete(s.objSubs, ref)
			}
		}
	}
}

// SubscribeKind 查询级订阅：该 kind 任意对象变化后触发（可能影响谓词结果）。
func (s *Store) SubscribeKind(kind Kind, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	mm := s.kindSubs[kind]
	if mm == nil {
		mm = make(map[int]func())
		s.kindSubs[kind] = mm
	}
	mm[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if mm := s.kindSubs[kind]; mm != nil {
			delete(mm, id)
			if len(mm) == 0 {
				delete(s.kindSubs, kind)
			}
		}
	}
}

// Batch 批量作用域：内部（含嵌套 Batch）的所有变更只在最外层关闭时
// 通知一次，每个受影响的订阅者恰好触发一次。
func (s *Store) Batch(fn func()) {
	s.mu.Lock()
	s.batchDepth++
	s.mu.Unlock()

	fn()

	s.mu.Lock()
	s.batchDepth--
	var fire []func()
	if s.batchDepth == 0 {
		fire = s.flushLocked()
	}
	s.mu.Unlock()
	runAll(fire)
}

// ===== 内部 =====

func (s *Store) touchLocked(ref Ref) {
	s.kindGen[ref.Kind]++
}

// collectLocked 非批量路径直接给出要触发的回调；批量路径只记账。
func (s *Store) collectLocked(ref Ref) []func() {
	if s.batchDepth > 0 {
		s.pendingRefs[ref] = struct{}{}
		s.pendingKinds[ref.Kind] = struct{}{}
		return nil
	}
	return s.callbacksLocked(map[Ref]struct{}{ref: {}}, map[Kind]struct{}{ref.Kind: {}})
}

func (s *Store) flushLocked() []func() {
	refs, kinds := s.pendingRefs, s.pendingKinds
	s.pendingRefs = make(map[Ref]struct{})
	s.pendingKinds = make(map[Kind]struct{})
	return s.callbacksLocked(refs, kinds)
}

func (s *Store) callbacksLocked(refs map[Ref]struct{}, kinds map[Kind]struct{}) []func() {
	var out []func()
	for ref := range refs {
		r := ref
		for _, fn := range s.objSubs[r] {
			f := fn
			out = append(out, func() { f(r) })
		}
	}
	for kind := range kinds {
		for _, fn := range s.kindSubs[kind] {
			out = append(out, fn)
		}
	}
	return out
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
