package backfill

import (
	"PSync/client/replica"
	"PSync/logger"
	"PSync/tools/safe"
	"context"
	"sync"
)

// 单次补拉最多带多少个 ID，超出的留在队列里下一轮再发
const maxBatchSize = 200

// Target 一条补拉通道：同一通道上的请求严格串行。
// 消息补拉按会话分通道，用户/空间补拉 ChatID 为 0。
type Target struct {
	Kind   replica.Kind
	ChatID int64
}

// FetchFunc 执行一次补拉 RPC，把拉到的对象写进本地副本。
// 返回错误只记日志；更新流之后再引用同一对象时会重新触发补拉。
type FetchFunc func(ctx context.Context, target Target, ids []int64) error

// ResolveFunc 判断某对象本地是否已可用。内存副本直接用
// (*replica.Store).Has；带持久层的客户端可以换成先查库再查副本。
type ResolveFunc func(ref replica.Ref) bool

// Fetcher 按需补拉本地缺失的对象。
// 去重两层：本地可解析的不拉；已排队或在途的不重复排队。
// 失败不自动重试，避免对不可解析的 ID 打转。
type Fetcher struct {
	has   ResolveFunc
	fetch FetchFunc

	mu       sync.Mutex
	queued   map[Target]map[int64]struct{}
	inFlight map[Target]map[int64]struct{}
	running  map[Target]bool
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewFetcher(has ResolveFunc, fetch FetchFunc) *Fetcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		has:      has,
		fetch:    fetch,
		queued:   make(map[Target]map[int64]struct{}),
		inFlight: make(map[Target]map[int64]struct{}),
		running:  make(map[Target]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// EnsureCached 要求某个对象本地可用；缺失才排队补拉。
func (f *Fetcher) EnsureCached(target Target, id int64) {
	if f.has(replica.Ref{Kind: target.Kind, ID: id}) {
		return
	}
	f.mu.Lock()
	if _, dup := f.queued[target][id]; dup {
		f.mu.Unlock()
		return
	}
	if _, dup := f.inFlight[target][id]; dup {
		f.mu.Unlock()
		return
	}
	q := f.queued[target]
	if q == nil {
		q = make(map[int64]struct{})
		f.queued[target] = q
	}
	q[id] = struct{}{}
	start := !f.running[target]
	if start {
		f.running[target] = true
	}
	f.mu.Unlock()

	if start {
		safe.Go(func() { f.run(target) })
	}
}

// PendingCount 某通道排队 + 在途的 ID 数（测试用）。
func (f *Fetcher) PendingCount(target Target) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued[target]) + len(f.inFlight[target])
}

// Close 停掉所有在途补拉。
func (f *Fetcher) Close() { f.cancel() }

// run 某通道的唯一执行协程：队列取空即退出。
func (f *Fetcher) run(target Target) {
	for {
		f.mu.Lock()
		q := f.queued[target]
		if len(q) == 0 {
			// 两个集合都空了，通道整体回收
			delete(f.queued, target)
			delete(f.running, target)
			f.mu.Unlock()
			return
		}
		batch := make([]int64, 0, maxBatchSize)
		fl := make(map[int64]struct{}, maxBatchSize)
		for id := range q {
			batch = append(batch, id)
			fl[id] = struct{}{}
			delete(q, id)
			if len(batch) == maxBatchSize {
				break
			}
		}
		f.inFlight[target] = fl
		f.mu.Unlock()

		err := f.fetch(f.ctx, target, batch)
		if err != nil {
			logger.Warnf("backfill: fetch %s/%d (%d ids) failed: %v",
				target.Kind, target.ChatID, len(batch), err)
		}

		// 成败都清在途标记；失败的 ID 等下次被引用时再排队
		f.mu.Lock()
		delete(f.inFlight, target)
		f.mu.Unlock()
	}
}
