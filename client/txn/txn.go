package txn

import (
	"context"

	"PSync/tools/safe"

	"github.com/google/uuid"
)

// State 事务生命周期
type State int32

const (
	StateQueued   State = iota // 排队等待发送
	StateSending               // 正在写入连接
	StateInFlight              // 已发出，等服务端回执
	StateDone                  // 终态：成功
	StateFailed                // 终态：服务端拒绝
	StateCanceled              // 终态：本地取消
)

// Hooks 事务各阶段的回调，全部可选。
// Optimistic 在入队时同步执行一次（乐观写本地副本）；
// Apply 在收到成功结果后执行；Failed / Cancelled 负责回滚乐观效果。
type Hooks struct {
	Optimistic func()
	Apply      func(result map[string]any)
	Failed     func(err error)
	Cancelled  func()
}

// Transaction 一笔待发送的 RPC 调用。RandomID 作为服务端幂等键，
// 从建立起就固定不变：同一笔事务无论重发多少次，服务端只生效一次。
type Transaction struct {
	RandomID string
	Method   string
	Params   map[string]any
	Hooks    Hooks

	// LocalOnly 只执行 Optimistic，不走网络，入队即完成
	LocalOnly bool

	state State
	msgID uint64 // 当前在途请求的 msgId，重发时更新
	done  chan struct{}

	result map[string]any
	err    error
}

// New 组装一笔事务；RandomID 自动生成。
func New(method string, params map[string]any, hooks Hooks) *Transaction {
	return &Transaction{
		RandomID: uuid.NewString(),
		Method:   method,
		Params:   params,
		Hooks:    hooks,
		done:     make(chan struct{}),
	}
}

// State 当前状态。只保证在引擎回调之外观测用。
func (t *Transaction) State() State { return t.state }

// Wait 阻塞到事务终态或 ctx 取消。ctx 取消不回收事务本身，
// 事务仍会继续重试直到终态或 CancelWhere。
func (t *Transaction) Wait(ctx context.Context) (map[string]any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done 终态通知通道。
func (t *Transaction) Done() <-chan struct{} { return t.done }

// 终态流程统一为：置状态 -> 跑钩子 -> 关 done。
// 钩子先于 done 关闭：Wait 返回时本地副本一定已经补偿/落好结果。
// 钩子包在 safe.Call 里，坏回调不拖垮事件循环。

func (t *Transaction) resolve(result map[string]any) {
	t.state = StateDone
	t.result = result
	if t.Hooks.Apply != nil {
		safe.Call(func() { t.Hooks.Apply(result) })
	}
	close(t.done)
}

func (t *Transaction) reject(err error) {
	t.state = StateFailed
	t.err = err
	if t.Hooks.Failed != nil {
		safe.Call(func() { t.Hooks.Failed(err) })
	}
	close(t.done)
}

func (t *Transaction) cancel(err error) {
	t.state = StateCanceled
	t.err = err
	if t.Hooks.Cancelled != nil {
		safe.Call(t.Hooks.Cancelled)
	}
	close(t.done)
}
