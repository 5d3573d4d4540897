package txn

import (
	"PSync/logger"
	"PSync/tools/errs"
	"PSync/tools/safe"
	"sync"
)

// Sender 把一笔事务写到当前连接上。msgId 由引擎先取号：
// 回执登记必须发生在帧写出之前，否则快回执会在登记前到达而被丢弃。
// SendRpc 返回错误表示连接已坏，引擎会把事务重排队并等待下一次 Bind。
type Sender interface {
	AllocMsgID() uint64
	SendRpc(msgID uint64, method string, params map[string]any, randomID string) error
}

// Engine 事务队列引擎。
// 事务严格按入队顺序发送，一条连接上同一时刻至多一笔在写；
// 连接断开时在途事务退回队头，重连后以同一个 RandomID 重发，
// 服务端按 RandomID 去重，所以重发不会二次生效。
type Engine struct {
	mu       sync.Mutex
	queue    []*Transaction // 队头在前
	inFlight map[uint64]*Transaction
	epoch    uint64 // 每次 Bind/Detach 递增，旧 flush 协程看到变化即退出
	sender   Sender
	wake     chan struct{}
}

func NewEngine() *Engine {
	return &Engine{
		inFlight: make(map[uint64]*Transaction),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue 入队。畸形事务在入队前拒绝，乐观钩子不执行；
// 通过校验后 Optimistic 同步执行，LocalOnly 事务不走网络，立即完成。
func (e *Engine) Enqueue(t *Transaction) error {
	if !t.LocalOnly && t.Method == "" {
		return errs.ErrValidation.WithDetail("rpc method required")
	}
	if t.Hooks.Optimistic != nil {
		t.Hooks.Optimistic()
	}
	if t.LocalOnly {
		t.resolve(nil)
		return nil
	}
	e.mu.Lock()
	t.state = StateQueued
	e.queue = append(e.queue, t)
	e.mu.Unlock()
	e.kick()
	return nil
}

// Bind 连接建立后挂上发送器，启动本纪元的 flush 协程。
func (e *Engine) Bind(s Sender) {
	e.mu.Lock()
	e.epoch++
	ep := e.epoch
	e.sender = s
	e.mu.Unlock()
	safe.Go(func() { e.flushLoop(ep) })
	e.kick()
}

// Detach 连接断开：在途事务按 msgId 升序退回队头，等待重发。
// msgId 单调分配，升序即原发送顺序。
func (e *Engine) Detach() {
	e.mu.Lock()
	e.epoch++
	e.sender = nil
	if n := len(e.inFlight); n > 0 {
		ids := make([]uint64, 0, n)
		for id := range e.inFlight {
			ids = append(ids, id)
		}
		for i := 1; i < len(ids); i++ {
			for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
				ids[j], ids[j-1] = ids[j-1], ids[j]
			}
		}
		head := make([]*Transaction, 0, n+len(e.queue))
		for _, id := range ids {
			t := e.inFlight[id]
			t.state = StateQueued
			head = append(head, t)
		}
		e.queue = append(head, e.queue...)
		e.inFlight = make(map[uint64]*Transaction)
		logger.Infof("txn: connection lost, %d in-flight requeued", n)
	}
	e.mu.Unlock()
}

// HandleResult 服务端成功回执。未知 msgId（重连竞态下的迟到回执）忽略。
func (e *Engine) HandleResult(msgID uint64, result map[string]any) {
	e.mu.Lock()
	t, ok := e.inFlight[msgID]
	if ok {
		delete(e.inFlight, msgID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	t.resolve(result)
}

// HandleError 服务端拒绝。RPC 错误是针对这一笔的终态，不重试。
func (e *Engine) HandleError(msgID uint64, err error) {
	e.mu.Lock()
	t, ok := e.inFlight[msgID]
	if ok {
		delete(e.inFlight, msgID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	t.reject(err)
}

// CancelWhere 按谓词取消非终态事务：排队的摘出队列，在途的摘掉
// 回执登记（之后迟到的服务端回执走未知 msgId 路径被忽略）。
// 返回取消的笔数。
func (e *Engine) CancelWhere(match func(*Transaction) bool) int {
	e.mu.Lock()
	var kept []*Transaction
	var cancelled []*Transaction
	for _, t := range e.queue {
		if match(t) {
			cancelled = append(cancelled, t)
		} else {
			kept = append(kept, t)
		}
	}
	e.queue = kept
	for id, t := range e.inFlight {
		if match(t) {
			cancelled = append(cancelled, t)
			delete(e.inFlight, id)
		}
	}
	e.mu.Unlock()
	for _, t := range cancelled {
		t.cancel(errs.ErrCancelled)
	}
	return len(cancelled)
}

// Pending 排队 + 在途笔数（测试与状态展示用）。
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) + len(e.inFlight)
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// flushLoop 本纪元内串行发送队列。任何时刻只有当前纪元的协程在跑；
// 发送失败把事务塞回队头然后退出，等 Detach/Bind 走完整的重连路径。
func (e *Engine) flushLoop(ep uint64) {
	for {
		e.mu.Lock()
		if e.epoch != ep {
			e.mu.Unlock()
			return
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			if !e.waitWake(ep) {
				return
			}
			continue
		}
		t := e.queue[0]
		e.queue = e.queue[1:]
		t.state = StateSending
		s := e.sender
		e.mu.Unlock()

		msgID := s.AllocMsgID()

		// 先登记再写帧：回执可能比 SendRpc 返回还快
		e.mu.Lock()
		if e.epoch != ep {
			// 取号期间连接换代，帧尚未写出，直接退回队头
			t.state = StateQueued
			e.queue = append([]*Transaction{t}, e.queue...)
			e.mu.Unlock()
			return
		}
		t.state = StateInFlight
		t.msgID = msgID
		e.inFlight[msgID] = t
		e.mu.Unlock()

		err := s.SendRpc(msgID, t.Method, t.Params, t.RandomID)
		if err != nil {
			// 还挂在在途表里才轮到这里收拾；不在了说明
			// Detach 已经替它重排队，或回执已经抢先落终态
			e.mu.Lock()
			if _, still := e.inFlight[msgID]; still {
				delete(e.inFlight, msgID)
				t.state = StateQueued
				e.queue = append([]*Transaction{t}, e.queue...)
			}
			e.mu.Unlock()
			logger.Warnf("txn: send %s failed, requeued: %v", t.Method, err)
			return
		}

		e.mu.Lock()
		stale := e.epoch != ep
		e.mu.Unlock()
		if stale {
			// 发送期间连接换代：Detach 已把在途事务退回队列
			return
		}
	}
}

func (e *Engine) waitWake(ep uint64) bool {
	<-e.wake
	e.mu.Lock()
	ok := e.epoch == ep
	e.mu.Unlock()
	if !ok {
		// 唤醒是给新纪元协程的，补发回去再退出
		e.kick()
	}
	return ok
}
