package ids

import (
	"sync"
	"time"
)

// msgIdEpoch 2025-01-01T00:00:00Z，客户端 msgId 的纪元秒
const msgIdEpoch = 1_735_689_600

// MsgIDGen 客户端侧 msgId 生成器：高 32 位为纪元秒，低 32 位为同秒内的序号。
// 单连接内严格单调递增，重连后仍然递增（以当前时间为准）。
type MsgIDGen struct {
	mu     sync.Mutex
	lastTS uint64
	seq    uint32
}

func NewMsgIDGen() *MsgIDGen {
	return &MsgIDGen{}
}

func (g *MsgIDGen) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint64(time.Now().Unix())
	ts := uint64(0)
	if now > msgIdEpoch {
		ts = now - msgIdEpoch
	}
	if ts == g.lastTS {
		g.seq++
	} else if ts > g.lastTS {
		g.seq = 0
		g.lastTS = ts
	} else {
		// 时钟回拨：沿用上一个时间戳继续递增，保持单调
		g.seq++
	}
	return (g.lastTS << 32) | uint64(g.seq)
}
