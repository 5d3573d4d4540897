package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"PSync/logger"
	"PSync/module/updatelog"
	"PSync/service/dispatcher"
	"PSync/tools/decode"
	"PSync/tools/errs"
	"PSync/tools/ids"
)

// MethodContext 一次 RPC 执行的环境。
type MethodContext struct {
	Ctx       context.Context
	UserID    int64
	SessionID string
	Store     updatelog.Store
	Disp      *dispatcher.Dispatcher
}

// MethodFunc 方法实现：返回 result 或 RpcError（二选一）。
// 方法内部通过 Store.Append 落日志、MethodContext.Disp 扇出——
// Append 与业务状态变更必须同一事务，扇出在提交之后。
type MethodFunc func(mc *MethodContext, input map[string]any) (map[string]any, *errs.RpcError)

// MethodRegistry 方法表 + 幂等去重。
// 客户端断线重发靠 randomId 去重：同一用户同一 randomId 的重发
// 直接返回首次的结果，不再产生副作用。
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
	dedup   *dedupCache
}

func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]MethodFunc),
		dedup:   newDedupCache(4096, 10*time.Minute),
	}
}

func (r *MethodRegistry) Register(name string, fn MethodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = fn
}

func (r *MethodRegistry) lookup(name string) (MethodFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.methods[name]
	return fn, ok
}

// Invoke 执行一次调用；带 randomId 的调用先查去重表。
func (r *MethodRegistry) Invoke(mc *MethodContext, call *RpcCall) (map[string]any, *errs.RpcError) {
	fn, ok := r.lookup(call.Method)
	if !ok {
		return nil, &errs.RpcError{ErrorCode: errs.RpcBadRequest, Message: "unknown method " + call.Method}
	}

	randomID, _ := decode.ReadString(call.Input, "randomId")
	if randomID != "" {
		if cached, hit := r.dedup.get(mc.UserID, randomID); hit {
			logger.Infof("[Methods] dedup hit user=%d randomId=%s method=%s", mc.UserID, randomID, call.Method)
			return cached, nil
		}
	}

	result, rpcErr := fn(mc, call.Input)
	if rpcErr == nil && randomID != "" {
		r.dedup.put(mc.UserID, randomID, result)
	}
	return result, rpcErr
}

// ===== 幂等去重表 =====

type dedupKey struct {
	userID   int64
	randomID string
}

type dedupEntry struct {
	result   map[string]any
	storedAt time.Time
}

type dedupCache struct {
	mu      sync.Mutex
	entries map[dedupKey]dedupEntry
	order   []dedupKey // 插入序，超量时从头淘汰
	max     int
	ttl     time.Duration
}

func newDedupCache(max int, ttl time.Duration) *dedupCache {
	return &dedupCache{entries: make(map[dedupKey]dedupEntry), max: max, ttl: ttl}
}

func (c *dedupCache) get(userID int64, randomID string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := dedupKey{userID: userID, randomID: randomID}
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		delete(c.entries, k)
		return nil, false
	}
	return e.result, true
}

func (c *dedupCache) put(userID int64, randomID string, result map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := dedupKey{userID: userID, randomID: randomID}
	if _, exists := c.entries[k]; !exists {
		c.order = append(c.order, k)
	}
	c.entries[k] = dedupEntry{result: result, storedAt: time.Now()}
	for len(c.entries) > c.max && len(c.order) > 0 {
		old := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, old)
	}
}

// ===== 内置方法 =====

// SendMessageInput sendMessage 入参
type SendMessageInput struct {
	ChatID   int64  `json:"chatId"`
	Text     string `json:"text"`
	RandomID string `json:"randomId"`
}

// DeleteMessageInput deleteMessage 入参
type DeleteMessageInput struct {
	ChatID    int64 `json:"chatId"`
	MessageID int64 `json:"messageId"`
}

// RegisterBuiltinMethods 挂上引擎自带的参考方法。
// 真实部署里方法目录在引擎之外扩展，这两个主要服务联调与端到端测试。
func RegisterBuiltinMethods(r *MethodRegistry) {
	r.Register("sendMessage", sendMessage)
	r.Register("deleteMessage", deleteMessage)
}

func sendMessage(mc *MethodContext, input map[string]any) (map[string]any, *errs.RpcError) {
	in, err := decode.DecodeMap[SendMessageInput](input)
	if err != nil {
		return nil, &errs.RpcError{ErrorCode: errs.RpcBadRequest, Message: err.Error()}
	}
	if in.ChatID <= 0 {
		return nil, &errs.RpcError{ErrorCode: errs.RpcInvalidChatID, Message: "chatId required"}
	}
	if in.Text == "" {
		return nil, &errs.RpcError{ErrorCode: errs.RpcBadRequest, Message: "text required"}
	}

	msgID := ids.Generate()
	payload, merr := json.Marshal(map[string]any{
		"type": "newMessage",
		"message": map[string]any{
			"id":     msgID,
			"chatId": in.ChatID,
			"fromId": mc.UserID,
			"text":   in.Text,
			"date":   time.Now().UnixMilli(),
		},
	})
	if merr != nil {
		return nil, &errs.RpcError{ErrorCode: errs.RpcInternal, Message: merr.Error()}
	}

	u, aerr := mc.Store.Append(mc.Ctx, updatelog.BucketChat, in.ChatID, payload)
	if aerr != nil {
		logger.Errorf("[Methods] sendMessage append chat=%d err=%v", in.ChatID, aerr)
		return nil, &errs.RpcError{ErrorCode: errs.RpcInternal, Message: "append failed"}
	}

	// 发送者的会话天然订阅该实体，其余会话在各自网关上已有订阅关系
	mc.Disp.Subscribe(mc.SessionID, u.Key())
	mc.Disp.Publish(u)

	return map[string]any{
		"messageId": msgID,
		"chatId":    in.ChatID,
		"seq":       u.Seq,
		"date":      u.Date,
	}, nil
}

func deleteMessage(mc *MethodContext, input map[string]any) (map[string]any, *errs.RpcError) {
	in, err := decode.DecodeMap[DeleteMessageInput](input)
	if err != nil {
		return nil, &errs.RpcError{ErrorCode: errs.RpcBadRequest, Message: err.Error()}
	}
	if in.ChatID <= 0 {
		return nil, &errs.RpcError{ErrorCode: errs.RpcInvalidChatID, Message: "chatId required"}
	}
	if in.MessageID <= 0 {
		return nil, &errs.RpcError{ErrorCode: errs.RpcInvalidMessageID, Message: "messageId required"}
	}

	payload, merr := json.Marshal(map[string]any{
		"type":      "deleteMessage",
		"chatId":    in.ChatID,
		"messageId": in.MessageID,
	})
	if merr != nil {
		return nil, &errs.RpcError{ErrorCode: errs.RpcInternal, Message: merr.Error()}
	}

	u, aerr := mc.Store.Append(mc.Ctx, updatelog.BucketChat, in.ChatID, payload)
	if aerr != nil {
		logger.Errorf("[Methods] deleteMessage append chat=%d err=%v", in.ChatID, aerr)
		return nil, &errs.RpcError{ErrorCode: errs.RpcInternal, Message: "append failed"}
	}
	mc.Disp.Publish(u)

	return map[string]any{"chatId": in.ChatID, "messageId": in.MessageID, "seq": u.Seq}, nil
}
