package realtime

import (
	"PSync/logger"
	"PSync/module/updatelog"
	"PSync/service/gateway"
	"PSync/tools/errs"
	"PSync/tools/ids"
	"PSync/tools/safe"
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// EventType 连接事件类型，按发生顺序送进 Events() 通道。
type EventType int

const (
	EventConnecting EventType = iota
	EventOpen
	EventAck
	EventRpcResult
	EventRpcError
	EventUpdates
	EventResyncRequired
	EventClosed
)

// Event 一条连接事件。上层（Syncer）在单协程里顺序消费，
// 所以事件处理天然串行，不需要再加锁。
type Event struct {
	Type      EventType
	SessionID string
	MsgID     uint64 // Ack：被确认的客户端 msgId
	ReqMsgID  uint64 // RpcResult / RpcError
	Result    map[string]any
	RpcErr    *errs.RpcError
	Updates   []updatelog.Update
	Resync    []updatelog.ResyncPoint
}

type Config struct {
	URL         string        // ws:// 或 wss:// 地址
	Token       string        // connectionInit 鉴权令牌
	DialTimeout time.Duration // 默认 10s
	PingEvery   time.Duration // 默认 15s
	MinBackoff  time.Duration // 默认 500ms
	MaxBackoff  time.Duration // 默认 30s
}

func (c *Config) fill() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingEvery <= 0 {
		c.PingEvery = 15 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Client 长连接客户端：拨号、握手、心跳、断线指数退避重连。
// 所有出站帧共用一个 msgId 发生器，重连不重置，保证全程单调。
type Client struct {
	cfg Config
	gen *ids.MsgIDGen

	events chan Event

	mu      sync.Mutex // 保护 conn
	writeMu sync.Mutex // gorilla 连接同一时刻只允许一个写者
	conn    *websocket.Conn

	lastPong atomic.Int64 // unixnano，心跳超时判定用

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) *Client {
	cfg.fill()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		gen:    ids.NewMsgIDGen(),
		events: make(chan Event, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events 事件流。Close 之后最终会被关闭。
func (c *Client) Events() <-chan Event { return c.events }

// Start 启动连接循环。
func (c *Client) Start() {
	safe.Go(c.runLoop)
}

// Close 永久关闭，停止重连。
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

// AllocMsgID 取下一个 msgId。调用方（事务引擎）先取号登记回执，
// 再调 SendRpc 写帧，保证回执到达时登记一定已就位。满足 txn.Sender。
func (c *Client) AllocMsgID() uint64 { return c.gen.Next() }

// SendRpc 发出一次 RPC 调用；randomId 注入 input，服务端据此去重。
func (c *Client) SendRpc(msgID uint64, method string, params map[string]any, randomID string) error {
	input := make(map[string]any, len(params)+1)
	for k, v := range params {
		input[k] = v
	}
	if randomID != "" {
		input["randomId"] = randomID
	}
	frame := &gateway.ClientFrame{
		Type:  gateway.FrameRpcCall,
		MsgID: msgID,
		Call:  &gateway.RpcCall{Method: method, Input: input},
	}
	if err := c.writeFrame(frame); err != nil {
		return errs.ErrNetwork.WithDetail(err.Error())
	}
	return nil
}

// SendGetDifference 带着本地游标请求差量。
func (c *Client) SendGetDifference(cursors []updatelog.Cursor) error {
	frame := &gateway.ClientFrame{
		Type:  gateway.FrameGetDifference,
		MsgID: c.gen.Next(),
		Diff:  &gateway.GetDifference{Cursors: cursors},
	}
	return c.writeFrame(frame)
}

// ===== 连接循环 =====

func (c *Client) runLoop() {
	defer close(c.events)
	backoff := c.cfg.MinBackoff
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.emit(Event{Type: EventConnecting})

		opened, err := c.runOnce()
		if c.ctx.Err() != nil {
			return
		}
		c.emit(Event{Type: EventClosed})
		if err != nil {
			logger.Warnf("realtime: connection ended: %v", err)
		}

		if opened {
			backoff = c.cfg.MinBackoff
		}
		// 半量抖动，避免整批客户端同拍重连
		sleep := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-time.After(sleep):
		case <-c.ctx.Done():
			return
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// runOnce 一次拨号到断开的完整过程，返回握手是否成功过。
func (c *Client) runOnce() (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(c.ctx, c.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.lastPong.Store(time.Now().UnixNano())
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	init := &gateway.ClientFrame{
		Type:  gateway.FrameConnectionInit,
		MsgID: c.gen.Next(),
		Init:  &gateway.ConnectionInit{Token: c.cfg.Token},
	}
	if err := c.writeFrame(init); err != nil {
		return false, err
	}

	pingStop := make(chan struct{})
	defer close(pingStop)
	safe.Go(func() { c.pingLoop(pingStop) })

	opened := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return opened, err
		}
		frame, err := gateway.ParseServerFrame(raw)
		if err != nil {
			logger.Warnf("realtime: bad server frame dropped: %v", err)
			continue
		}
		switch frame.Type {
		case gateway.FrameConnectionOpen:
			opened = true
			c.emit(Event{Type: EventOpen, SessionID: frame.SessionID})
		case gateway.FrameConnectionError:
			return opened, errs.ErrNetwork.WithDetail(frame.Message)
		case gateway.FrameAck:
			c.emit(Event{Type: EventAck, MsgID: frame.MsgID})
		case gateway.FrameRpcResult:
			c.emit(Event{Type: EventRpcResult, ReqMsgID: frame.ReqMsgID, Result: frame.Result})
		case gateway.FrameRpcError:
			c.emit(Event{Type: EventRpcError, ReqMsgID: frame.ReqMsgID, RpcErr: frame.Error})
		case gateway.FrameUpdates:
			c.emit(Event{Type: EventUpdates, Updates: frame.Updates})
		case gateway.FrameResyncRequired:
			c.emit(Event{Type: EventResyncRequired, Resync: frame.Resync})
		case gateway.FramePong:
			// 心跳回执，无需上抛
			c.lastPong.Store(time.Now().UnixNano())
		default:
			logger.Debugf("realtime: unknown frame type %q ignored", frame.Type)
		}
	}
}

func (c *Client) pingLoop(stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.PingEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			// 连发数个心跳都没回执：连接已死，关掉让读循环触发重连
			if time.Since(time.Unix(0, c.lastPong.Load())) > 3*c.cfg.PingEvery {
				logger.Warnf("realtime: pong timeout, closing connection")
				c.mu.Lock()
				if c.conn != nil {
					_ = c.conn.Close()
				}
				c.mu.Unlock()
				return
			}
			frame := &gateway.ClientFrame{Type: gateway.FramePing, MsgID: c.gen.Next()}
			if err := c.writeFrame(frame); err != nil {
				return
			}
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) writeFrame(frame *gateway.ClientFrame) error {
	raw, err := gateway.EncodeFrame(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errs.ErrNetwork.WithDetail("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, raw)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
