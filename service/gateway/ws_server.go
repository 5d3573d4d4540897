package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"PSync/logger"
	"PSync/module/updatelog"
	"PSync/service/dispatcher"
	"PSync/service/storage"
	"PSync/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

// Server 同步网关：握手、心跳、RPC 调用、游标补发。
// 日志正确性在 updatelog/dispatcher 里；这里只做会话编排。
type Server struct {
	gwID     string
	conns    *ConnManager
	disp     *dispatcher.Dispatcher
	store    updatelog.Store
	presence *storage.Manager
	methods  *MethodRegistry
	verify   TokenVerifier
}

func NewServer(gwID string, conns *ConnManager, disp *dispatcher.Dispatcher,
	store updatelog.Store, presence *storage.Manager, verify TokenVerifier) *Server {
	s := &Server{
		gwID:     gwID,
		conns:    conns,
		disp:     disp,
		store:    store,
		presence: presence,
		methods:  NewMethodRegistry(),
		verify:   verify,
	}
	RegisterBuiltinMethods(s.methods)
	return s
}

func (s *Server) Methods() *MethodRegistry { return s.methods }

// Routes 注册 HTTP 路由
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "gateway": s.gwID})
	})
}

// connSink 把 dispatcher 的投递转成该连接发送队列里的 updates 帧
type connSink struct {
	c *SessionConn
}

func (k connSink) Deliver(batch []updatelog.Update) bool {
	data, err := EncodeFrame(BuildUpdates(batch))
	if err != nil {
		return false
	}
	return k.c.TrySend(data)
}

// PresenceStatusPublisher 聚合在线态翻转 -> 临时 User 桶更新（seq=0，
// 不落日志，纯推送；客户端不以它推进游标）。
func PresenceStatusPublisher(d *dispatcher.Dispatcher) storage.StatusFunc {
	return func(userID string, online bool) {
		uid, err := strconv.ParseInt(userID, 10, 64)
		if err != nil {
			return
		}
		payload, err := json.Marshal(map[string]any{
			"type":   "presenceStatus",
			"userId": uid,
			"online": online,
		})
		if err != nil {
			return
		}
		d.Publish(updatelog.Update{
			Bucket:   updatelog.BucketUser,
			EntityID: uid,
			Seq:      0,
			Date:     time.Now().UnixMilli(),
			Payload:  payload,
		})
	}
}

// HandleWS ===== WebSocket 处理 =====
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Infof("[HandleWS] upgrade websocket error: %v", err)
		return
	}

	sessionID := ids.GenerateString()
	rec, err := s.conns.AddUnauth(sessionID, ws)
	if err != nil {
		logger.Infof("[HandleWS] register conn error: %v", err)
		closeQuiet(ws)
		return
	}
	s.conns.StartWriter(rec)

	// ---- 读循环：只读，不写；出错即退出（写协程收尾） ----
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed session=%s err=%v", rec.SessionID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout session=%s err=%v", rec.SessionID, rerr)
			} else {
				logger.Infof("[WS] read err session=%s err=%v", rec.SessionID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseClientFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[WS] ParseClientFrame err session=%s err=%v sample=%q", rec.SessionID, perr, sample)
			continue
		}

		if !s.handleFrame(c.Request.Context(), rec, frame) {
			break
		}
	}

	// ---- 退出阶段：下线、注销订阅、关闭连接 ----
	s.teardown(rec)
}

// handleFrame 返回 false 表示该连接应当关闭
func (s *Server) handleFrame(ctx context.Context, rec *SessionConn, frame *ClientFrame) bool {
	switch frame.Type {
	case FrameConnectionInit:
		return s.handleConnectionInit(ctx, rec, frame)

	case FramePing:
		_ = s.conns.Heartbeat(rec.SessionID)
		if rec.Authorized {
			s.presence.Heartbeat(ctx, strconv.FormatInt(rec.UserID, 10), rec.SessionID)
		}
		s.send(rec, &ServerFrame{Type: FramePong})
		return true

	case FrameRpcCall:
		if !rec.Authorized {
			s.send(rec, BuildConnectionError("not authenticated"))
			return false
		}
		if frame.Call == nil || frame.MsgID == 0 {
			logger.Infof("[WS] rpcCall missing body/msgId session=%s", rec.SessionID)
			return true
		}
		// ack 是弱信号：只表示收到，不代表执行结果
		s.send(rec, BuildAck(frame.MsgID))

		mc := &MethodContext{
			Ctx:       ctx,
			UserID:    rec.UserID,
			SessionID: rec.SessionID,
			Store:     s.store,
			Disp:      s.disp,
		}
		result, rpcErr := s.methods.Invoke(mc, frame.Call)
		if rpcErr != nil {
			s.send(rec, BuildRpcError(frame.MsgID, rpcErr))
		} else {
			s.send(rec, BuildRpcResult(frame.MsgID, result))
		}
		return true

	case FrameGetDifference:
		if !rec.Authorized || frame.Diff == nil {
			return true
		}
		keys := make([]updatelog.EntityKey, 0, len(frame.Diff.Cursors))
		for _, cur := range frame.Diff.Cursors {
			keys = append(keys, cur.Key())
		}
		// 补发即表达订阅意向：后续该实体的新行走推送
		s.disp.Subscribe(rec.SessionID, keys...)

		res, err := s.disp.CatchUp(ctx, frame.Diff.Cursors)
		if err != nil {
			logger.Errorf("[WS] catch up session=%s err=%v", rec.SessionID, err)
			return true
		}
		if len(res.Updates) > 0 {
			s.send(rec, BuildUpdates(res.Updates))
		}
		if len(res.Resync) > 0 {
			s.send(rec, BuildResyncRequired(res.Resync))
		}
		return true

	default:
		logger.Infof("[WS] no handler for frame type=%s session=%s", frame.Type, rec.SessionID)
		return true
	}
}

func (s *Server) handleConnectionInit(ctx context.Context, rec *SessionConn, frame *ClientFrame) bool {
	if frame.Init == nil {
		s.send(rec, BuildConnectionError("missing init payload"))
		return false
	}
	uid, err := s.verify(frame.Init.Token)
	if err != nil {
		logger.Infof("[WS] auth failed session=%s err=%v", rec.SessionID, err)
		s.send(rec, BuildConnectionError("not authenticated"))
		return false
	}
	if err := s.conns.BindUser(rec.SessionID, uid); err != nil {
		logger.Infof("[WS] bind user session=%s err=%v", rec.SessionID, err)
		s.send(rec, BuildConnectionError("bind failed"))
		return false
	}

	s.disp.Attach(rec.SessionID, uid, connSink{c: rec})
	// 自己的 User 桶天然订阅：多设备上其他端的动作要能推回来
	s.disp.Subscribe(rec.SessionID, updatelog.EntityKey{Bucket: updatelog.BucketUser, EntityID: uid})
	s.presence.Online(ctx, strconv.FormatInt(uid, 10), rec.SessionID, s.gwID)

	s.send(rec, BuildConnectionOpen(rec.SessionID))
	logger.Infof("[WS] session open user=%d session=%s gw=%s", uid, rec.SessionID, s.gwID)
	return true
}

func (s *Server) teardown(rec *SessionConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if rec.Authorized {
		s.presence.Offline(ctx, strconv.FormatInt(rec.UserID, 10), rec.SessionID)
	}
	s.disp.Detach(rec.SessionID)
	s.conns.Remove(rec.SessionID)
}

func (s *Server) send(rec *SessionConn, f any) {
	data, err := EncodeFrame(f)
	if err != nil {
		logger.Errorf("[WS] encode frame err=%v", err)
		return
	}
	if !rec.TrySend(data) {
		logger.Warnf("[WS] send queue full, drop session=%s", rec.SessionID)
	}
}
