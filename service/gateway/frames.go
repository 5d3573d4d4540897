package gateway

import (
	"encoding/json"
	"fmt"

	"PSync/module/updatelog"
	"PSync/tools/errs"
)

// 业务帧：websocket 二进制消息里装 JSON 信封。方法名、入参、结果对
// 引擎不透明，只看关联字段（msgId / reqMsgId）和信封结构。
type FrameType string

const (
	// 客户端 -> 服务端
	FrameConnectionInit FrameType = "connectionInit"
	FrameRpcCall        FrameType = "rpcCall"
	FrameGetDifference  FrameType = "getDifference"
	FramePing           FrameType = "ping"

	// 服务端 -> 客户端
	FrameConnectionOpen  FrameType = "connectionOpen"
	FrameConnectionError FrameType = "connectionError"
	FrameAck             FrameType = "ack"
	FrameRpcResult       FrameType = "rpcResult"
	FrameRpcError        FrameType = "rpcError"
	FrameUpdates         FrameType = "updates"
	FrameResyncRequired  FrameType = "resyncRequired"
	FramePong            FrameType = "pong"
)

type ConnectionInit struct {
	Token         string `json:"token"`
	BuildNumber   int    `json:"buildNumber,omitempty"`
	Layer         int    `json:"layer,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

type RpcCall struct {
	Method string         `json:"method"`
	Input  map[string]any `json:"input,omitempty"`
}

type GetDifference struct {
	Cursors []updatelog.Cursor `json:"cursors"`
}

// ClientFrame 客户端信封。MsgID 由客户端单调递增分配，
// 服务端的 ack / rpcResult / rpcError 用它回指。
type ClientFrame struct {
	Type  FrameType       `json:"type"`
	MsgID uint64          `json:"msgId,omitempty"`
	Init  *ConnectionInit `json:"init,omitempty"`
	Call  *RpcCall        `json:"call,omitempty"`
	Diff  *GetDifference  `json:"diff,omitempty"`
}

// ServerFrame 服务端信封。
type ServerFrame struct {
	Type      FrameType               `json:"type"`
	MsgID     uint64                  `json:"msgId,omitempty"`    // ack：对应的客户端 msgId
	ReqMsgID  uint64                  `json:"reqMsgId,omitempty"` // rpcResult / rpcError
	SessionID string                  `json:"sessionId,omitempty"`
	Result    map[string]any          `json:"result,omitempty"`
	Error     *errs.RpcError          `json:"error,omitempty"`
	Updates   []updatelog.Update      `json:"updates,omitempty"`
	Resync    []updatelog.ResyncPoint `json:"resync,omitempty"`
	Message   string                  `json:"message,omitempty"` // connectionError
}

func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	f := &ClientFrame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal client frame failed: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("client frame missing type")
	}
	return f, nil
}

func ParseServerFrame(raw []byte) (*ServerFrame, error) {
	f := &ServerFrame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal server frame failed: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("server frame missing type")
	}
	return f, nil
}

func EncodeFrame(f any) ([]byte, error) {
	return json.Marshal(f)
}

// ---- 构造若干服务端回执 ----

func BuildConnectionOpen(sessionID string) *ServerFrame {
	return &ServerFrame{Type: FrameConnectionOpen, SessionID: sessionID}
}

func BuildConnectionError(msg string) *ServerFrame {
	return &ServerFrame{Type: FrameConnectionError, Message: msg}
}

func BuildAck(msgID uint64) *ServerFrame {
	return &ServerFrame{Type: FrameAck, MsgID: msgID}
}

func BuildRpcResult(reqMsgID uint64, result map[string]any) *ServerFrame {
	return &ServerFrame{Type: FrameRpcResult, ReqMsgID: reqMsgID, Result: result}
}

func BuildRpcError(reqMsgID uint64, rpcErr *errs.RpcError) *ServerFrame {
	return &ServerFrame{Type: FrameRpcError, ReqMsgID: reqMsgID, Error: rpcErr}
}

func BuildUpdates(batch []updatelog.Update) *ServerFrame {
	return &ServerFrame{Type: FrameUpdates, Updates: batch}
}

func BuildResyncRequired(points []updatelog.ResyncPoint) *ServerFrame {
	return &ServerFrame{Type: FrameResyncRequired, Resync: points}
}
