package realtime

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"PSync/service/gateway"
	"PSync/tools/errs"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeGateway 极简对端：按帧类型回固定响应，满足握手 + RPC 往返。
// dropAfterOpen 为 true 时首个连接在 connectionOpen 后立刻断开。
type fakeGateway struct {
	dropAfterOpen bool
	dials         atomic.Int32
}

func (g *fakeGateway) handler(w http.ResponseWriter, r *http.Request) {
	ws, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	n := g.dials.Add(1)

	send := func(f any) {
		data, err := gateway.EncodeFrame(f)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.BinaryMessage, data)
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := gateway.ParseClientFrame(raw)
		if err != nil {
			continue
		}
		switch frame.Type {
		case gateway.FrameConnectionInit:
			if frame.Init == nil || frame.Init.Token != "tok" {
				send(gateway.BuildConnectionError("not authenticated"))
				return
			}
			send(gateway.BuildConnectionOpen("sess-fake"))
			if g.dropAfterOpen && n == 1 {
				return
			}
		case gateway.FramePing:
			send(&gateway.ServerFrame{Type: gateway.FramePong})
		case gateway.FrameRpcCall:
			send(gateway.BuildAck(frame.MsgID))
			send(gateway.BuildRpcResult(frame.MsgID, map[string]any{
				"echo":     frame.Call.Method,
				"randomId": frame.Call.Input["randomId"],
			}))
		}
	}
}

func startFake(t *testing.T, g *fakeGateway) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(g.handler))
	c := New(Config{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:      "tok",
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
	})
	c.Start()
	return c, func() {
		c.Close()
		srv.Close()
	}
}

// nextEvent 丢弃不关心的事件类型，直到等到目标类型或超时。
func nextEvent(t *testing.T, c *Client, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %d", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event type %d", want)
		}
	}
}

func TestHandshakeAndRpcCorrelation(t *testing.T) {
	c, stop := startFake(t, &fakeGateway{})
	defer stop()

	nextEvent(t, c, EventConnecting)
	nextEvent(t, c, EventOpen)

	msgID := c.AllocMsgID()
	if err := c.SendRpc(msgID, "sendMessage", map[string]any{"text": "hi"}, "rid-1"); err != nil {
		t.Fatalf("SendRpc: %v", err)
	}

	ack := nextEvent(t, c, EventAck)
	if ack.MsgID != msgID {
		t.Fatalf("ack msgId = %d, want %d", ack.MsgID, msgID)
	}
	res := nextEvent(t, c, EventRpcResult)
	if res.ReqMsgID != msgID {
		t.Fatalf("result reqMsgId = %d, want %d", res.ReqMsgID, msgID)
	}
	if res.Result["echo"] != "sendMessage" || res.Result["randomId"] != "rid-1" {
		t.Fatalf("unexpected result payload: %v", res.Result)
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	g := &fakeGateway{dropAfterOpen: true}
	c, stop := startFake(t, g)
	defer stop()

	nextEvent(t, c, EventOpen)
	nextEvent(t, c, EventClosed)
	// 退避后自动重拨，第二次连接不再被断开
	nextEvent(t, c, EventOpen)

	if got := g.dials.Load(); got < 2 {
		t.Fatalf("dials = %d, want >= 2", got)
	}

	// 重连后 msgId 仍然单调：新号要大于握手期间已消耗的 id
	id1 := c.AllocMsgID()
	id2 := c.AllocMsgID()
	if id2 <= id1 {
		t.Fatalf("msgId not monotonic: %d then %d", id1, id2)
	}
	if err := c.SendRpc(id1, "a", nil, "r1"); err != nil {
		t.Fatalf("SendRpc: %v", err)
	}
}

func TestSendRpcWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:0/ws", Token: "tok"})
	// 未 Start，没有连接
	err := c.SendRpc(c.AllocMsgID(), "sendMessage", nil, "rid")
	if err == nil {
		t.Fatal("expected network error without a connection")
	}
	if !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("err = %v, want network class", err)
	}
}
