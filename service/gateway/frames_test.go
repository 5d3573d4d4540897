package gateway

import (
	"testing"

	"PSync/module/updatelog"
	"PSync/tools/errs"
)

func TestClientFrameRoundTrip(t *testing.T) {
	f := &ClientFrame{
		Type:  FrameRpcCall,
		MsgID: 42,
		Call: &RpcCall{
			Method: "sendMessage",
			Input:  map[string]any{"chatId": float64(10), "text": "hi", "randomId": "r-1"},
		},
	}
	data, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ParseClientFrame(data)
	if err != nil {
		t.Fatalf("ParseClientFrame failed: %v", err)
	}
	if got.Type != FrameRpcCall || got.MsgID != 42 {
		t.Fatalf("bad envelope: %+v", got)
	}
	if got.Call == nil || got.Call.Method != "sendMessage" {
		t.Fatalf("bad call body: %+v", got.Call)
	}
}

func TestParseClientFrameRejectsGarbage(t *testing.T) {
	if _, err := ParseClientFrame([]byte("not json")); err == nil {
		t.Fatal("expected error for garbage input")
	}
	if _, err := ParseClientFrame([]byte(`{"msgId":1}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestServerFrameRoundTrip(t *testing.T) {
	u := updatelog.Update{Bucket: updatelog.BucketChat, EntityID: 10, Seq: 3, Date: 1700000000000, Payload: []byte(`{"k":"v"}`)}
	f := BuildUpdates([]updatelog.Update{u})
	data, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ParseServerFrame(data)
	if err != nil {
		t.Fatalf("ParseServerFrame failed: %v", err)
	}
	if got.Type != FrameUpdates || len(got.Updates) != 1 {
		t.Fatalf("bad updates frame: %+v", got)
	}
	if got.Updates[0].Seq != 3 || got.Updates[0].EntityID != 10 {
		t.Fatalf("bad update row: %+v", got.Updates[0])
	}
}

func TestRpcErrorFrameCarriesCode(t *testing.T) {
	f := BuildRpcError(7, &errs.RpcError{Code: 400, ErrorCode: errs.RpcInvalidChatID, Message: "nope"})
	data, _ := EncodeFrame(f)
	got, err := ParseServerFrame(data)
	if err != nil {
		t.Fatalf("ParseServerFrame failed: %v", err)
	}
	if got.ReqMsgID != 7 || got.Error == nil {
		t.Fatalf("bad rpcError frame: %+v", got)
	}
	if got.Error.ErrorCode != errs.RpcInvalidChatID {
		t.Fatalf("expected errorCode %d, got %d", errs.RpcInvalidChatID, got.Error.ErrorCode)
	}
}
