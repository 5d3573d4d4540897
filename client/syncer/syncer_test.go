package syncer

import (
	"PSync/client/backfill"
	"PSync/client/realtime"
	"PSync/client/replica"
	"PSync/client/txn"
	"PSync/module/updatelog"
	"PSync/service/dispatcher"
	"PSync/service/gateway"
	"PSync/service/storage"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

var testSecret = []byte("syncer-test-secret")

// startGateway 起一个完整的进程内网关：内存日志 + 内存在线态 + 单节点分发。
func startGateway(t *testing.T) (*httptest.Server, *updatelog.MemStore, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := updatelog.NewMemStore()
	disp := dispatcher.NewDispatcher(store, nil, "gw-test")
	presence := storage.NewManager(storage.NewMemPresence(), time.Minute,
		gateway.PresenceStatusPublisher(disp))
	conns := gateway.NewConnManager("gw-test")
	srv := gateway.NewServer("gw-test", conns, disp, store, presence,
		gateway.JWTVerifier(testSecret))

	r := gin.New()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return ts, store, wsURL
}

// clientStack 一套完整的客户端：连接、事务引擎、本地副本、补拉、游标。
type clientStack struct {
	rt      *realtime.Client
	engine  *txn.Engine
	store   *replica.Store
	fetcher *backfill.Fetcher
	curs    *CursorStore
	sy      *Syncer

	fetchMu sync.Mutex
	fetched []backfill.Target
}

func newClientStack(t *testing.T, wsURL string, userID int64, statePath string) *clientStack {
	t.Helper()
	cs := &clientStack{}
	cs.store = replica.NewStore()
	cs.engine = txn.NewEngine()
	cs.fetcher = backfill.NewFetcher(cs.store.Has, func(_ context.Context, target backfill.Target, ids []int64) error {
		cs.fetchMu.Lock()
		cs.fetched = append(cs.fetched, target)
		cs.fetchMu.Unlock()
		for _, id := range ids {
			cs.store.Insert(replica.Ref{Kind: target.Kind, ID: id}, replica.Object{"id": id, "stub": true})
		}
		return nil
	})
	cs.curs = NewCursorStore(statePath)

	token, err := gateway.IssueToken(testSecret, userID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	cs.rt = realtime.New(realtime.Config{
		URL:        wsURL,
		Token:      token,
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
		PingEvery:  time.Second,
	})
	cs.sy, err = New(cs.rt, cs.engine, cs.store, cs.fetcher, cs.curs)
	if err != nil {
		t.Fatalf("New syncer: %v", err)
	}
	t.Cleanup(func() {
		cs.rt.Close()
		cs.fetcher.Close()
	})
	return cs
}

func (cs *clientStack) start() {
	cs.sy.Start()
	cs.rt.Start()
}

func (cs *clientStack) fetchedTargets() []backfill.Target {
	cs.fetchMu.Lock()
	defer cs.fetchMu.Unlock()
	out := make([]backfill.Target, len(cs.fetched))
	copy(out, cs.fetched)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func appendNewMessage(t *testing.T, store *updatelog.MemStore, chatID, msgID int64, text string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"type": "newMessage",
		"message": map[string]any{
			"id":     msgID,
			"chatId": chatID,
			"fromId": int64(7),
			"text":   text,
			"date":   time.Now().UnixMilli(),
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if _, err := store.Append(context.Background(), updatelog.BucketChat, chatID, payload); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func messageCount(cs *clientStack) int {
	return replica.NewQuery(cs.store, replica.KindMessage, nil).Count()
}

// 离线入队的消息在连上以后送达：占位消失、服务端只落一行、
// 游标推进到权威行。
func TestOfflineSendDeliveredOnConnect(t *testing.T) {
	_, serverStore, wsURL := startGateway(t)
	cs := newClientStack(t, wsURL, 101, filepath.Join(t.TempDir(), "state", "cursors.json"))

	// 还没连接就发送：事务排队，乐观占位先出现
	tx, err := cs.sy.SendMessage(42, 101, "hello from offline")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := messageCount(cs); got != 1 {
		t.Fatalf("placeholder count = %d, want 1", got)
	}

	cs.start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := tx.Wait(ctx)
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	if res["messageId"] == nil {
		t.Fatalf("result missing messageId: %v", res)
	}

	// 服务端恰好一行
	rows, err := serverStore.RangeAfter(context.Background(), updatelog.BucketChat, 42, 0, 0)
	if err != nil {
		t.Fatalf("RangeAfter: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("server rows = %d, want 1", len(rows))
	}

	key := updatelog.EntityKey{Bucket: updatelog.BucketChat, EntityID: 42}
	waitFor(t, "cursor to advance", func() bool {
		seq, ok := cs.sy.Cursor(key)
		return ok && seq == 1
	})

	// 占位（负数 ID）已被权威行替换
	waitFor(t, "placeholder swap", func() bool {
		refs := replica.NewQuery(cs.store, replica.KindMessage, nil).Refs()
		return len(refs) == 1 && refs[0].ID > 0
	})
}

// 重复投递是无操作：同一批行再推一遍，副本和游标都不变。
func TestDuplicateDeliveryIsNoop(t *testing.T) {
	_, serverStore, wsURL := startGateway(t)
	appendNewMessage(t, serverStore, 10, 4001, "one")
	appendNewMessage(t, serverStore, 10, 4002, "two")

	stateFile := filepath.Join(t.TempDir(), "cursors.json")
	cs := newClientStack(t, wsURL, 101, stateFile)
	cs.sy.Track(updatelog.BucketChat, 10)
	cs.start()

	key := updatelog.EntityKey{Bucket: updatelog.BucketChat, EntityID: 10}
	waitFor(t, "initial catch-up", func() bool {
		seq, _ := cs.sy.Cursor(key)
		return seq == 2
	})
	if got := messageCount(cs); got != 2 {
		t.Fatalf("messages = %d, want 2", got)
	}

	// 用过期游标再要一次差量：服务端重发两行，客户端按序去重
	if err := cs.rt.SendGetDifference([]updatelog.Cursor{
		{Bucket: updatelog.BucketChat, EntityID: 10, LastSeenSeq: 0},
	}); err != nil {
		t.Fatalf("SendGetDifference: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := messageCount(cs); got != 2 {
		t.Fatalf("duplicate delivery changed replica: %d messages", got)
	}
	if seq, _ := cs.sy.Cursor(key); seq != 2 {
		t.Fatalf("duplicate delivery moved cursor to %d", seq)
	}
}

// 从持久化游标恢复：只补发缺的行，游标文件跨进程生效。
func TestCatchUpFromPersistedCursor(t *testing.T) {
	_, serverStore, wsURL := startGateway(t)
	for i := 1; i <= 5; i++ {
		appendNewMessage(t, serverStore, 10, int64(4000+i), "m")
	}

	stateFile := filepath.Join(t.TempDir(), "cursors.json")
	pre := NewCursorStore(stateFile)
	if err := pre.Save(map[updatelog.EntityKey]int32{
		{Bucket: updatelog.BucketChat, EntityID: 10}: 3,
	}); err != nil {
		t.Fatalf("seed cursors: %v", err)
	}

	cs := newClientStack(t, wsURL, 101, stateFile)
	cs.start()

	key := updatelog.EntityKey{Bucket: updatelog.BucketChat, EntityID: 10}
	waitFor(t, "catch-up to 5", func() bool {
		seq, _ := cs.sy.Cursor(key)
		return seq == 5
	})
	// 只有 seq 4、5 两行落进来
	if got := messageCount(cs); got != 2 {
		t.Fatalf("messages = %d, want 2 (seq 4 and 5 only)", got)
	}

	// 游标已持久化，下次启动直接从 5 开始
	reloaded, err := NewCursorStore(stateFile).Load()
	if err != nil {
		t.Fatalf("reload cursors: %v", err)
	}
	if reloaded[key] != 5 {
		t.Fatalf("persisted cursor = %d, want 5", reloaded[key])
	}
}

// 历史被压缩：游标跳到保留下界，缺口走快照补拉，窗口内尾巴照常增量。
func TestResyncJumpsCursorAndRefetches(t *testing.T) {
	_, serverStore, wsURL := startGateway(t)
	for i := 1; i <= 6; i++ {
		appendNewMessage(t, serverStore, 10, int64(4000+i), "m")
	}
	if err := serverStore.Compact(context.Background(), updatelog.BucketChat, 10, 4); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	stateFile := filepath.Join(t.TempDir(), "cursors.json")
	pre := NewCursorStore(stateFile)
	if err := pre.Save(map[updatelog.EntityKey]int32{
		{Bucket: updatelog.BucketChat, EntityID: 10}: 2, // 早于保留下界 4
	}); err != nil {
		t.Fatalf("seed cursors: %v", err)
	}

	cs := newClientStack(t, wsURL, 101, stateFile)
	cs.start()

	key := updatelog.EntityKey{Bucket: updatelog.BucketChat, EntityID: 10}
	waitFor(t, "resync then tail catch-up", func() bool {
		seq, _ := cs.sy.Cursor(key)
		return seq == 6
	})

	// 窗口内的行（5、6）增量落进来
	waitFor(t, "retained tail applied", func() bool { return messageCount(cs) == 2 })

	// 压缩掉的部分触发了会话快照补拉
	waitFor(t, "snapshot backfill", func() bool {
		for _, tgt := range cs.fetchedTargets() {
			if tgt.Kind == replica.KindChat {
				return true
			}
		}
		return false
	})
}

// 在线状态是临时更新：写副本但不动游标。
func TestPresenceUpdatesDoNotAdvanceCursor(t *testing.T) {
	_, _, wsURL := startGateway(t)

	watcher := newClientStack(t, wsURL, 101, filepath.Join(t.TempDir(), "a.json"))
	watcher.start()

	// 第二个用户上线时网关广播 presenceStatus（seq=0 的 User 桶更新）。
	// watcher 要看到 102 的状态需先订阅 102 —— 用差量请求建立订阅，
	// 连接就绪前的发送会失败，重试到成功为止。
	waitFor(t, "subscribe to user 102", func() bool {
		return watcher.rt.SendGetDifference([]updatelog.Cursor{
			{Bucket: updatelog.BucketUser, EntityID: 102, LastSeenSeq: 0},
		}) == nil
	})

	other := newClientStack(t, wsURL, 102, filepath.Join(t.TempDir(), "b.json"))
	other.start()

	waitFor(t, "presence flip visible", func() bool {
		obj, ok := watcher.store.Get(replica.Ref{Kind: replica.KindUser, ID: 102})
		return ok && obj["online"] == true
	})

	key := updatelog.EntityKey{Bucket: updatelog.BucketUser, EntityID: 102}
	if seq, _ := watcher.sy.Cursor(key); seq != 0 {
		t.Fatalf("transient update advanced cursor to %d", seq)
	}
}
