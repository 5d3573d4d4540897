package syncer

import (
	"PSync/client/backfill"
	"PSync/client/realtime"
	"PSync/client/replica"
	"PSync/client/txn"
	"PSync/logger"
	"PSync/module/updatelog"
	"PSync/tools/decode"
	"PSync/tools/safe"
	"encoding/json"
	stdsync "sync"
)

// Conn Syncer 对连接层的最小依赖；*realtime.Client 满足。
type Conn interface {
	txn.Sender
	Events() <-chan realtime.Event
	SendGetDifference(cursors []updatelog.Cursor) error
}

// Syncer 同步协调器：消费连接事件，把服务端日志落进本地副本。
// 事件循环是唯一一个因更新流而改写副本的协程，更新应用天然串行；
// 事务结果钩子也在这里执行，本地状态不会被两路并发改写。
type Syncer struct {
	conn    Conn
	engine  *txn.Engine
	store   *replica.Store
	fetcher *backfill.Fetcher
	persist *CursorStore

	mu      stdsync.Mutex // 保护 cursors；事件循环写，外部只读
	cursors map[updatelog.EntityKey]int32

	done chan struct{}
}

func New(conn Conn, engine *txn.Engine, store *replica.Store, fetcher *backfill.Fetcher, persist *CursorStore) (*Syncer, error) {
	cursors, err := persist.Load()
	if err != nil {
		return nil, err
	}
	return &Syncer{
		conn:    conn,
		engine:  engine,
		store:   store,
		fetcher: fetcher,
		persist: persist,
		cursors: cursors,
		done:    make(chan struct{}),
	}, nil
}

// Start 启动事件循环。
func (s *Syncer) Start() {
	safe.Go(s.run)
}

// Done 事件通道耗尽（连接永久关闭）后关闭。
func (s *Syncer) Done() <-chan struct{} { return s.done }

// Track 开始跟踪一个实体；已跟踪则不动。
// 下次握手的 getDifference 会带上它，从头补齐历史。
func (s *Syncer) Track(bucket updatelog.Bucket, entityID int64) {
	key := updatelog.EntityKey{Bucket: bucket, EntityID: entityID}
	s.mu.Lock()
	if _, ok := s.cursors[key]; !ok {
		s.cursors[key] = 0
	}
	s.mu.Unlock()
}

// Cursor 某实体当前已见水位。
func (s *Syncer) Cursor(key updatelog.EntityKey) (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.cursors[key]
	return seq, ok
}

func (s *Syncer) run() {
	defer close(s.done)
	for ev := range s.conn.Events() {
		switch ev.Type {
		case realtime.EventOpen:
			s.onOpen(ev.SessionID)
		case realtime.EventUpdates:
			s.applyBatch(ev.Updates)
		case realtime.EventResyncRequired:
			s.onResync(ev.Resync)
		case realtime.EventRpcResult:
			s.engine.HandleResult(ev.ReqMsgID, ev.Result)
		case realtime.EventRpcError:
			s.engine.HandleError(ev.ReqMsgID, ev.RpcErr)
		case realtime.EventClosed:
			s.engine.Detach()
		case realtime.EventConnecting, realtime.EventAck:
			// 不影响副本状态
		}
	}
}

// onOpen 握手完成：先把持久化游标报给服务端拉差量，再放行事务队列。
// 顺序重要：差量先行，事务结果引用的对象才大概率已在副本里。
func (s *Syncer) onOpen(sessionID string) {
	logger.Infof("syncer: connection open session=%s", sessionID)
	if err := s.conn.SendGetDifference(s.snapshotCursors()); err != nil {
		logger.Warnf("syncer: getDifference send failed: %v", err)
	}
	s.engine.Bind(s.conn)
}

func (s *Syncer) snapshotCursors() []updatelog.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]updatelog.Cursor, 0, len(s.cursors))
	for key, seq := range s.cursors {
		out = append(out, updatelog.Cursor{Bucket: key.Bucket, EntityID: key.EntityID, LastSeenSeq: seq})
	}
	return out
}

// applyBatch 一帧更新落库。seq>0 的行按游标去重：推送和补发重叠、
// 服务端重复投递都只生效一次。seq=0 是临时更新（在线状态），
// 不推进游标，重复应用也无害（payload 是整值）。
func (s *Syncer) applyBatch(batch []updatelog.Update) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	advanced := false
	s.store.Batch(func() {
		for _, u := range batch {
			key := u.Key()
			if u.Seq > 0 && u.Seq <= s.cursors[key] {
				continue
			}
			s.applyPayload(u)
			if u.Seq > 0 {
				s.cursors[key] = u.Seq
				advanced = true
			}
		}
	})
	if advanced {
		if err := s.persist.Save(s.cursors); err != nil {
			logger.Warnf("syncer: cursor save failed: %v", err)
		}
	}
}

// applyPayload 按更新类型改写副本。未知类型跳过不报错：
// 旧客户端遇到新服务端时漏掉的是功能，不是顺序。
func (s *Syncer) applyPayload(u updatelog.Update) {
	var body map[string]any
	if err := json.Unmarshal(u.Payload, &body); err != nil {
		logger.Warnf("syncer: bad payload %s seq=%d: %v", u.Key(), u.Seq, err)
		return
	}
	kind, _ := decode.ReadString(body, "type")
	switch kind {
	case "newMessage":
		msg, ok := body["message"].(map[string]any)
		if !ok {
			return
		}
		id, _ := decode.ReadInt64(msg, "id")
		if id == 0 {
			return
		}
		s.store.Update(replica.Ref{Kind: replica.KindMessage, ID: id}, replica.Object(msg))
		if fromID, _ := decode.ReadInt64(msg, "fromId"); fromID > 0 {
			s.fetcher.EnsureCached(backfill.Target{Kind: replica.KindUser}, fromID)
		}
	case "deleteMessage":
		id, _ := decode.ReadInt64(body, "messageId")
		if id != 0 {
			s.store.Delete(replica.Ref{Kind: replica.KindMessage, ID: id})
		}
	case "presenceStatus":
		id, _ := decode.ReadInt64(body, "userId")
		if id == 0 {
			return
		}
		online, _ := body["online"].(bool)
		s.store.Update(replica.Ref{Kind: replica.KindUser, ID: id}, replica.Object{"online": online})
	default:
		logger.Debugf("syncer: unknown update type %q ignored", kind)
	}
}

// onResync 某些实体的历史已被压缩：本地状态整体作废，游标跳到
// 保留下界，缺口部分走快照补拉，之后的行照常增量。
func (s *Syncer) onResync(points []updatelog.ResyncPoint) {
	if len(points) == 0 {
		return
	}
	s.mu.Lock()
	s.store.Batch(func() {
		for _, p := range points {
			s.resetEntity(p.Key())
			s.cursors[p.Key()] = p.CompactedThrough
		}
	})
	if err := s.persist.Save(s.cursors); err != nil {
		logger.Warnf("syncer: cursor save failed: %v", err)
	}
	cursors := make([]updatelog.Cursor, 0, len(points))
	for _, p := range points {
		cursors = append(cursors, updatelog.Cursor{
			Bucket: p.Bucket, EntityID: p.EntityID, LastSeenSeq: p.CompactedThrough,
		})
		logger.Infof("syncer: resync %s, cursor jumped to %d", p.Key(), p.CompactedThrough)
	}
	s.mu.Unlock()

	// 保留窗口内的尾巴正常补发
	if err := s.conn.SendGetDifference(cursors); err != nil {
		logger.Warnf("syncer: post-resync getDifference failed: %v", err)
	}
}

// resetEntity 丢掉某实体派生出的全部本地对象。
func (s *Syncer) resetEntity(key updatelog.EntityKey) {
	switch key.Bucket {
	case updatelog.BucketChat:
		q := replica.NewQuery(s.store, replica.KindMessage, func(_ replica.Ref, obj replica.Object) bool {
			chatID, _ := decode.ReadInt64(map[string]any(obj), "chatId")
			return chatID == key.EntityID
		})
		for _, ref := range q.Refs() {
			s.store.Delete(ref)
		}
		s.store.Delete(replica.Ref{Kind: replica.KindChat, ID: key.EntityID})
		s.fetcher.EnsureCached(backfill.Target{Kind: replica.KindChat}, key.EntityID)
	case updatelog.BucketUser:
		s.store.Delete(replica.Ref{Kind: replica.KindUser, ID: key.EntityID})
		s.fetcher.EnsureCached(backfill.Target{Kind: replica.KindUser}, key.EntityID)
	case updatelog.BucketSpace:
		s.store.Delete(replica.Ref{Kind: replica.KindSpace, ID: key.EntityID})
		s.fetcher.EnsureCached(backfill.Target{Kind: replica.KindSpace}, key.EntityID)
	}
}
