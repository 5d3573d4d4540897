package dispatcher

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"PSync/logger"
	"PSync/module/updatelog"
	"PSync/service/natsx"

	"github.com/pkg/errors"
)

// SubjectPrefix 跨节点扇出的 NATS subject 前缀
const SubjectPrefix = "sync.updates"

// Sink 一条活跃会话的投递口。实现必须非阻塞：投不进去返回 false，
// 由调用方丢弃——送达不是它的职责，持久性在日志里。
type Sink interface {
	Deliver(batch []updatelog.Update) bool
}

type session struct {
	sessionID string
	userID    int64
	sink      Sink
	interests map[updatelog.EntityKey]struct{}
}

// Dispatcher 把新提交的日志行推给有订阅关系的活跃会话（本节点直接投，
// 跨节点走 NATS），并负责游标式补发。推送失败不是错误。
type Dispatcher struct {
	store  updatelog.Store
	nats   *natsx.Client // 可为 nil：单节点部署
	nodeID string

	mu        sync.RWMutex
	sessions  map[string]*session
	interests map[updatelog.EntityKey]map[string]*session
}

func NewDispatcher(store updatelog.Store, nc *natsx.Client, nodeID string) *Dispatcher {
	return &Dispatcher{
		store:     store,
		nats:      nc,
		nodeID:    nodeID,
		sessions:  make(map[string]*session),
		interests: make(map[updatelog.EntityKey]map[string]*session),
	}
}

// Attach 登记一条活跃会话。同一用户多端各自 Attach（多设备一致性）。
func (d *Dispatcher) Attach(sessionID string, userID int64, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionID] = &session{
		sessionID: sessionID,
		userID:    userID,
		sink:      sink,
		interests: make(map[updatelog.EntityKey]struct{}),
	}
}

// Detach 会话关闭时移除，连同它的订阅。
func (d *Dispatcher) Detach(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	for k := range s.interests {
		if mm := d.interests[k]; mm != nil {
			delete(mm, sessionID)
			if len(mm) == 0 {
				delete(d.interests, k)
			}
		}
	}
	delete(d.sessions, sessionID)
}

// Subscribe 为会话增加实体订阅。
func (d *Dispatcher) Subscribe(sessionID string, keys ...updatelog.EntityKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	for _, k := range keys {
		s.interests[k] = struct{}{}
		mm := d.interests[k]
		if mm == nil {
			mm = make(map[string]*session)
			d.interests[k] = mm
		}
		mm[sessionID] = s
	}
}

// Unsubscribe 取消订阅。
func (d *Dispatcher) Unsubscribe(sessionID string, keys ...updatelog.EntityKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	for _, k := range keys {
		delete(s.interests, k)
		if mm := d.interests[k]; mm != nil {
			delete(mm, sessionID)
			if len(mm) == 0 {
				delete(d.interests, k)
			}
		}
	}
}

// remoteEnvelope 跨节点扇出的消息体；Node 用于丢弃自己发的回声
type remoteEnvelope struct {
	Node   string           `json:"node"`
	Update updatelog.Update `json:"update"`
}

// Publish 新提交的行：本节点扇出 + 发给其他节点。
// 必须在提交事务之外调用（fire-and-forget，不允许反过来阻塞提交）。
func (d *Dispatcher) Publish(u updatelog.Update) {
	d.publishLocal(u)

	if d.nats == nil {
		return
	}
	data, err := json.Marshal(remoteEnvelope{Node: d.nodeID, Update: u})
	if err != nil {
		logger.Errorf("[Dispatcher] marshal remote update %s seq=%d err=%v", u.Key(), u.Seq, err)
		return
	}
	if err := d.nats.Publish(subjectFor(u.Key()), data); err != nil {
		// 推不出去就算了：别的节点靠补发追平
		logger.Warnf("[Dispatcher] nats publish %s seq=%d err=%v", u.Key(), u.Seq, err)
	}
}

// publishLocal 给本节点所有订阅了该实体的会话投递。失败即丢弃。
func (d *Dispatcher) publishLocal(u updatelog.Update) {
	d.mu.RLock()
	var sinks []*session
	for _, s := range d.interests[u.Key()] {
		sinks = append(sinks, s)
	}
	d.mu.RUnlock()

	batch := []updatelog.Update{u}
	for _, s := range sinks {
		if !s.sink.Deliver(batch) {
			logger.Warnf("[Dispatcher] drop push session=%s entity=%s seq=%d", s.sessionID, u.Key(), u.Seq)
		}
	}
}

// StartRemote 订阅其他节点发布的行。单节点部署可不调用。
func (d *Dispatcher) StartRemote() error {
	if d.nats == nil {
		return nil
	}
	return d.nats.Subscribe(SubjectPrefix+".>", func(_ string, data []byte) {
		var env remoteEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warnf("[Dispatcher] bad remote update: %v", err)
			return
		}
		if env.Node == d.nodeID {
			return
		}
		d.publishLocal(env.Update)
	})
}

func subjectFor(k updatelog.EntityKey) string {
	return SubjectPrefix + "." + k.String()
}

// CatchUpResult 补发结果：Updates 内同实体严格升序无空洞；
// Resync 列出游标早于保留窗口、需要整体重拉的实体。
type CatchUpResult struct {
	Updates []updatelog.Update
	Resync  []updatelog.ResyncPoint
}

// CatchUp 按客户端水位补发。跨实体之间不保证顺序（与推送路径一致）。
func (d *Dispatcher) CatchUp(ctx context.Context, cursors []updatelog.Cursor) (CatchUpResult, error) {
	var res CatchUpResult

	// 结果顺序稳定一些，便于测试与日志比对
	sorted := append([]updatelog.Cursor(nil), cursors...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Bucket != sorted[j].Bucket {
			return sorted[i].Bucket < sorted[j].Bucket
		}
		return sorted[i].EntityID < sorted[j].EntityID
	})

	for _, c := range sorted {
		rows, err := d.store.RangeAfter(ctx, c.Bucket, c.EntityID, c.LastSeenSeq, 0)
		if err != nil {
			var rerr *updatelog.ResyncError
			if errors.As(err, &rerr) {
				res.Resync = append(res.Resync, updatelog.ResyncPoint{
					Bucket:           c.Bucket,
					EntityID:         c.EntityID,
					CompactedThrough: rerr.CompactedThrough,
				})
				continue
			}
			return CatchUpResult{}, errors.Wrapf(err, "catch up %s", c.Key())
		}
		res.Updates = append(res.Updates, rows...)
	}
	return res, nil
}
