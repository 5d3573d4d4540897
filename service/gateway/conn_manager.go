package gateway

import (
	"errors"
	"net"
	"sync"
	"time"

	"PSync/logger"

	"github.com/gorilla/websocket"
)

// ===== 配置 =====

type ManagerConf struct {
	UnauthTTL   time.Duration    // 未授权连接的 TTL（如 60s）
	AuthTTL     time.Duration    // 已授权连接的 TTL（如 2h）
	SweepEvery  time.Duration    // 清理周期（如 10s）
	SendQueue   int              // 每连接发送队列长度
	MaxPerUser  int              // 每用户最大连接数（<=0 不限制）
	EvictOldest bool             // 超限时是否淘汰最老连接
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 2 * time.Hour
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
}

// ===== 数据结构 =====

// SessionConn 一条 websocket 会话。写方向只有 writer 协程一个入口，
// 其他人一律经 SendChan 投递。
type SessionConn struct {
	SessionID  string
	UserID     int64
	Authorized bool

	Conn   *websocket.Conn
	Remote net.Addr

	CreatedAt time.Time
	UpdatedAt time.Time
	SendChan  chan []byte // 每连接独立发送队列（业务二进制帧）

	TTL       time.Duration // 当前 TTL（随授权态切换）
	ExpireAt  time.Time     // 到期时间（过期由 sweeper 清理）
	Heartbeat time.Time     // 最近心跳时间

	closeOnce sync.Once
	closed    chan struct{}
}

// TrySend 非阻塞投递；队列满返回 false，由调用方决定丢弃。
func (c *SessionConn) TrySend(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.SendChan <- data:
		return true
	default:
		return false
	}
}

func (c *SessionConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		closeQuiet(c.Conn)
	})
}

// ConnManager 活跃会话注册表：主索引 sessionID，辅助索引 userID。
// 多端在线是一等公民。
type ConnManager struct {
	mu        sync.RWMutex
	bySession map[string]*SessionConn
	byUser    map[int64]map[string]*SessionConn

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
	gwID     string // 节点ID
}

// ===== 构造/关闭 =====

func NewConnManager(gwID string) *ConnManager {
	return NewConnManagerWithConf(ManagerConf{}, gwID)
}

func NewConnManagerWithConf(conf ManagerConf, gwID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		bySession: make(map[string]*SessionConn),
		byUser:    make(map[int64]map[string]*SessionConn),
		conf:      conf,
		gwID:      gwID,
		stopCh:    make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) GwID() string {
	return m.gwID
}

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.bySession {
		x.close()
	}
	m.bySession = map[string]*SessionConn{}
	m.byUser = map[int64]map[string]*SessionConn{}
}

// AddUnauth 新连接（未授权）登记；仅有 sessionID
func (m *ConnManager) AddUnauth(sessionID string, conn *websocket.Conn) (*SessionConn, error) {
	if sessionID == "" || conn == nil {
		return nil, errors.New("sessionID/conn empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySession[sessionID]; exists {
		return nil, errors.New("sessionID exists")
	}

	c := &SessionConn{
		SessionID: sessionID,
		Conn:      conn,
		Remote:    conn.RemoteAddr(),
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		SendChan:  make(chan []byte, m.conf.SendQueue),
		TTL:       m.conf.UnauthTTL,
		ExpireAt:  now.Add(m.conf.UnauthTTL),
		closed:    make(chan struct{}),
	}
	m.bySession[sessionID] = c
	return c, nil
}

// BindUser 将未授权会话绑定到 user；切到 AuthTTL，执行最大连接数策略
func (m *ConnManager) BindUser(sessionID string, userID int64) error {
	if sessionID == "" || userID == 0 {
		return errors.New("sessionID/userID empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.bySession[sessionID]
	if !ok || c.Conn == nil {
		return errors.New("sessionID not found")
	}

	if m.conf.MaxPerUser > 0 {
		m.ensureRoomForUserLocked(userID)
	}

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*SessionConn)
	}
	m.byUser[userID][sessionID] = c

	c.UserID = userID
	c.Authorized = true
	c.TTL = m.conf.AuthTTL
	c.ExpireAt = now.Add(m.conf.AuthTTL)
	c.UpdatedAt = now
	c.Heartbeat = now
	return nil
}

// Heartbeat 刷新某条会话的心跳与到期时间（未授权/已授权都可调）
func (m *ConnManager) Heartbeat(sessionID string) error {
	if sessionID == "" {
		return errors.New("sessionID empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.bySession[sessionID]
	if !ok {
		return errors.New("sessionID not found")
	}
	c.Heartbeat = now
	c.ExpireAt = now.Add(c.TTL)
	c.UpdatedAt = now
	return nil
}

// Get 按 sessionID 查
func (m *ConnManager) Get(sessionID string) (*SessionConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.bySession[sessionID]
	return c, ok
}

// Remove 关闭并移除指定会话
func (m *ConnManager) Remove(sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	c, ok := m.bySession[sessionID]
	if ok {
		delete(m.bySession, sessionID)
		m.dropUserIndexLocked(c)
	}
	m.mu.Unlock()
	if ok {
		c.close()
	}
}

// UserSessions 列出用户当前所有会话
func (m *ConnManager) UserSessions(userID int64) []*SessionConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SessionConn
	for _, c := range m.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// BroadcastUser 向某用户所有会话投递（非阻塞，投不进去即丢）
func (m *ConnManager) BroadcastUser(userID int64, data []byte) {
	for _, c := range m.UserSessions(userID) {
		if !c.TrySend(data) {
			logger.Warnf("[ConnManager] send queue full, drop user=%d session=%s", userID, c.SessionID)
		}
	}
}

// ===== 写协程 =====

// StartWriter 启动该连接唯一的写协程。SendChan 关闭或连接出错即退出。
func (m *ConnManager) StartWriter(c *SessionConn) {
	go func() {
		for {
			select {
			case <-c.closed:
				return
			case data := <-c.SendChan:
				if err := writeBinary(c.Conn, data, 5); err != nil {
					logger.Infof("[ConnManager] write session=%s err=%v", c.SessionID, err)
					c.close()
					return
				}
			}
		}
	}()
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) {
	var expired []*SessionConn

	m.mu.Lock()
	for sid, c := range m.bySession {
		if now.After(c.ExpireAt) {
			// 收集后统一关闭，避免持锁期间关闭 socket
			expired = append(expired, c)
			delete(m.bySession, sid)
			m.dropUserIndexLocked(c)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		c.close()
	}
}

// 需要在持锁状态下调用（*_Locked）
func (m *ConnManager) dropUserIndexLocked(c *SessionConn) {
	if !c.Authorized || c.UserID == 0 {
		return
	}
	if mm := m.byUser[c.UserID]; mm != nil {
		delete(mm, c.SessionID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
}

// ===== 最大连接数/挤下线 =====

func (m *ConnManager) ensureRoomForUserLocked(userID int64) {
	mm := m.byUser[userID]
	if len(mm) < m.conf.MaxPerUser {
		return
	}
	if !m.conf.EvictOldest {
		return
	}

	// 选择最老的一条淘汰（CreatedAt 更早）
	var oldest *SessionConn
	for _, c := range mm {
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	if oldest != nil {
		delete(mm, oldest.SessionID)
		delete(m.bySession, oldest.SessionID)
		go oldest.close() // 解锁后关闭
	}
}

// ===== 工具函数 =====

func writeBinary(conn *websocket.Conn, data []byte, deadlineSec int) error {
	if conn == nil {
		return errors.New("nil conn")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(time.Duration(deadlineSec) * time.Second)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
