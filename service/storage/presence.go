package storage

import (
	"context"
	"time"

	"PSync/logger"
)

// PresenceStore 记录“会话级”存活：一个用户可同时有多端在线。
// 聚合在线态 = 任意一个会话仍在 TTL 内。
type PresenceStore interface {
	SessionOnline(ctx context.Context, userID, sessionID, gatewayID string, ttl time.Duration) error
	SessionHeartbeat(ctx context.Context, userID, sessionID string, ttl time.Duration) error
	SessionOffline(ctx context.Context, userID, sessionID string) error
	UserOnline(ctx context.Context, userID string) (bool, error)
}

// StatusFunc 聚合在线态变化时的回调（尽力而为，不保证送达）。
type StatusFunc func(userID string, online bool)

// Manager 在 PresenceStore 之上维护聚合在线态，并在状态翻转时发布。
// 这里的一切都在 UpdateLog 的正确性关键路径之外：出错只打日志。
type Manager struct {
	store    PresenceStore
	ttl      time.Duration
	onStatus StatusFunc
}

func NewManager(store PresenceStore, ttl time.Duration, onStatus StatusFunc) *Manager {
	if ttl <= 0 {
		ttl = 75 * time.Second
	}
	return &Manager{store: store, ttl: ttl, onStatus: onStatus}
}

// Online 会话上线；若用户从离线翻转为在线则发布状态。
func (m *Manager) Online(ctx context.Context, userID, sessionID, gatewayID string) {
	was, err := m.store.UserOnline(ctx, userID)
	if err != nil {
		logger.Warnf("[Presence] online lookup user=%s err=%v", userID, err)
	}
	if err := m.store.SessionOnline(ctx, userID, sessionID, gatewayID, m.ttl); err != nil {
		logger.Warnf("[Presence] online user=%s session=%s err=%v", userID, sessionID, err)
		return
	}
	if !was && m.onStatus != nil {
		m.onStatus(userID, true)
	}
}

// Heartbeat 会话心跳续期。
func (m *Manager) Heartbeat(ctx context.Context, userID, sessionID string) {
	if err := m.store.SessionHeartbeat(ctx, userID, sessionID, m.ttl); err != nil {
		logger.Warnf("[Presence] heartbeat user=%s session=%s err=%v", userID, sessionID, err)
	}
}

// Offline 会话下线；若用户因此整体离线则发布状态。
func (m *Manager) Offline(ctx context.Context, userID, sessionID string) {
	if err := m.store.SessionOffline(ctx, userID, sessionID); err != nil {
		logger.Warnf("[Presence] offline user=%s session=%s err=%v", userID, sessionID, err)
	}
	still, err := m.store.UserOnline(ctx, userID)
	if err != nil {
		logger.Warnf("[Presence] offline lookup user=%s err=%v", userID, err)
		return
	}
	if !still && m.onStatus != nil {
		m.onStatus(userID, false)
	}
}

// UserOnline 聚合在线查询。
func (m *Manager) UserOnline(ctx context.Context, userID string) bool {
	ok, err := m.store.UserOnline(ctx, userID)
	if err != nil {
		logger.Warnf("[Presence] lookup user=%s err=%v", userID, err)
		return false
	}
	return ok
}
