package storage

import (
	"context"
	"sync"
	"time"
)

// MemPresence 内存实现，单测与单机开发用。
type MemPresence struct {
	mu    sync.Mutex
	users map[string]map[string]sessionEntry // user -> session -> entry
	clock func() time.Time                   // 可注入时钟（单测用）；nil => time.Now
}

type sessionEntry struct {
	gatewayID string
	expireAt  time.Time
}

func NewMemPresence() *MemPresence {
	return &MemPresence{users: make(map[string]map[string]sessionEntry), clock: time.Now}
}

// SetClock 单测注入
func (p *MemPresence) SetClock(clock func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

func (p *MemPresence) SessionOnline(_ context.Context, userID, sessionID, gatewayID string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mm := p.users[userID]
	if mm == nil {
		mm = make(map[string]sessionEntry)
		p.users[userID] = mm
	}
	mm[sessionID] = sessionEntry{gatewayID: gatewayID, expireAt: p.clock().Add(ttl)}
	return nil
}

func (p *MemPresence) SessionHeartbeat(_ context.Context, userID, sessionID string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mm := p.users[userID]
	if mm == nil {
		return nil
	}
	e, ok := mm[sessionID]
	if !ok {
		return nil
	}
	e.expireAt = p.clock().Add(ttl)
	mm[sessionID] = e
	return nil
}

func (p *MemPresence) SessionOffline(_ context.Context, userID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mm := p.users[userID]; mm != nil {
		delete(mm, sessionID)
		if len(mm) == 0 {
			delete(p.users, userID)
		}
	}
	return nil
}

func (p *MemPresence) UserOnline(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	for _, e := range p.users[userID] {
		if e.expireAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}
