package natsx

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Config 客户端配置
type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client 跨网关节点扇出用的轻客户端（Core 模式，无持久化：
// 持久性在更新日志里，NATS 只负责把新行推给别的节点的活跃会话）。
type Client struct {
	cfg Config
	nc  *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New 连接 NATS
func New(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, nc: nc}, nil
}

// Publish 发布（fire-and-forget）
func (c *Client) Publish(subject string, data []byte) error {
	if c == nil || c.nc == nil {
		return errors.New("natsx not initialized")
	}
	return c.nc.Publish(subject, data)
}

// Subscribe 订阅；handler 在 NATS 回调协程里执行
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	if c == nil || c.nc == nil {
		return errors.New("natsx not initialized")
	}
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close 释放资源（优雅关闭订阅与连接）
func (c *Client) Close() error {
	if c == nil || c.nc == nil {
		return nil
	}
	c.mu.Lock()
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()
	c.nc.Close()
	return nil
}
