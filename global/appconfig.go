package global

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// 存储 / 在线态后端
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
)

// AppConfig 网关节点的全量配置。YAML 加载，个别字段可用环境变量覆盖，
// 便于容器里改端口和密钥而不动配置文件。
type AppConfig struct {
	Gateway struct {
		NodeID         string   `yaml:"nodeId"`         // 节点ID，NATS 回声过滤用
		Port           int      `yaml:"port"`           // http/ws 启动端口
		JwtSecret      string   `yaml:"jwtSecret"`      // HS256 密钥
		AllowedOrigins []string `yaml:"allowedOrigins"` // 空放行所有
	} `yaml:"gateway"`

	Ids struct {
		NodeID int64 `yaml:"nodeId"` // 雪花 ID 的节点号
	} `yaml:"ids"`

	Store struct {
		Driver string `yaml:"driver"` // memory | mongo
		Mongo  struct {
			Uri         string `yaml:"uri"`
			Database    string `yaml:"database"`
			Username    string `yaml:"username"`
			Password    string `yaml:"password"`
			MaxPoolSize int    `yaml:"maxPoolSize"`
		} `yaml:"mongo"`
	} `yaml:"store"`

	Presence struct {
		Driver     string `yaml:"driver"` // memory | redis
		TTLSeconds int    `yaml:"ttlSeconds"`
		Redis      struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"presence"`

	Nats struct {
		Enabled bool     `yaml:"enabled"`
		Servers []string `yaml:"servers"`
	} `yaml:"nats"`
}

// DefaultConfig 单节点、纯内存，开箱即跑。
func DefaultConfig() *AppConfig {
	cfg := &AppConfig{}
	cfg.Gateway.NodeID = "gw-1"
	cfg.Gateway.Port = 8080
	cfg.Gateway.JwtSecret = "dev-only-secret"
	cfg.Ids.NodeID = 100
	cfg.Store.Driver = DriverMemory
	cfg.Presence.Driver = DriverMemory
	cfg.Presence.TTLSeconds = 60
	return cfg
}

// LoadConfig 读 YAML；path 为空时只用默认值加环境变量。
func LoadConfig(path string) (*AppConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("SYNC_GATEWAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = p
		}
	}
	if v := os.Getenv("SYNC_JWT_SECRET"); v != "" {
		c.Gateway.JwtSecret = v
	}
	if v := os.Getenv("SYNC_NODE_ID"); v != "" {
		c.Gateway.NodeID = v
	}
	if v := os.Getenv("SYNC_MONGO_URI"); v != "" {
		c.Store.Driver = DriverMongo
		c.Store.Mongo.Uri = v
	}
	if v := os.Getenv("SYNC_REDIS_ADDR"); v != "" {
		c.Presence.Driver = DriverRedis
		c.Presence.Redis.Addr = v
	}
	if v := os.Getenv("SYNC_NATS_SERVERS"); v != "" {
		c.Nats.Enabled = true
		c.Nats.Servers = strings.Split(v, ",")
	}
}

// GetJwtSecret 握手与管理接口共用的签名密钥。
func (c *AppConfig) GetJwtSecret() []byte {
	return []byte(c.Gateway.JwtSecret)
}
