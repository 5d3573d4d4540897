package global

import (
	"context"
	"time"

	"github.com/golang/glog"
	goredis "github.com/redis/go-redis/v9"

	mgoutil "PSync/data/database/mgo/mongoutil"
	"PSync/module/updatelog"
	mgoSrv "PSync/service/mgo"
	"PSync/service/natsx"
	"PSync/service/storage"
	"PSync/tools/ids"
)

// ConfigIds 雪花 ID 节点号；多节点部署必须互不相同。
func ConfigIds(cfg *AppConfig) {
	ids.SetNodeID(cfg.Ids.NodeID)
	glog.Infof("ids node configured: %d", cfg.Ids.NodeID)
}

// ConfigStore 按配置落存储后端。mongo 模式异步连接，
// 等到就绪再建索引；连不上直接失败，日志没有存储等于网关瘫痪。
func ConfigStore(ctx context.Context, cfg *AppConfig) (updatelog.Store, error) {
	switch cfg.Store.Driver {
	case DriverMongo:
		mcfg := &mgoutil.Config{
			Uri:         cfg.Store.Mongo.Uri,
			Database:    cfg.Store.Mongo.Database,
			Username:    cfg.Store.Mongo.Username,
			Password:    cfg.Store.Mongo.Password,
			MaxPoolSize: cfg.Store.Mongo.MaxPoolSize,
		}
		mgoSrv.StartAsync(ctx, mcfg)
		if err := mgoSrv.WaitReady(ctx, mgoSrv.Manager()); err != nil {
			return nil, err
		}
		if err := updatelog.EnsureIndexes(ctx, mgoSrv.GetDB()); err != nil {
			return nil, err
		}
		store := updatelog.NewMongoStore(mgoSrv.GetDB())
		glog.Infof("update log store: mongo db=%s", cfg.Store.Mongo.Database)
		return store, nil
	default:
		glog.Info("update log store: memory")
		return updatelog.NewMemStore(), nil
	}
}

// ConfigPresence 在线态后端 + 聚合管理器。
func ConfigPresence(cfg *AppConfig, onStatus storage.StatusFunc) *storage.Manager {
	ttl := time.Duration(cfg.Presence.TTLSeconds) * time.Second
	var ps storage.PresenceStore
	switch cfg.Presence.Driver {
	case DriverRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Presence.Redis.Addr,
			Password: cfg.Presence.Redis.Password,
			DB:       cfg.Presence.Redis.DB,
		})
		ps = storage.NewRedisPresence(rdb)
		glog.Infof("presence store: redis %s", cfg.Presence.Redis.Addr)
	default:
		ps = storage.NewMemPresence()
		glog.Info("presence store: memory")
	}
	return storage.NewManager(ps, ttl, onStatus)
}

// ConfigNats 跨节点扇出通道；未启用时返回 nil，分发器退化为单节点。
func ConfigNats(cfg *AppConfig) (*natsx.Client, error) {
	if !cfg.Nats.Enabled {
		glog.Info("nats fan-out disabled, single-node dispatch")
		return nil, nil
	}
	nc, err := natsx.New(natsx.Config{
		Servers: cfg.Nats.Servers,
		Name:    "psync-" + cfg.Gateway.NodeID,
	})
	if err != nil {
		return nil, err
	}
	glog.Infof("nats fan-out connected: %v", cfg.Nats.Servers)
	return nc, nil
}
