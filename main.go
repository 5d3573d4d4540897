package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"PSync/global"
	"PSync/logger"
	mid "PSync/middleware"
	"PSync/service/dispatcher"
	"PSync/service/gateway"
)

func main() {
	configPath := flag.String("config", os.Getenv("SYNC_CONFIG"), "YAML 配置文件路径（可空）")
	flag.Parse()

	cfg, err := global.LoadConfig(*configPath)
	if err != nil {
		glog.Fatalf("load config failed: %v", err)
	}
	global.ConfigIds(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1) 权威更新日志
	store, err := global.ConfigStore(ctx, cfg)
	if err != nil {
		glog.Fatalf("store init failed: %v", err)
	}

	// 2) 跨节点扇出（可选）+ 分发器
	nc, err := global.ConfigNats(cfg)
	if err != nil {
		glog.Fatalf("nats init failed: %v", err)
	}
	disp := dispatcher.NewDispatcher(store, nc, cfg.Gateway.NodeID)
	if nc != nil {
		if err := disp.StartRemote(); err != nil {
			glog.Fatalf("remote dispatch subscribe failed: %v", err)
		}
	}

	// 3) 在线态：聚合翻转广播成临时 User 桶更新
	presence := global.ConfigPresence(cfg, gateway.PresenceStatusPublisher(disp))

	// 4) 网关
	conns := gateway.NewConnManager(cfg.Gateway.NodeID)
	srv := gateway.NewServer(cfg.Gateway.NodeID, conns, disp, store, presence,
		gateway.JWTVerifier(cfg.GetJwtSecret()))

	r := gin.New()
	r.Use(gin.Recovery())
	mid.Manager().Add(mid.Origin(cfg.Gateway.AllowedOrigins...))
	r.Use(mid.Manager().Use())
	srv.Routes(r)
	srv.AdminRoutes(r)

	addr := fmt.Sprintf(":%d", cfg.Gateway.Port)
	logger.Infof("sync gateway %s listening on %s", cfg.Gateway.NodeID, addr)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(addr) }()

	select {
	case err := <-errCh:
		glog.Fatalf("gateway exited: %v", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		if nc != nil {
			_ = nc.Close()
		}
		logger.Sync()
	}
}
