// cmd/dashboard — 独立观测面板: REST API + SSE + 周期巡检。
//
// 只读加一个 SQL 控制台。本进程不投递，巡检的 local 侧恒空，
// 跨进程在投标记一律计入 remote。
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/chat-relay/go-relay-v2/internal/bus"
	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/internal/dashboard"
	"github.com/chat-relay/go-relay-v2/internal/database"
	"github.com/chat-relay/go-relay-v2/internal/monitor"
	"github.com/chat-relay/go-relay-v2/internal/session"
	sigstore "github.com/chat-relay/go-relay-v2/internal/signal"
	"github.com/chat-relay/go-relay-v2/internal/store"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
	"github.com/chat-relay/go-relay-v2/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.AppEnv)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Fatal("log file init failed", logger.Any(logger.FieldError, err))
		}
		defer logger.ShutdownFileHandler()
	}

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("postgres connect failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()
	logger.AttachDBHandler(pool)
	defer logger.ShutdownDBHandler()

	rdb, err := sigstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal("redis connect failed", logger.Any(logger.FieldError, err))
	}
	defer rdb.Close()

	signals := sigstore.New(rdb)
	mb := bus.NewMessageBus()
	live := bus.NewLiveDeliveries(mb)
	deliveries := store.NewDeliveryStore(pool)

	patrol := monitor.NewPatrol(signals, live, session.NewRegistry(), deliveries, mb)
	patrol.Start(ctx)

	dash := dashboard.NewServer(cfg, &dashboard.Stores{
		Conversations: store.NewConversationStore(pool),
		Deliveries:    deliveries,
		SystemLog:     store.NewSystemLogStore(pool),
		LLMLog:        store.NewLLMLogStore(pool),
		DBQuery:       store.NewDBQueryStore(pool),
	}, live, patrol, signals)
	dash.AttachBus(mb) // 巡检报告走 SSE 推给打开的面板
	dash.StartLiveSync(ctx)

	logger.Infow("dashboard starting",
		logger.FieldComponent, "dashboard",
		logger.FieldAddr, cfg.DashboardAddr)

	util.SafeGo(func() {
		if err := dash.Engine().Run(cfg.DashboardAddr); err != nil {
			logger.Fatal("dashboard failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("dashboard shut down")
}
