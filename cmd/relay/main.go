// cmd/relay — 单进程全量部署: ingress + worker + 面板 + 巡检。
//
// ingress 与 worker 共享同一个在投句柄注册表，新消息可以当场
// Cancel 本进程的在投回复，Redis 信号只作跨进程兜底与重启保险。
// wschat 调试通道仅在此形态下收发两端同连一个监听。
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/chat-relay/go-relay-v2/internal/bus"
	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/internal/dashboard"
	"github.com/chat-relay/go-relay-v2/internal/database"
	"github.com/chat-relay/go-relay-v2/internal/ingress"
	"github.com/chat-relay/go-relay-v2/internal/llm"
	"github.com/chat-relay/go-relay-v2/internal/monitor"
	"github.com/chat-relay/go-relay-v2/internal/queue"
	"github.com/chat-relay/go-relay-v2/internal/session"
	sigstore "github.com/chat-relay/go-relay-v2/internal/signal"
	"github.com/chat-relay/go-relay-v2/internal/store"
	"github.com/chat-relay/go-relay-v2/internal/transport"
	"github.com/chat-relay/go-relay-v2/internal/worker"
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

	if err := cfg.ValidateWorker(); err != nil {
		logger.Fatal("config invalid", logger.Any(logger.FieldError, err))
	}
	if err := cfg.ValidateIngress(); err != nil {
		logger.Fatal("config invalid", logger.Any(logger.FieldError, err))
	}
	prompt, err := cfg.SystemPromptText()
	if err != nil {
		logger.Fatal("system prompt unavailable", logger.Any(logger.FieldError, err))
	}

	// PostgreSQL
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("postgres connect failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()
	logger.AttachDBHandler(pool)
	defer logger.ShutdownDBHandler()

	if err := database.Migrate(ctx, pool, "migrations"); err != nil {
		logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
	}

	// Redis
	rdb, err := sigstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal("redis connect failed", logger.Any(logger.FieldError, err))
	}
	defer rdb.Close()

	// 共享件: 注册表跨 ingress/worker，总线跨 worker/面板
	signals := sigstore.New(rdb)
	registry := session.NewRegistry()
	mb := bus.NewMessageBus()
	live := bus.NewLiveDeliveries(mb)
	conversations := store.NewConversationStore(pool)
	deliveries := store.NewDeliveryStore(pool)

	tr, err := transport.New(cfg)
	if err != nil {
		logger.Fatal("transport init failed", logger.Any(logger.FieldError, err))
	}

	// worker 侧
	proc, err := worker.New(cfg, worker.Deps{
		Conversations: conversations,
		Deliveries:    deliveries,
		Signals:       signals,
		Chat:          llm.New(cfg),
		Transport:     tr,
		Registry:      registry,
		Live:          live,
		SystemPrompt:  prompt,
	})
	if err != nil {
		logger.Fatal("worker init failed", logger.Any(logger.FieldError, err))
	}
	mux := asynq.NewServeMux()
	proc.Register(mux)
	qsrv := queue.NewServer(cfg)
	if err := qsrv.Start(mux); err != nil {
		logger.Fatal("queue server failed", logger.Any(logger.FieldError, err))
	}

	// ingress 侧
	enq := queue.NewEnqueuer(cfg)
	defer enq.Close()
	svc, err := ingress.New(cfg, ingress.Deps{
		Conversations: conversations,
		Signals:       signals,
		Enqueuer:      enq,
		Registry:      registry,
		Bus:           mb,
	})
	if err != nil {
		logger.Fatal("ingress init failed", logger.Any(logger.FieldError, err))
	}
	util.SafeGo(func() {
		_ = svc.RunIdlePoll(ctx)
	})

	// 巡检 + 保留期清扫 + 面板
	patrol := monitor.NewPatrol(signals, live, registry, deliveries, mb)
	patrol.Start(ctx)

	systemLogs := store.NewSystemLogStore(pool)
	monitor.NewRetention(conversations, deliveries, systemLogs,
		cfg.LogRetentionDays, cfg.ConvRetentionDays).Start(ctx)

	dash := dashboard.NewServer(cfg, &dashboard.Stores{
		Conversations: conversations,
		Deliveries:    deliveries,
		SystemLog:     systemLogs,
		LLMLog:        store.NewLLMLogStore(pool),
		DBQuery:       store.NewDBQueryStore(pool),
	}, live, patrol, signals)
	dash.AttachBus(mb)
	dash.StartLiveSync(ctx)
	util.SafeGo(func() {
		if err := dash.Engine().Run(cfg.DashboardAddr); err != nil {
			logger.Fatal("dashboard failed", logger.Any(logger.FieldError, err))
		}
	})

	logger.Infow("relay starting",
		logger.FieldComponent, "relay",
		logger.FieldTransport, tr.Name(),
		logger.FieldProvider, cfg.LLMProvider,
		logger.FieldModel, cfg.LLMModel,
		logger.FieldAddr, cfg.DashboardAddr)

	// 收消息循环 (阻塞至 ctx 取消)
	if err := tr.Start(ctx, svc.Handler()); err != nil && ctx.Err() == nil {
		logger.Errorw("transport stopped",
			logger.FieldComponent, "relay",
			logger.FieldError, err.Error())
	}

	qsrv.Shutdown()
	logger.Info("relay shut down")
}
