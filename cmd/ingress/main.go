// cmd/ingress — 入站进程: 收消息 → 抢占在投回复 → 聚合凝结 → 入队。
//
// 与 worker 分进程部署时通过 Redis 上的取消信号与任务队列协同。
// 单进程部署 (含 wschat 调试通道) 用 cmd/relay。
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/chat-relay/go-relay-v2/internal/bus"
	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/internal/database"
	"github.com/chat-relay/go-relay-v2/internal/ingress"
	"github.com/chat-relay/go-relay-v2/internal/queue"
	"github.com/chat-relay/go-relay-v2/internal/session"
	sigstore "github.com/chat-relay/go-relay-v2/internal/signal"
	"github.com/chat-relay/go-relay-v2/internal/store"
	"github.com/chat-relay/go-relay-v2/internal/transport"
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

	if err := cfg.ValidateIngress(); err != nil {
		logger.Fatal("config invalid", logger.Any(logger.FieldError, err))
	}

	// PostgreSQL (对话历史)
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("postgres connect failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()
	logger.AttachDBHandler(pool)
	defer logger.ShutdownDBHandler()

	// Redis (取消信号 + 任务队列)
	rdb, err := sigstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal("redis connect failed", logger.Any(logger.FieldError, err))
	}
	defer rdb.Close()

	enq := queue.NewEnqueuer(cfg)
	defer enq.Close()

	svc, err := ingress.New(cfg, ingress.Deps{
		Conversations: store.NewConversationStore(pool),
		Signals:       sigstore.New(rdb),
		Enqueuer:      enq,
		Registry:      session.NewRegistry(), // 分进程部署: 本进程无在投句柄，打断全走信号
		Bus:           bus.NewMessageBus(),
	})
	if err != nil {
		logger.Fatal("ingress init failed", logger.Any(logger.FieldError, err))
	}

	tr, err := transport.New(cfg)
	if err != nil {
		logger.Fatal("transport init failed", logger.Any(logger.FieldError, err))
	}

	util.SafeGo(func() {
		_ = svc.RunIdlePoll(ctx)
	})

	logger.Infow("ingress starting",
		logger.FieldComponent, "ingress",
		logger.FieldTransport, tr.Name(),
		"idle_timeout_ms", cfg.IdleTimeoutMS)

	if err := tr.Start(ctx, svc.Handler()); err != nil && ctx.Err() == nil {
		logger.Fatal("transport stopped", logger.Any(logger.FieldError, err))
	}
	logger.Info("ingress shut down")
}
