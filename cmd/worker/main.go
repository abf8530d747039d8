// cmd/worker — 回复进程: 消费 Thought 任务 → 生成回复 → 限速逐段投递。
//
// 发段走与 ingress 同名的传输通道 (telegram 下即同一个 bot token)。
// wschat 调试通道的连接只在收消息进程内，分进程部署下发不出去，
// 用 cmd/relay 代替。
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/chat-relay/go-relay-v2/internal/bus"
	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/internal/database"
	"github.com/chat-relay/go-relay-v2/internal/llm"
	"github.com/chat-relay/go-relay-v2/internal/monitor"
	"github.com/chat-relay/go-relay-v2/internal/queue"
	"github.com/chat-relay/go-relay-v2/internal/session"
	sigstore "github.com/chat-relay/go-relay-v2/internal/signal"
	"github.com/chat-relay/go-relay-v2/internal/store"
	"github.com/chat-relay/go-relay-v2/internal/transport"
	"github.com/chat-relay/go-relay-v2/internal/worker"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
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
	prompt, err := cfg.SystemPromptText()
	if err != nil {
		logger.Fatal("system prompt unavailable", logger.Any(logger.FieldError, err))
	}

	// PostgreSQL (对话历史 + 投递记录)，worker 负责建表
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

	// Redis (取消信号 + 任务队列)
	rdb, err := sigstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal("redis connect failed", logger.Any(logger.FieldError, err))
	}
	defer rdb.Close()

	tr, err := transport.New(cfg)
	if err != nil {
		logger.Fatal("transport init failed", logger.Any(logger.FieldError, err))
	}

	conversations := store.NewConversationStore(pool)
	deliveries := store.NewDeliveryStore(pool)

	proc, err := worker.New(cfg, worker.Deps{
		Conversations: conversations,
		Deliveries:    deliveries,
		Signals:       sigstore.New(rdb),
		Chat:          llm.New(cfg),
		Transport:     tr,
		Registry:      session.NewRegistry(),
		Live:          bus.NewLiveDeliveries(bus.NewMessageBus()),
		SystemPrompt:  prompt,
	})
	if err != nil {
		logger.Fatal("worker init failed", logger.Any(logger.FieldError, err))
	}

	// 保留期清扫: 观测表随投递量增长，由常驻的回复进程负责修剪
	monitor.NewRetention(conversations, deliveries, store.NewSystemLogStore(pool),
		cfg.LogRetentionDays, cfg.ConvRetentionDays).Start(ctx)

	mux := asynq.NewServeMux()
	proc.Register(mux)

	srv := queue.NewServer(cfg)
	logger.Infow("worker starting",
		logger.FieldComponent, "worker",
		logger.FieldProvider, cfg.LLMProvider,
		logger.FieldModel, cfg.LLMModel,
		"concurrency", cfg.QueueConcurrency)

	if err := srv.Start(mux); err != nil {
		logger.Fatal("queue server failed", logger.Any(logger.FieldError, err))
	}

	<-ctx.Done()
	// Shutdown 等在投任务收尾，配合投递侧对 ctx 取消的处理
	srv.Shutdown()
	logger.Info("worker shut down")
}
