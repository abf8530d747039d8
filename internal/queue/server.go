// server.go — 消费端工厂与日志桥
package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

// RedisOpt 队列连接参数。信号存储与队列共用同一实例与 DB。
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewServer 构建任务消费端。处理器注册由调用方通过 ServeMux 完成。
//
// Concurrency 控制同时在投的用户数上限; 同一用户内的串行由
// worker 的每用户互斥段保证，与队列并发度无关。
func NewServer(cfg *config.Config) *asynq.Server {
	return asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.QueueConcurrency,
		Queues:      map[string]int{QueueRelay: 1},
		Logger:      slogBridge{},
		LogLevel:    asynq.InfoLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Errorw("task failed",
				logger.FieldComponent, "queue",
				"task_type", task.Type(),
				"retried", retried,
				logger.FieldError, err.Error())
		}),
	})
}

// slogBridge 把 asynq 内部日志接进统一 slog 管道。
type slogBridge struct{}

func (slogBridge) Debug(args ...any) { logger.Debug(fmt.Sprint(args...)) }
func (slogBridge) Info(args ...any)  { logger.Info(fmt.Sprint(args...)) }
func (slogBridge) Warn(args ...any)  { logger.Warn(fmt.Sprint(args...)) }
func (slogBridge) Error(args ...any) { logger.Error(fmt.Sprint(args...)) }
func (slogBridge) Fatal(args ...any) { logger.Error(fmt.Sprint(args...)) }
