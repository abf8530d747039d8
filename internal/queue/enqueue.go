// enqueue.go — 生产端封装
package queue

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/chat-relay/go-relay-v2/internal/config"
	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

// asynqEnqueuer 抽掉 *asynq.Client 以便注入假实现。
type asynqEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Enqueuer 回复任务生产端。并发安全。
type Enqueuer struct {
	cli asynqEnqueuer
}

// NewEnqueuer 连接 Redis 构建生产端。asynq 客户端本身惰性连接，
// 可达性由启动方的信号存储 ping 统一保证。
func NewEnqueuer(cfg *config.Config) *Enqueuer {
	return &Enqueuer{cli: asynq.NewClient(RedisOpt(cfg))}
}

// EnqueueThought 投递一条回复任务，返回任务 ID。
func (e *Enqueuer) EnqueueThought(ctx context.Context, p ThoughtPayload) (string, error) {
	const op = "Queue.EnqueueThought"
	task, err := NewThoughtTask(p)
	if err != nil {
		return "", err
	}
	info, err := e.cli.EnqueueContext(ctx, task)
	if err != nil {
		return "", apperrors.Wrapf(apperrors.ErrUnavailable, op, "user %d: %v", p.UserID, err)
	}
	logger.Infow("thought enqueued",
		logger.FieldComponent, "queue",
		logger.FieldUserID, p.UserID,
		logger.FieldQueue, info.Queue,
		"task_id", info.ID,
		logger.FieldLen, len(p.Text))
	return info.ID, nil
}

// Close 释放底层连接。
func (e *Enqueuer) Close() error { return e.cli.Close() }
