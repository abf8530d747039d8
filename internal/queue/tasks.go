// Package queue 任务队列接入层 (asynq)。
//
// 入站网关把凝结完成的 Thought 投进队列，worker 进程消费。
// 队列与信号存储共用同一 Redis 实例，部署无额外依赖。
package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
)

const (
	// TypeReplyThought worker 消费的唯一任务类型: 为一条 Thought 生成并投递回复。
	TypeReplyThought = "reply:thought"

	// QueueRelay 所有回复任务走同一条队列
	QueueRelay = "relay"

	// 生成 + 逐段投递可能长达数分钟，任务超时要覆盖全程
	taskTimeout = 20 * time.Minute

	// 暂时性失败 (生成后端抖动等) 的重试上限
	taskMaxRetry = 3

	// 完成的任务保留一天，便于排查
	taskRetention = 24 * time.Hour
)

// ThoughtPayload 回复任务载荷。
type ThoughtPayload struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
	// FormedAtMS Thought 凝结时刻 (unix 毫秒)，用于统计排队耗时
	FormedAtMS int64 `json:"formed_at_ms"`
}

// NewThoughtTask 构建回复任务。
func NewThoughtTask(p ThoughtPayload) (*asynq.Task, error) {
	const op = "Queue.NewThoughtTask"
	if p.UserID == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "user id is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "text is empty")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "marshal payload")
	}
	return asynq.NewTask(TypeReplyThought, data,
		asynq.Queue(QueueRelay),
		asynq.MaxRetry(taskMaxRetry),
		asynq.Timeout(taskTimeout),
		asynq.Retention(taskRetention),
	), nil
}

// ParseThoughtPayload 解码任务载荷并校验。
// 载荷损坏属于永久性错误，调用方应终止重试。
func ParseThoughtPayload(t *asynq.Task) (ThoughtPayload, error) {
	const op = "Queue.ParseThoughtPayload"
	var p ThoughtPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return ThoughtPayload{}, apperrors.Wrapf(apperrors.ErrInvalidInput, op, "unmarshal: %v", err)
	}
	if p.UserID == 0 {
		return ThoughtPayload{}, apperrors.Wrap(apperrors.ErrInvalidInput, op, "user id missing")
	}
	if strings.TrimSpace(p.Text) == "" {
		return ThoughtPayload{}, apperrors.Wrap(apperrors.ErrInvalidInput, op, "text missing")
	}
	return p, nil
}
