// Package worker 回复任务消费端: 取窗口 → 生成 → 切段 → 节奏投递。
//
// 一次任务的生命周期 (同一用户全程持互斥段):
//
//	清残留取消信号 → 标记在投 → 取会话窗口 → 生成回复 → 切段
//	→ 注册投递句柄 → 逐段投递 (每段两次信号探测) → 记终态
//
// 终态三种: delivered (全部段送达，刷新完整回复标记) /
// cancelled (取消信号或本地抢占，不重试) / failed (传输或生成故障)。
// 已有段发出后的失败不重试 — 重投会让用户看到重复的半截回复。
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/chat-relay/go-relay-v2/internal/bus"
	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/internal/llm"
	"github.com/chat-relay/go-relay-v2/internal/pacer"
	"github.com/chat-relay/go-relay-v2/internal/queue"
	"github.com/chat-relay/go-relay-v2/internal/session"
	"github.com/chat-relay/go-relay-v2/internal/store"
	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

// 生成请求的尝试次数 (含首次, 失败后重置客户端再试一次)
const chatAttempts = 2

// ConversationLog 会话历史的读写子集。
type ConversationLog interface {
	Append(ctx context.Context, userID int64, role, content string) (*store.ConversationMessage, error)
	RecentNewestFirst(ctx context.Context, userID int64, limit int) ([]store.ConversationMessage, error)
}

// DeliveryLog 投递记录表。
type DeliveryLog interface {
	Begin(ctx context.Context, attemptID string, userID int64, segmentsTotal int) error
	Finish(ctx context.Context, attemptID, status string, segmentsSent int, reason string, latencyMS int64) error
}

// SignalAPI 投递侧用到的信号存储子集。
type SignalAPI interface {
	ClearCancel(ctx context.Context, userID int64) error
	ConsumeCancel(ctx context.Context, userID int64) (bool, error)
	MarkInProgress(ctx context.Context, userID int64, attemptID string) error
	ClearInProgress(ctx context.Context, userID int64) error
	SetLastReply(ctx context.Context, userID int64, at time.Time) error
}

// Chatter 生成后端。
type Chatter interface {
	ChatWithRetry(ctx context.Context, messages []llm.Message, attempts int) (string, error)
}

// Sender 出站通道子集。
type Sender interface {
	SendSegment(ctx context.Context, userID int64, text string) error
	Typing(ctx context.Context, userID int64)
}

// Deps 处理器依赖。
type Deps struct {
	Conversations ConversationLog
	Deliveries    DeliveryLog
	Signals       SignalAPI
	Chat          Chatter
	Transport     Sender
	Registry      *session.Registry // 同进程部署时与 ingress 共享
	Live          *bus.LiveDeliveries
	SystemPrompt  string
}

// Processor 回复任务处理器。并发安全，同一用户串行。
type Processor struct {
	cfg  *config.Config
	deps Deps

	locks *session.Locks

	maxAge   time.Duration
	minCount int
}

// New 构建处理器。
func New(cfg *config.Config, deps Deps) (*Processor, error) {
	const op = "Worker.New"
	if cfg == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "config is required")
	}
	if deps.Conversations == nil || deps.Deliveries == nil || deps.Signals == nil ||
		deps.Chat == nil || deps.Transport == nil || deps.Registry == nil || deps.Live == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "all dependencies are required")
	}
	return &Processor{
		cfg:      cfg,
		deps:     deps,
		locks:    session.NewLocks(),
		maxAge:   time.Duration(cfg.ContextMaxAgeHours) * time.Hour,
		minCount: cfg.ContextMinMessages,
	}, nil
}

// Register 把处理器挂到任务路由上。
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeReplyThought, p.HandleThought)
}

// HandleThought 处理一条回复任务。
func (p *Processor) HandleThought(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseThoughtPayload(task)
	if err != nil {
		// 载荷损坏重试不会好，直接丢弃
		return fmt.Errorf("drop corrupt thought task: %v: %w", err, asynq.SkipRetry)
	}

	mu := p.locks.For(payload.UserID)
	mu.Lock()
	defer mu.Unlock()

	return p.process(ctx, payload)
}

// process 同一用户互斥段内的完整投递流程。
func (p *Processor) process(ctx context.Context, payload queue.ThoughtPayload) error {
	userID := payload.UserID
	attemptID := uuid.NewString()

	if payload.FormedAtMS > 0 {
		waitMS := time.Now().UnixMilli() - payload.FormedAtMS
		logger.Infow("thought picked up",
			logger.FieldComponent, "worker",
			logger.FieldUserID, userID,
			logger.FieldAttemptID, attemptID,
			"queue_wait_ms", waitMS)
	}

	// 上一轮残留的取消信号不该波及这条全新的回复
	if err := p.deps.Signals.ClearCancel(ctx, userID); err != nil {
		logger.Warnw("worker: clear stale cancel failed",
			logger.FieldUserID, userID, logger.FieldError, err.Error())
	}

	if err := p.deps.Signals.MarkInProgress(ctx, userID, attemptID); err != nil {
		// 标记失败只影响跨进程抢占，本地句柄仍然可用
		logger.Warnw("worker: mark in-progress failed",
			logger.FieldUserID, userID, logger.FieldError, err.Error())
	}
	defer func() {
		if err := p.deps.Signals.ClearInProgress(context.WithoutCancel(ctx), userID); err != nil {
			logger.Warnw("worker: clear in-progress failed",
				logger.FieldUserID, userID, logger.FieldError, err.Error())
		}
	}()

	messages := p.buildPrompt(ctx, payload)

	genStart := time.Now()
	reply, err := p.deps.Chat.ChatWithRetry(ctx, messages, chatAttempts)
	genLatency := time.Since(genStart)
	if err != nil {
		logger.Errorw("worker: generation failed",
			logger.FieldUserID, userID,
			logger.FieldAttemptID, attemptID,
			logger.FieldError, err.Error())
		if llm.Retryable(err) {
			return err // 交给队列退避重试
		}
		return fmt.Errorf("generation terminal failure: %v: %w", err, asynq.SkipRetry)
	}

	segments := SplitSegments(reply)
	return p.deliver(ctx, userID, attemptID, segments, genLatency)
}

// buildPrompt 组装生成请求。窗口取不到时降级为只带当前 Thought。
func (p *Processor) buildPrompt(ctx context.Context, payload queue.ThoughtPayload) []llm.Message {
	userID := payload.UserID

	var window []store.ConversationMessage
	rows, err := p.deps.Conversations.RecentNewestFirst(ctx, userID, store.WindowFetchLimit(p.minCount))
	if err != nil {
		logger.Errorw("worker: fetch window failed",
			logger.FieldUserID, userID, logger.FieldError, err.Error())
	} else {
		window = store.SelectWindow(rows, time.Now(), p.maxAge, p.minCount)
	}

	messages := llm.BuildMessages(p.deps.SystemPrompt, window)

	// 提示词必须以用户发言收尾; 历史表缺行时用 Thought 文本兜底
	if n := len(messages); n == 0 || messages[n-1].Role != store.RoleUser {
		messages = append(messages, llm.Message{Role: store.RoleUser, Content: payload.Text})
	}
	return messages
}

// deliver 注册句柄并逐段投递，落投递记录与终态。
func (p *Processor) deliver(ctx context.Context, userID int64, attemptID string, segments []string, genLatency time.Duration) error {
	if err := p.deps.Deliveries.Begin(ctx, attemptID, userID, len(segments)); err != nil {
		// 审计行写不进不挡用户收消息
		logger.Errorw("worker: begin delivery record failed",
			logger.FieldAttemptID, attemptID, logger.FieldError, err.Error())
	}
	p.deps.Live.Begin(attemptID, userID, len(segments))

	pc, err := pacer.New(userID, p.cfg.PaceCharsPerSec, p.cfg.PaceJitter)
	if err != nil {
		p.finish(ctx, userID, attemptID, store.DeliveryFailed, 0, "pacer: "+err.Error(), genLatency)
		return fmt.Errorf("build pacer: %v: %w", err, asynq.SkipRetry)
	}
	if displaced := p.deps.Registry.Put(userID, pc); displaced != nil {
		displaced.Cancel() // 不应发生: 同用户互斥段保证单句柄
	}
	defer p.deps.Registry.Remove(userID, pc)

	check := func(ctx context.Context) bool {
		hit, err := p.deps.Signals.ConsumeCancel(ctx, userID)
		if err != nil {
			// 信号存储抖动按无信号处理，本地 Cancel 仍然有效
			logger.Warnw("worker: consume cancel failed",
				logger.FieldUserID, userID, logger.FieldError, err.Error())
			return false
		}
		return hit
	}

	sent := 0
	total := len(segments)
	sink := func(ctx context.Context, seg string) error {
		if err := p.deps.Transport.SendSegment(ctx, userID, seg); err != nil {
			return err
		}
		if _, err := p.deps.Conversations.Append(ctx, userID, store.RoleAssistant, seg); err != nil {
			// 段已发出，撤不回来; 历史表尽力而为
			logger.Errorw("worker: append assistant row failed",
				logger.FieldUserID, userID,
				logger.FieldAttemptID, attemptID,
				logger.FieldError, err.Error())
		}
		p.deps.Live.SegmentSent(attemptID, sent)
		sent++
		if sent < total {
			p.deps.Transport.Typing(ctx, userID)
		}
		return nil
	}

	p.deps.Transport.Typing(ctx, userID)
	delivered, err := pc.Deliver(ctx, segments, sink, pacer.DeliverOptions{
		Credit: genLatency,
		Check:  check,
	})

	switch {
	case err == nil:
		if err := p.deps.Signals.SetLastReply(ctx, userID, time.Now()); err != nil {
			logger.Warnw("worker: set last reply marker failed",
				logger.FieldUserID, userID, logger.FieldError, err.Error())
		}
		p.finish(ctx, userID, attemptID, store.DeliveryDelivered, delivered, "", genLatency)
		logger.Infow("delivery complete",
			logger.FieldComponent, "worker",
			logger.FieldUserID, userID,
			logger.FieldAttemptID, attemptID,
			logger.FieldSegments, delivered,
			logger.FieldLatencyMS, genLatency.Milliseconds())
		return nil

	case errors.Is(err, apperrors.ErrCancelled):
		// 用户有新输入，这条回复作废; 新 Thought 已在路上，不重试
		p.finish(ctx, userID, attemptID, store.DeliveryCancelled, delivered, err.Error(), genLatency)
		logger.Infow("delivery cancelled",
			logger.FieldComponent, "worker",
			logger.FieldUserID, userID,
			logger.FieldAttemptID, attemptID,
			logger.FieldSegments, delivered,
			logger.FieldReason, err.Error())
		return nil

	default:
		p.finish(ctx, userID, attemptID, store.DeliveryFailed, delivered, err.Error(), genLatency)
		logger.Errorw("delivery failed",
			logger.FieldComponent, "worker",
			logger.FieldUserID, userID,
			logger.FieldAttemptID, attemptID,
			logger.FieldSegments, delivered,
			logger.FieldError, err.Error())
		if delivered > 0 {
			// 半截回复已送达，重投会重复刷屏
			return fmt.Errorf("aborted after %d segments: %v: %w", delivered, err, asynq.SkipRetry)
		}
		return err
	}
}

// finish 落终态: 投递记录 + 在投视图注销。
func (p *Processor) finish(ctx context.Context, userID int64, attemptID, status string, segmentsSent int, reason string, genLatency time.Duration) {
	ctx = context.WithoutCancel(ctx)
	if err := p.deps.Deliveries.Finish(ctx, attemptID, status, segmentsSent, reason, genLatency.Milliseconds()); err != nil {
		logger.Errorw("worker: finish delivery record failed",
			logger.FieldAttemptID, attemptID,
			logger.FieldStatus, status,
			logger.FieldError, err.Error())
	}
	p.deps.Live.End(attemptID, status, reason)
}
