// Package ingress 入站管线: 抢占在投回复 → 落历史表 → 聚合凝结 → 入队。
//
// 抢占判定按序短路:
//  1. 本进程注册表里有该用户的在投句柄 → 本地 Cancel，并升起持久信号兜底
//  2. 跨进程在投标记 (response_started) 存在 → 升起持久信号
//  3. 距最近一次完整回复不足余波窗口 → 升起持久信号
//  4. 都不是 → 用户安静，什么都不做
//
// 信号存储读失败按"不忙"降级，只记日志; 升起失败记错误但不阻断凝结链路。
package ingress

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chat-relay/go-relay-v2/internal/accumulator"
	"github.com/chat-relay/go-relay-v2/internal/bus"
	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/internal/queue"
	"github.com/chat-relay/go-relay-v2/internal/session"
	"github.com/chat-relay/go-relay-v2/internal/store"
	"github.com/chat-relay/go-relay-v2/internal/transport"
	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

// 抢占原因，写进日志与总线事件。
const (
	reasonLocalHandle = "local_handle"
	reasonInProgress  = "in_progress_mark"
	reasonRecentReply = "recent_reply"
)

// 总线事件里带的文本预览长度上限
const previewMaxRunes = 80

// ConversationAppender 历史表写入口。
type ConversationAppender interface {
	Append(ctx context.Context, userID int64, role, content string) (*store.ConversationMessage, error)
}

// SignalStore 抢占判定所需的信号存储子集。
type SignalStore interface {
	RaiseCancel(ctx context.Context, userID int64) error
	InProgress(ctx context.Context, userID int64) (bool, error)
	LastReplyAt(ctx context.Context, userID int64) (time.Time, bool, error)
}

// ThoughtEnqueuer 队列生产端。
type ThoughtEnqueuer interface {
	EnqueueThought(ctx context.Context, p queue.ThoughtPayload) (string, error)
}

// Deps 服务依赖。
type Deps struct {
	Conversations ConversationAppender
	Signals       SignalStore
	Enqueuer      ThoughtEnqueuer
	Registry      *session.Registry // 同进程部署时与 worker 共享; 分进程时为空表
	Bus           *bus.MessageBus
}

// Service 入站服务。并发安全。
type Service struct {
	cfg     *config.Config
	conv    ConversationAppender
	signals SignalStore
	enq     ThoughtEnqueuer
	reg     *session.Registry
	bus     *bus.MessageBus

	idleTimeout time.Duration
	grace       time.Duration

	locks *session.Locks

	mu   sync.Mutex
	accs map[int64]*accumulator.Accumulator
}

// New 构建入站服务。
func New(cfg *config.Config, deps Deps) (*Service, error) {
	const op = "Ingress.New"
	if cfg == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "config is required")
	}
	if deps.Conversations == nil || deps.Signals == nil || deps.Enqueuer == nil || deps.Registry == nil || deps.Bus == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "all dependencies are required")
	}
	return &Service{
		cfg:         cfg,
		conv:        deps.Conversations,
		signals:     deps.Signals,
		enq:         deps.Enqueuer,
		reg:         deps.Registry,
		bus:         deps.Bus,
		idleTimeout: time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		grace:       time.Duration(cfg.CancelGraceSec) * time.Second,
		locks:       session.NewLocks(),
		accs:        make(map[int64]*accumulator.Accumulator),
	}, nil
}

// Handler 返回可直接挂到传输层的入站回调。
func (s *Service) Handler() transport.Handler {
	return func(ctx context.Context, in transport.Inbound) {
		if err := s.HandleInbound(ctx, in); err != nil {
			logger.Errorw("ingress: handle inbound failed",
				logger.FieldComponent, "ingress",
				logger.FieldUserID, in.UserID,
				logger.FieldError, err.Error())
		}
	}
}

// HandleInbound 处理一条入站消息。
//
// 抢占先于落库: 取消要赶在在投回复的下一段发出之前。
func (s *Service) HandleInbound(ctx context.Context, in transport.Inbound) error {
	const op = "Ingress.HandleInbound"
	if in.UserID == 0 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "user id is required")
	}
	if strings.TrimSpace(in.Text) == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "text is empty")
	}

	s.interruptIfBusy(ctx, in.UserID)

	if _, err := s.conv.Append(ctx, in.UserID, store.RoleUser, in.Text); err != nil {
		// 历史表暂时写不进不阻断凝结链路，窗口少一条而已
		logger.Errorw("ingress: append message failed",
			logger.FieldComponent, "ingress",
			logger.FieldUserID, in.UserID,
			logger.FieldError, err.Error())
	}

	s.bus.PublishEvent(bus.UserTopic(in.UserID, bus.KindIngress), bus.MsgInboundFragment,
		in.UserID, "", map[string]any{"preview": preview(in.Text)})

	mu := s.locks.For(in.UserID)
	mu.Lock()
	acc, err := s.accumulatorFor(in.UserID)
	var th *accumulator.Thought
	if err == nil {
		th, err = acc.Feed(ctx, in.Text)
	}
	mu.Unlock()
	if err != nil {
		return err
	}
	if th == nil {
		return nil
	}
	return s.dispatchThought(ctx, th)
}

// PollIdle 对所有缓冲重新评估完成条件，凝结到期的 Thought。
// 由 RunIdlePoll 定时驱动 (可选部署)。
func (s *Service) PollIdle(ctx context.Context) {
	s.mu.Lock()
	users := make([]int64, 0, len(s.accs))
	for id := range s.accs {
		users = append(users, id)
	}
	s.mu.Unlock()

	for _, id := range users {
		mu := s.locks.For(id)
		mu.Lock()
		s.mu.Lock()
		acc := s.accs[id]
		s.mu.Unlock()
		var th *accumulator.Thought
		if acc != nil {
			th = acc.Poll(ctx)
		}
		mu.Unlock()

		if th != nil {
			if err := s.dispatchThought(ctx, th); err != nil {
				logger.Errorw("ingress: dispatch polled thought failed",
					logger.FieldComponent, "ingress",
					logger.FieldUserID, id,
					logger.FieldError, err.Error())
			}
		}
	}
}

// RunIdlePoll 按配置的间隔驱动 PollIdle，阻塞直到 ctx 取消。
// THOUGHT_IDLE_POLL_SEC 为 0 时仅等待退出 (凝结完全由下一条消息驱动)。
func (s *Service) RunIdlePoll(ctx context.Context) error {
	interval := time.Duration(s.cfg.IdlePollSec) * time.Second
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	logger.Infow("idle poll enabled",
		logger.FieldComponent, "ingress", "interval_sec", s.cfg.IdlePollSec)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.PollIdle(ctx)
		}
	}
}

// PendingFragments 返回某用户积压的分片数 (观测用)。
func (s *Service) PendingFragments(userID int64) int {
	mu := s.locks.For(userID)
	mu.Lock()
	defer mu.Unlock()
	s.mu.Lock()
	acc := s.accs[userID]
	s.mu.Unlock()
	if acc == nil {
		return 0
	}
	return acc.Pending()
}

// ========================================
// 内部
// ========================================

// interruptIfBusy 按序执行抢占规则，命中任意一条即升起取消并返回。
func (s *Service) interruptIfBusy(ctx context.Context, userID int64) {
	// 规则 1: 本进程内的在投句柄直接打断，信号兜底跨进程竞态
	if s.reg.Cancel(userID) {
		s.raiseCancel(ctx, userID, reasonLocalHandle)
		return
	}

	// 规则 2: 跨进程在投标记
	busy, err := s.signals.InProgress(ctx, userID)
	if err != nil {
		logger.Warnw("ingress: in-progress check failed",
			logger.FieldComponent, "ingress",
			logger.FieldUserID, userID,
			logger.FieldError, err.Error())
	} else if busy {
		s.raiseCancel(ctx, userID, reasonInProgress)
		return
	}

	// 规则 3: 刚回复完的余波窗口，可能还有段在传输层路上
	if s.grace > 0 {
		at, ok, err := s.signals.LastReplyAt(ctx, userID)
		if err != nil {
			logger.Warnw("ingress: last reply check failed",
				logger.FieldComponent, "ingress",
				logger.FieldUserID, userID,
				logger.FieldError, err.Error())
		} else if ok && time.Since(at) < s.grace {
			s.raiseCancel(ctx, userID, reasonRecentReply)
			return
		}
	}
}

func (s *Service) raiseCancel(ctx context.Context, userID int64, reason string) {
	if err := s.signals.RaiseCancel(ctx, userID); err != nil {
		logger.Errorw("ingress: raise cancel failed",
			logger.FieldComponent, "ingress",
			logger.FieldUserID, userID,
			logger.FieldReason, reason,
			logger.FieldError, err.Error())
		return
	}
	logger.Infow("cancel raised",
		logger.FieldComponent, "ingress",
		logger.FieldUserID, userID,
		logger.FieldReason, reason)
	s.bus.PublishEvent(bus.UserTopic(userID, bus.KindSignal), bus.MsgCancelRaised,
		userID, "", map[string]string{"reason": reason})
}

// accumulatorFor 惰性创建用户缓冲。调用方必须已持该用户互斥段。
func (s *Service) accumulatorFor(userID int64) (*accumulator.Accumulator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accs[userID]; ok {
		return acc, nil
	}
	acc, err := accumulator.New(userID, s.idleTimeout, s.signals)
	if err != nil {
		return nil, err
	}
	s.accs[userID] = acc
	return acc, nil
}

func (s *Service) dispatchThought(ctx context.Context, th *accumulator.Thought) error {
	taskID, err := s.enq.EnqueueThought(ctx, queue.ThoughtPayload{
		UserID:     th.UserID,
		Text:       th.Text,
		FormedAtMS: th.FormedAt.UnixMilli(),
	})
	if err != nil {
		logger.Errorw("ingress: enqueue thought failed",
			logger.FieldComponent, "ingress",
			logger.FieldUserID, th.UserID,
			logger.FieldError, err.Error())
		return err
	}
	logger.Infow("thought formed",
		logger.FieldComponent, "ingress",
		logger.FieldUserID, th.UserID,
		"task_id", taskID,
		logger.FieldLen, len(th.Text))
	s.bus.PublishEvent(bus.UserTopic(th.UserID, bus.KindIngress), bus.MsgThoughtFormed,
		th.UserID, "", map[string]any{"task_id": taskID, "len": len(th.Text)})
	return nil
}

// preview 截取事件里带的文本预览。
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewMaxRunes {
		return text
	}
	return string(runes[:previewMaxRunes]) + "…"
}
