// Package accumulator 提供按用户聚合碎片输入的 debounce 引擎。
//
// 用户连发的多条消息先进入分片缓冲，静默超过空闲阈值后凝结为一条
// 完整"思维"(Thought) 交给队列。判定只在 Feed/Poll 调用时发生，
// 不自带定时器。
package accumulator

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

// LastReplySource 读取某用户最近一次完整回复的时间标记。
// 由信号存储实现; 聚合器只读。
type LastReplySource interface {
	LastReplyAt(ctx context.Context, userID int64) (time.Time, bool, error)
}

// Thought 一次凝结完成的完整思维，分片按序以单空格拼接。
type Thought struct {
	UserID   int64
	Text     string
	FormedAt time.Time
}

// Accumulator 单用户分片缓冲。非并发安全: 同一用户的调用必须串行，
// 由上层 session 注册表的每用户互斥段保证。
type Accumulator struct {
	userID  int64
	timeout time.Duration
	marks   LastReplySource

	frags  []string
	lastAt time.Time // 零值 = 尚无任何 Feed

	now func() time.Time // 测试注入
}

// New 创建聚合器。userID 必须非零，timeout 必须为正。
func New(userID int64, timeout time.Duration, marks LastReplySource) (*Accumulator, error) {
	if userID == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Accumulator.New", "user id is required")
	}
	if timeout <= 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Accumulator.New", "idle timeout must be positive")
	}
	return &Accumulator{
		userID:  userID,
		timeout: timeout,
		marks:   marks,
		now:     time.Now,
	}, nil
}

// Feed 追加一条输入分片并评估完成条件。
//
// 返回非 nil *Thought 表示完成: 分片已快照清空，时间戳已刷新。
// 单次 Feed 永远不会自我完成 — 判定比较的是上一次调用留下的时间戳，
// 因此凝结至少需要两次 Feed (或一次 Feed 加外部 Poll)。
func (a *Accumulator) Feed(ctx context.Context, text string) (*Thought, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Accumulator.Feed", "empty fragment")
	}

	a.frags = append(a.frags, text)
	now := a.now()

	if a.completionMet(ctx, now) {
		th := a.snapshot(now)
		return th, nil
	}

	a.lastAt = now
	return nil, nil
}

// Poll 不追加输入，仅重新评估完成条件。
// 供外部定时器驱动凝结的部署使用 (默认关闭)。
func (a *Accumulator) Poll(ctx context.Context) *Thought {
	now := a.now()
	if !a.completionMet(ctx, now) {
		return nil
	}
	return a.snapshot(now)
}

// Pending 返回当前积压的分片数。
func (a *Accumulator) Pending() int { return len(a.frags) }

// snapshot 凝结当前分片为 Thought 并重置缓冲。
func (a *Accumulator) snapshot(now time.Time) *Thought {
	th := &Thought{
		UserID:   a.userID,
		Text:     strings.Join(a.frags, " "),
		FormedAt: now,
	}
	a.frags = nil
	a.lastAt = now
	return th
}

// completionMet 完成条件，全部成立才凝结:
//  1. 分片序列非空
//  2. 存在上一次调用留下的时间戳
//  3. 距该时间戳的间隔 ≥ 空闲超时
//  4. 该时间戳不早于该用户最近一次完整回复的时间 —
//     防止迟到的旧分片用一个早于用户已看到回复的时间戳再次触发凝结
func (a *Accumulator) completionMet(ctx context.Context, now time.Time) bool {
	if len(a.frags) == 0 || a.lastAt.IsZero() {
		return false
	}
	if now.Sub(a.lastAt) < a.timeout {
		return false
	}
	if a.marks != nil {
		replyAt, ok, err := a.marks.LastReplyAt(ctx, a.userID)
		if err != nil {
			// 标记读取失败按"无标记"处理: 聚合不因信号存储抖动而卡死
			logger.Warnw("accumulator: read last reply marker failed",
				logger.FieldUserID, a.userID, logger.FieldError, err)
		} else if ok && a.lastAt.Before(replyAt) {
			return false
		}
	}
	return true
}
