// Package monitor 投递面巡检。
//
// 每个周期对三个视图拍快照并交叉核对:
//
//	本地在投视图   bus.LiveDeliveries (段进度)
//	跨进程在途标记 signal response_started:* 键空间
//	本地取消句柄表 session.Registry
//
// 巡检只暴露不修复: 残留标记有 TTL 自愈，卡死投递有 ctx 停机兜底。
package monitor

import (
	"context"
	"time"

	"github.com/chat-relay/go-relay-v2/internal/bus"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

// ========================================
// 常量
// ========================================

const (
	// 巡检周期
	defaultIntervalSec = 30

	// 段进度空窗超过该时长判停滞。正常节奏下单段等待
	// 远低于此值 (8.5 字/秒 × 典型段长 ≈ 数秒)。
	stallAfter = 90 * time.Second

	// 投递终态统计的回看窗口
	countsWindow = 24 * time.Hour
)

// 在投状态名。
const (
	RunDelivering = "delivering"
	RunStalled    = "stalled"
)

// ========================================
// Patrol 巡检器
// ========================================

// SignalScanner 跨进程在途标记扫描。
type SignalScanner interface {
	ActiveReplies(ctx context.Context) ([]int64, error)
}

// LiveView 本地在投视图。
type LiveView interface {
	Snapshot() bus.LiveSnapshot
}

// HandleView 本地取消句柄计数。
type HandleView interface {
	Active() int
}

// DeliveryCounter 投递终态统计 (deliveries 表)。
type DeliveryCounter interface {
	CountByStatus(ctx context.Context, since time.Time) (map[string]int64, error)
}

// EventPublisher 巡检报告的推送出口 (解耦 SSE 总线)。
type EventPublisher interface {
	PublishEvent(topic, msgType string, userID int64, attemptID string, payload any)
}

// Patrol 投递面巡检器。
type Patrol struct {
	signals  SignalScanner
	live     LiveView
	handles  HandleView
	counts   DeliveryCounter
	eventBus EventPublisher
}

// NewPatrol 创建巡检器。counts 与 eventBus 可为 nil
// (无库部署只看内存视图，无总线时仅日志)。
func NewPatrol(signals SignalScanner, live LiveView, handles HandleView, counts DeliveryCounter, eventBus EventPublisher) *Patrol {
	return &Patrol{
		signals:  signals,
		live:     live,
		handles:  handles,
		counts:   counts,
		eventBus: eventBus,
	}
}

// ========================================
// ClassifyRun — 在投状态分类
// ========================================

// ClassifyRun 按段进度空窗判定单次投递状态，返回状态与空窗时长。
func ClassifyRun(run bus.DeliveryRun, now time.Time) (string, time.Duration) {
	idle := now.Sub(run.UpdatedAt)
	if idle >= stallAfter {
		return RunStalled, idle
	}
	return RunDelivering, idle
}

// ========================================
// RunOnce — 单次巡检
// ========================================

// RunSnapshot 单次在投回复的巡检快照。
type RunSnapshot struct {
	AttemptID     string `json:"attempt_id"`
	UserID        int64  `json:"user_id"`
	Status        string `json:"status"`
	SegmentsSent  int    `json:"segments_sent"`
	SegmentsTotal int    `json:"segments_total"`
	AgeSec        int    `json:"age_sec"`
	IdleSec       int    `json:"idle_sec"`
	Marked        bool   `json:"marked"` // 跨进程标记是否可见
}

// PatrolResult 巡检结果。
type PatrolResult struct {
	OK          bool             `json:"ok"`
	Ts          time.Time        `json:"ts"`
	Summary     map[string]int   `json:"summary"`
	Runs        []RunSnapshot    `json:"runs"`
	RemoteUsers []int64          `json:"remote_users"` // 有在途标记但本进程无句柄
	DBCounts    map[string]int64 `json:"db_counts,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// RunOnce 执行一次巡检周期并推送报告。
func (p *Patrol) RunOnce(ctx context.Context) *PatrolResult {
	now := time.Now()
	snap := p.live.Snapshot()

	markedUsers, err := p.signals.ActiveReplies(ctx)
	scanOK := err == nil
	if !scanOK {
		logger.Errorw("patrol: scan progress marks failed", logger.FieldError, err.Error())
	}
	marked := make(map[int64]bool, len(markedUsers))
	for _, id := range markedUsers {
		marked[id] = true
	}

	localUsers := make(map[int64]bool, len(snap.Active))
	runs := make([]RunSnapshot, 0, len(snap.Active))
	for _, run := range snap.Active {
		localUsers[run.UserID] = true
		status, idle := ClassifyRun(run, now)

		// 扫描失败时不做未标记告警，免得把信号面抖动报成投递异常
		hasMark := !scanOK || marked[run.UserID]

		rs := RunSnapshot{
			AttemptID:     run.AttemptID,
			UserID:        run.UserID,
			Status:        status,
			SegmentsSent:  run.SegmentsSent,
			SegmentsTotal: run.SegmentsTotal,
			AgeSec:        int(now.Sub(run.StartedAt).Seconds()),
			IdleSec:       int(idle.Seconds()),
			Marked:        hasMark,
		}
		runs = append(runs, rs)

		if status == RunStalled {
			logger.Warnw("patrol: delivery stalled",
				logger.FieldAttemptID, run.AttemptID,
				logger.FieldUserID, run.UserID,
				"idle_sec", rs.IdleSec,
				logger.FieldSegments, run.SegmentsSent)
		}
		if !hasMark {
			// 标记丢失意味着其他进程的新输入打不断这次投递
			logger.Warnw("patrol: in-flight delivery has no progress mark",
				logger.FieldAttemptID, run.AttemptID,
				logger.FieldUserID, run.UserID)
		}
	}

	// 有标记但本进程无句柄: 其他进程在投，或崩溃残留 (TTL 会清)
	var remote []int64
	for _, id := range markedUsers {
		if !localUsers[id] {
			remote = append(remote, id)
		}
	}

	result := &PatrolResult{
		OK:          scanOK,
		Ts:          now,
		Summary:     p.summarize(runs, remote),
		Runs:        runs,
		RemoteUsers: remote,
	}
	if err != nil {
		result.Error = err.Error()
	}

	if p.counts != nil {
		dbCounts, err := p.counts.CountByStatus(ctx, now.Add(-countsWindow))
		if err != nil {
			logger.Warnw("patrol: count deliveries failed", logger.FieldError, err.Error())
		} else {
			result.DBCounts = dbCounts
		}
	}

	if p.eventBus != nil {
		p.eventBus.PublishEvent(bus.TopicMonitor, bus.MsgPatrolReport, 0, "", result)
	}
	return result
}

// ========================================
// Start — 定期巡检
// ========================================

// Start 启动定期巡检 (goroutine + ticker)，ctx 取消时退出。
func (p *Patrol) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(defaultIntervalSec * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	}()
	logger.Infow("patrol started", "interval_sec", defaultIntervalSec)
}

// ========================================
// 内部工具
// ========================================

func (p *Patrol) summarize(runs []RunSnapshot, remote []int64) map[string]int {
	s := map[string]int{
		"local":         len(runs),
		RunDelivering:   0,
		RunStalled:      0,
		"unmarked":      0,
		"remote":        len(remote),
		"local_handles": p.handles.Active(),
	}
	for _, r := range runs {
		s[r.Status]++
		if !r.Marked {
			s["unmarked"]++
		}
	}
	return s
}
