// retention.go — 存储面保留期清扫。
//
// 观测类表 (system_logs / deliveries) 只增不删，长期运行必须定期修剪。
// 对话记录是回复上下文的来源，默认永久保留，显式配置天数后才纳入清扫。
package monitor

import (
	"context"
	"time"

	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

// 清扫周期。保留期以天计，半天一轮足够。
const sweepInterval = 12 * time.Hour

// ConversationCleaner 对话记录按保留期删除。
type ConversationCleaner interface {
	CleanupConversations(ctx context.Context, retentionDays int) (int, error)
}

// DeliveryCleaner 投递记录按保留期删除。
type DeliveryCleaner interface {
	CleanupDeliveries(ctx context.Context, retentionDays int) (int, error)
}

// SystemLogCleaner 系统日志按保留期删除。
type SystemLogCleaner interface {
	CleanupSystemLogs(ctx context.Context, retentionDays int) (int, error)
}

// Retention 保留期清扫器。
type Retention struct {
	conversations ConversationCleaner
	deliveries    DeliveryCleaner
	systemLogs    SystemLogCleaner

	logDays  int // system_logs 与 deliveries 的保留天数
	convDays int // 对话记录保留天数，0 = 永久保留
}

// NewRetention 创建清扫器。logDays 非正时回退 30 天; convDays 为 0 时跳过对话表。
func NewRetention(conversations ConversationCleaner, deliveries DeliveryCleaner, systemLogs SystemLogCleaner, logDays, convDays int) *Retention {
	if logDays <= 0 {
		logDays = 30
	}
	if convDays < 0 {
		convDays = 0
	}
	return &Retention{
		conversations: conversations,
		deliveries:    deliveries,
		systemLogs:    systemLogs,
		logDays:       logDays,
		convDays:      convDays,
	}
}

// RunOnce 执行一轮清扫，返回各表删除行数。
// 单表失败只记日志，不影响其余表的清扫。
func (r *Retention) RunOnce(ctx context.Context) map[string]int {
	removed := make(map[string]int, 3)

	if n, err := r.systemLogs.CleanupSystemLogs(ctx, r.logDays); err != nil {
		logger.Warnw("retention: cleanup system logs failed", logger.FieldError, err.Error())
	} else {
		removed["system_logs"] = n
	}

	if n, err := r.deliveries.CleanupDeliveries(ctx, r.logDays); err != nil {
		logger.Warnw("retention: cleanup deliveries failed", logger.FieldError, err.Error())
	} else {
		removed["deliveries"] = n
	}

	if r.convDays > 0 {
		if n, err := r.conversations.CleanupConversations(ctx, r.convDays); err != nil {
			logger.Warnw("retention: cleanup conversations failed", logger.FieldError, err.Error())
		} else {
			removed["conversation_messages"] = n
		}
	}

	total := 0
	for _, n := range removed {
		total += n
	}
	if total > 0 {
		logger.Infow("retention sweep done",
			logger.FieldComponent, "monitor",
			logger.FieldCount, total,
			"removed", removed)
	}
	return removed
}

// Start 启动定期清扫 (goroutine + ticker)，ctx 取消时退出。
// 启动即清一轮: 长停机后重启的进程不必等满一个周期。
func (r *Retention) Start(ctx context.Context) {
	go func() {
		r.RunOnce(ctx)

		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
	logger.Infow("retention sweeper started",
		"log_days", r.logDays, "conversation_days", r.convDays)
}
