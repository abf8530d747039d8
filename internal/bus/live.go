// live.go — 在投状态跟踪器。
//
// 跟踪 active deliveries，发布 Begin/Segment/End 事件到 MessageBus。
// 终态落库由 store 层负责，这里只维护内存视图供 dashboard 即时展示。
package bus

import (
	"sync"
	"time"
)

// DeliveryRun 单次在投回复的状态。
type DeliveryRun struct {
	AttemptID     string    `json:"attempt_id"`
	UserID        int64     `json:"user_id"`
	SegmentsTotal int       `json:"segments_total"`
	SegmentsSent  int       `json:"segments_sent"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LiveSnapshot 在投状态快照。
type LiveSnapshot struct {
	Seq         int64         `json:"seq"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Running     bool          `json:"running"`
	ActiveCount int           `json:"active_count"`
	Active      []DeliveryRun `json:"active"`
}

// LiveDeliveries 在投状态跟踪器。
type LiveDeliveries struct {
	mu     sync.RWMutex // 保护 active
	active map[string]*DeliveryRun
	bus    *MessageBus
}

// NewLiveDeliveries 创建在投状态跟踪器。
func NewLiveDeliveries(bus *MessageBus) *LiveDeliveries {
	return &LiveDeliveries{
		active: make(map[string]*DeliveryRun),
		bus:    bus,
	}
}

// Begin 登记一次开始投递的回复。
func (l *LiveDeliveries) Begin(attemptID string, userID int64, segmentsTotal int) {
	l.mu.Lock()
	now := time.Now()
	l.active[attemptID] = &DeliveryRun{
		AttemptID:     attemptID,
		UserID:        userID,
		SegmentsTotal: segmentsTotal,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	l.mu.Unlock()

	l.bus.PublishEvent(UserTopic(userID, KindDelivery), MsgDeliveryBegin, userID, attemptID, map[string]int{
		"segments_total": segmentsTotal,
	})
}

// SegmentSent 记录一段送达。
func (l *LiveDeliveries) SegmentSent(attemptID string, index int) {
	l.mu.Lock()
	run, ok := l.active[attemptID]
	if !ok {
		l.mu.Unlock()
		return
	}
	run.SegmentsSent = index + 1
	run.UpdatedAt = time.Now()
	userID, total := run.UserID, run.SegmentsTotal
	l.mu.Unlock()

	l.bus.PublishEvent(UserTopic(userID, KindDelivery), MsgDeliverySegment, userID, attemptID, map[string]int{
		"segment":        index,
		"segments_total": total,
	})
}

// End 注销在投记录并按终态发布对应事件。
// status 取 deliveries 表的终态值: delivered / cancelled / failed。
func (l *LiveDeliveries) End(attemptID, status, reason string) {
	l.mu.Lock()
	run, ok := l.active[attemptID]
	if ok {
		delete(l.active, attemptID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	msgType := MsgDeliveryFailed
	switch status {
	case "delivered":
		msgType = MsgDeliveryComplete
	case "cancelled":
		msgType = MsgDeliveryCancelled
	}
	l.bus.PublishEvent(UserTopic(run.UserID, KindDelivery), msgType, run.UserID, attemptID, map[string]any{
		"status":        status,
		"reason":        reason,
		"segments_sent": run.SegmentsSent,
	})
}

// Snapshot 返回当前在投状态快照。
func (l *LiveDeliveries) Snapshot() LiveSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	runs := make([]DeliveryRun, 0, len(l.active))
	for _, r := range l.active {
		runs = append(runs, *r)
	}

	return LiveSnapshot{
		Seq:         l.bus.Seq(),
		UpdatedAt:   time.Now(),
		Running:     len(runs) > 0,
		ActiveCount: len(runs),
		Active:      runs,
	}
}

// Reset 清空在投视图 (进程重启后由巡检重建)。
func (l *LiveDeliveries) Reset() {
	l.mu.Lock()
	l.active = make(map[string]*DeliveryRun)
	l.mu.Unlock()
}
