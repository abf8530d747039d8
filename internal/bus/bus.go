// Package bus 进程内事件总线。
//
// 投递链路各环节 (入站、凝结、取消、逐段投递、巡检) 把事件发到总线，
// dashboard 经 SSE 实时外推。事件是易失的观测数据，终态以
// deliveries / conversation_messages 表为准。
//
// 桥接:
//   - dashboard/sse.go EventBus — 总线事件自动转发到 SSE
//   - bus.LiveDeliveries — 在投状态内存视图 (live.go)
package bus

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// ========================================
// 消息类型
// ========================================

// Message 总线消息。
type Message struct {
	Topic     string          `json:"topic"`                // user.42.delivery / monitor / system
	Type      string          `json:"type"`                 // 事件类型 (下方 Msg* 常量)
	UserID    int64           `json:"user_id,omitempty"`    // 关联用户，系统事件为 0
	AttemptID string          `json:"attempt_id,omitempty"` // 关联投递尝试
	Payload   json.RawMessage `json:"payload,omitempty"`    // 具体数据
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// 事件类型常量。
const (
	// --- 入站链路 ---

	// MsgInboundFragment 收到一条入站分片 (已入历史表)。
	MsgInboundFragment = "ingress.fragment"
	// MsgThoughtFormed 分片凝结为 Thought 并已入队。
	MsgThoughtFormed = "ingress.thought"

	// --- 取消协调 ---

	// MsgCancelRaised 某用户的取消信号升起。
	MsgCancelRaised = "signal.cancel_raised"
	// MsgCancelConsumed 在投回复消费了取消信号并中止。
	MsgCancelConsumed = "signal.cancel_consumed"

	// --- 投递生命周期 ---

	// MsgDeliveryBegin 回复开始逐段投递。
	MsgDeliveryBegin = "delivery.begin"
	// MsgDeliverySegment 单段送达。
	MsgDeliverySegment = "delivery.segment"
	// MsgDeliveryComplete 全部段送达。
	MsgDeliveryComplete = "delivery.complete"
	// MsgDeliveryCancelled 投递被取消信号中止。
	MsgDeliveryCancelled = "delivery.cancelled"
	// MsgDeliveryFailed 投递因错误终止。
	MsgDeliveryFailed = "delivery.failed"

	// --- 巡检/系统 ---

	// MsgPatrolReport 巡检汇总。
	MsgPatrolReport = "monitor.patrol"
	// MsgSystem 进程启停等系统事件。
	MsgSystem = "system.event"
)

// Topic 模式常量。
const (
	// TopicUserPrefix 用户消息前缀: user.{id}.{kind}。
	TopicUserPrefix = "user."
	// TopicMonitor 巡检消息。
	TopicMonitor = "monitor"
	// TopicSystem 系统消息。
	TopicSystem = "system"

	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// 用户 topic 的 kind 段。
const (
	KindIngress  = "ingress"
	KindSignal   = "signal"
	KindDelivery = "delivery"
)

// UserTopic 拼出单用户子 topic: user.42.delivery。
// 订阅 "user.42" 可收到该用户全部事件。
func UserTopic(userID int64, kind string) string {
	return TopicUserPrefix + strconv.FormatInt(userID, 10) + "." + kind
}

// ========================================
// Subscriber
// ========================================

// Subscriber 订阅者。
type Subscriber struct {
	ID     string       // 唯一标识
	Filter string       // topic 前缀过滤 ("user.42" / "*" / "monitor")
	Ch     chan Message // 消息通道
}

// ========================================
// MessageBus — topic pub/sub
// ========================================

// MessageBus 进程内消息总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "user.42" → 收到 user.42.ingress, user.42.delivery 等
//   - 订阅 "*" → 收到所有消息
//   - 发布 user.42.delivery → 匹配 "user.42", "user.", "*" 的订阅者
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	onPublish   func(Message) // 可选: 每条消息的全局回调 (用于桥接 SSE)
}

// NewMessageBus 创建消息总线。
func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnPublish 设置全局发布回调 (用于桥接到 dashboard SSE)。
func (b *MessageBus) SetOnPublish(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布消息到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证消息到达顺序与 seq 一致。
func (b *MessageBus) Publish(msg Message) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	onPub := b.onPublish

	// 在同一把锁下完成 fan-out, 保证 seq 顺序
	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, msg.Topic) {
			select {
			case sub.Ch <- msg:
			default:
				// 通道满, 丢弃 (避免阻塞发布者)
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行 (回调可能耗时, 避免持锁太久)
	if onPub != nil {
		onPub(msg)
	}
}

// PublishEvent 编组 payload 后发布，是各环节的便捷入口。
func (b *MessageBus) PublishEvent(topic, msgType string, userID int64, attemptID string, payload any) {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	b.Publish(Message{
		Topic:     topic,
		Type:      msgType,
		UserID:    userID,
		AttemptID: attemptID,
		Payload:   data,
	})
}

// Subscribe 订阅消息。filter 为 topic 前缀 ("user.42" / "*" / "monitor")。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, 64),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "user.42" 匹配 "user.42", "user.42.delivery", "user.42.xxx"
//   - filter "monitor" 匹配 "monitor", "monitor.patrol"
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	// 前缀匹配: filter="user.42" 匹配 topic="user.42.delivery"
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
