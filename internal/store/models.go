// Package store 提供所有数据库模型结构体与 CRUD。
//
// Go struct 的 db tag 直接对应 PostgreSQL 列名，
// 配合 pgx RowToStructByName 消除手写行转换。
package store

import (
	"errors"
	"time"
)

// ========================================
// 哨兵错误 (Store 层专用)
// ========================================

var (
	// ErrReadOnlyViolation SQL 包含写入关键词。
	ErrReadOnlyViolation = errors.New("read-only SQL violation: write keywords detected")

	// ErrMultiStatement SQL 包含多条语句。
	ErrMultiStatement = errors.New("only single SQL statement allowed")

	// ErrDangerousSQL SQL 包含危险操作。
	ErrDangerousSQL = errors.New("dangerous SQL operation blocked")
)

// ========================================
// 对话记录 — 表 conversation_messages
// ========================================

// 消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage 单条对话记录。
// user 角色一行对应一个输入分片；assistant 角色一行对应一个已送达分段。
type ConversationMessage struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ========================================
// 投递记录 — 表 deliveries
// ========================================

// 投递终态。
const (
	DeliveryRunning   = "running"
	DeliveryDelivered = "delivered"
	DeliveryCancelled = "cancelled"
	DeliveryFailed    = "failed"
)

// Delivery 一次回复尝试的生命周期记录。
type Delivery struct {
	ID            int64      `db:"id" json:"id"`
	AttemptID     string     `db:"attempt_id" json:"attempt_id"`
	UserID        int64      `db:"user_id" json:"user_id"`
	Status        string     `db:"status" json:"status"`
	SegmentsTotal int        `db:"segments_total" json:"segments_total"`
	SegmentsSent  int        `db:"segments_sent" json:"segments_sent"`
	Reason        string     `db:"reason" json:"reason"`
	LatencyMS     int64      `db:"latency_ms" json:"latency_ms"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	FinishedAt    *time.Time `db:"finished_at" json:"finished_at"`
}

// ========================================
// 系统日志 — 表 system_logs
// ========================================

// SystemLog 结构化系统日志行 (DBHandler 写入，dashboard 读取)。
type SystemLog struct {
	ID         int64     `db:"id" json:"id"`
	Ts         time.Time `db:"ts" json:"ts"`
	Level      string    `db:"level" json:"level"`
	Logger     string    `db:"logger" json:"logger"`
	Message    string    `db:"message" json:"message"`
	Raw        string    `db:"raw" json:"raw"`
	Source     string    `db:"source" json:"source"`
	Component  string    `db:"component" json:"component"`
	UserID     *int64    `db:"user_id" json:"user_id"`
	AttemptID  string    `db:"attempt_id" json:"attempt_id"`
	EventType  string    `db:"event_type" json:"event_type"`
	DurationMS *int64    `db:"duration_ms" json:"duration_ms"`
	Extra      any       `db:"extra" json:"extra"`
}

// ========================================
// LLM 流量日志 — 从 system_logs 派生
// ========================================

// LLMLogRow 生成后端流量的派生视图行。
type LLMLogRow struct {
	Ts         time.Time `json:"ts"`
	Level      string    `json:"level"`
	Logger     string    `json:"logger"`
	Message    string    `json:"message"`
	Raw        string    `json:"raw"`
	Category   string    `json:"category"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Endpoint   string    `json:"endpoint"`
	StatusCode string    `json:"status_code"`
	StatusText string    `json:"status_text"`
	Model      string    `json:"model"`
}
