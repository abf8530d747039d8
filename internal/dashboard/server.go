// Package dashboard 运维面板 HTTP 服务。
//
// JSON API + SSE 事件流:
//
//	对话 / 投递 / 日志浏览   store 查询
//	在投状态 / 巡检 / 信号    内存视图与 Redis 探测
//	总线事件                 AttachBus 桥接到 SSE
//
// 面板只观测不干预投递；唯一的写入口是 SQL 控制台与对话清理。
package dashboard

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chat-relay/go-relay-v2/internal/bus"
	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/internal/monitor"
	"github.com/chat-relay/go-relay-v2/internal/store"
)

// Stores 聚合面板用到的全部 store 依赖 (一次注入)。
type Stores struct {
	Conversations *store.ConversationStore
	Deliveries    *store.DeliveryStore
	SystemLog     *store.SystemLogStore
	LLMLog        *store.LLMLogStore
	DBQuery       *store.DBQueryStore
}

// LiveView 在投状态快照。
type LiveView interface {
	Snapshot() bus.LiveSnapshot
}

// StatusRunner 按需执行一次巡检。
type StatusRunner interface {
	RunOnce(ctx context.Context) *monitor.PatrolResult
}

// SignalView 单用户信号面的只读视图。
type SignalView interface {
	CancelPending(ctx context.Context, userID int64) (bool, error)
	InProgress(ctx context.Context, userID int64) (bool, error)
	LastReplyAt(ctx context.Context, userID int64) (time.Time, bool, error)
}

// Server 面板 HTTP 服务。
type Server struct {
	cfg     *config.Config
	router  *gin.Engine
	stores  *Stores
	events  *EventBus
	live    LiveView
	status  StatusRunner
	signals SignalView
	started time.Time
}

// NewServer 创建面板服务。
func NewServer(cfg *config.Config, stores *Stores, live LiveView, status StatusRunner, signals SignalView) *Server {
	s := &Server{
		cfg:     cfg,
		router:  gin.Default(),
		stores:  stores,
		events:  NewEventBus(),
		live:    live,
		status:  status,
		signals: signals,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎 (由调用方挂到 http.Server)。
func (s *Server) Engine() *gin.Engine { return s.router }

// Events 返回 SSE 事件总线。
func (s *Server) Events() *EventBus { return s.events }

// AttachBus 把进程内总线的全部事件桥接到 SSE。
func (s *Server) AttachBus(mb *bus.MessageBus) {
	mb.SetOnPublish(func(m bus.Message) {
		s.events.Publish(Event{Type: m.Type, Data: m})
	})
}

// StartLiveSync 周期推送在投快照，新接入的 SSE 客户端不必等事件。
func (s *Server) StartLiveSync(ctx context.Context) {
	every := time.Duration(s.cfg.DashboardSSESyncSec) * time.Second
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.events.SubscriberCount() == 0 {
					continue
				}
				s.events.Publish(Event{Type: "live", Data: s.live.Snapshot()})
			}
		}
	}()
}
