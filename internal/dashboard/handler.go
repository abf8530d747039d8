// handler.go — 面板 REST API handlers。
package dashboard

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chat-relay/go-relay-v2/internal/store"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/health", s.health)

	api.GET("/conversations", s.listConversations)
	api.DELETE("/conversations", s.purgeConversations)

	api.GET("/deliveries", s.listDeliveries)
	api.GET("/deliveries/filters", s.deliveryFilters)
	api.GET("/deliveries/stats", s.deliveryStats)

	api.GET("/system-log", s.listSystemLog)
	api.GET("/system-log/filters", s.systemLogFilters)
	api.GET("/llm-log", s.listLLMLog)

	api.GET("/signals", s.signalState)
	api.GET("/live", s.liveSnapshot)
	api.GET("/status", s.relayStatus)

	api.POST("/db-query", s.dbQuery)
	api.POST("/db-execute", s.dbExecute)

	api.GET("/events", s.sseHandler)
}

// ========================================
// 辅助: query 参数读取 (DRY)
// ========================================

func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

func queryInt64(c *gin.Context, name string) int64 {
	v, _ := strconv.ParseInt(c.Query(name), 10, 64)
	return v
}

// ========================================
// Health
// ========================================

func (s *Server) health(c *gin.Context) {
	success(c, gin.H{
		"ok":         true,
		"uptime_sec": int(time.Since(s.started).Seconds()),
		"now":        time.Now(),
	})
}

// ========================================
// Conversations
// ========================================

func (s *Server) listConversations(c *gin.Context) {
	items, err := s.stores.Conversations.List(c.Request.Context(), store.ConversationListParams{
		UserID:  queryInt64(c, "user_id"),
		Role:    c.Query("role"),
		Keyword: c.Query("keyword"),
		Limit:   queryLimit(c, s.cfg.ConversationLimit),
	})
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) purgeConversations(c *gin.Context) {
	userID := queryInt64(c, "user_id")
	if userID == 0 {
		badRequest(c, "invalid_request", "user_id is required")
		return
	}
	deleted, err := s.stores.Conversations.DeleteForUser(c.Request.Context(), userID)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"deleted": deleted})
}

// ========================================
// Deliveries
// ========================================

func (s *Server) listDeliveries(c *gin.Context) {
	items, err := s.stores.Deliveries.List(c.Request.Context(), store.DeliveryListParams{
		UserID:  queryInt64(c, "user_id"),
		Status:  c.Query("status"),
		Keyword: c.Query("keyword"),
		Limit:   queryLimit(c, 100),
	})
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) deliveryFilters(c *gin.Context) {
	filters, err := s.stores.Deliveries.ListFilterValues(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, filters)
}

func (s *Server) deliveryStats(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	var since time.Time
	if hours > 0 {
		since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	counts, err := s.stores.Deliveries.CountByStatus(c.Request.Context(), since)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"hours": hours, "counts": counts})
}

// ========================================
// Logs
// ========================================

func (s *Server) listSystemLog(c *gin.Context) {
	items, err := s.stores.SystemLog.List(c.Request.Context(), store.ListParams{
		Level:     c.Query("level"),
		Logger:    c.Query("logger"),
		Source:    c.Query("source"),
		Component: c.Query("component"),
		UserID:    queryInt64(c, "user_id"),
		AttemptID: c.Query("attempt_id"),
		EventType: c.Query("event_type"),
		Keyword:   c.Query("keyword"),
		Limit:     queryLimit(c, s.cfg.SystemLogLimit),
	})
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) systemLogFilters(c *gin.Context) {
	filters, err := s.stores.SystemLog.ListFilterValues(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, filters)
}

func (s *Server) listLLMLog(c *gin.Context) {
	items, err := s.stores.LLMLog.Query(c.Request.Context(),
		c.Query("category"), c.Query("keyword"), queryLimit(c, 100))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

// ========================================
// 信号面 / 在投 / 巡检
// ========================================

func (s *Server) signalState(c *gin.Context) {
	userID := queryInt64(c, "user_id")
	if userID == 0 {
		badRequest(c, "invalid_request", "user_id is required")
		return
	}
	ctx := c.Request.Context()

	cancelPending, err := s.signals.CancelPending(ctx, userID)
	if err != nil {
		serverError(c, err)
		return
	}
	inProgress, err := s.signals.InProgress(ctx, userID)
	if err != nil {
		serverError(c, err)
		return
	}
	lastAt, hasLast, err := s.signals.LastReplyAt(ctx, userID)
	if err != nil {
		serverError(c, err)
		return
	}

	state := gin.H{
		"user_id":        userID,
		"cancel_pending": cancelPending,
		"in_progress":    inProgress,
	}
	if hasLast {
		state["last_reply_at"] = lastAt
		state["last_reply_age_sec"] = int(time.Since(lastAt).Seconds())
	}
	success(c, state)
}

func (s *Server) liveSnapshot(c *gin.Context) {
	success(c, s.live.Snapshot())
}

func (s *Server) relayStatus(c *gin.Context) {
	success(c, s.status.RunOnce(c.Request.Context()))
}

// ========================================
// SQL 控制台
// ========================================

func (s *Server) dbQuery(c *gin.Context) {
	var req struct {
		SQL   string `json:"sql"`
		Limit int    `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	rows, err := s.stores.DBQuery.Query(c.Request.Context(), req.SQL, req.Limit)
	if err != nil {
		badRequest(c, "query_error", err.Error())
		return
	}
	success(c, rows)
}

func (s *Server) dbExecute(c *gin.Context) {
	var req struct {
		SQL string `json:"sql"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	affected, err := s.stores.DBQuery.Execute(c.Request.Context(), req.SQL)
	if err != nil {
		badRequest(c, "execute_error", err.Error())
		return
	}
	success(c, gin.H{"rows_affected": affected})
}
