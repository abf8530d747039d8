// llm_log.go — 生成后端流量日志 (基于 system_logs 派生，无独立表)。
//
// llm client 每次调用都会落一行形如
// `HTTP Request: POST https://…/chat/completions "HTTP/1.1 200 OK" model=gpt-4o-mini`
// 的日志，此处用 regex 提取 method/url/status/model 组装派生视图。
package store

import (
	"context"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LLMLogStore 生成后端流量日志存储。
type LLMLogStore struct{ BaseStore }

// NewLLMLogStore 创建 LLM 日志存储。
func NewLLMLogStore(pool *pgxpool.Pool) *LLMLogStore { return &LLMLogStore{NewBaseStore(pool)} }

var (
	// POST https://api.openai.com/v1/chat/completions → method=POST, url=…
	reHTTP = regexp.MustCompile(`(?i)(GET|POST|PUT|DELETE|PATCH|HEAD)\s+(https?://\S+)`)

	// HTTP/1.1 200 OK → status_code=200, status_text=OK
	reStatus = regexp.MustCompile(`(?i)HTTP/\d\.\d\s+(\d{3})\s*(\S*)`)

	// model=gpt-4o / model: gpt-4o → model=…
	reModel = regexp.MustCompile(`(?i)model[=:]\s*([^\s,;"'\]]+)`)
)

// classifyLLMLog 按消息内容归类。
func classifyLLMLog(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "api request") || strings.Contains(lower, "request to") ||
		strings.Contains(lower, "http request"):
		return "api_request"
	case strings.Contains(lower, "api error") || strings.Contains(lower, "api_error"):
		return "api_error"
	case strings.Contains(lower, "cancel") || strings.Contains(msg, "取消"):
		return "cancelled"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return "timeout"
	case strings.Contains(lower, "error") || strings.Contains(lower, "exception"):
		return "error"
	default:
		return "llm_event"
	}
}

// extractHTTP 从消息提取 HTTP method + url + endpoint。
func extractHTTP(msg string) (method, url, endpoint string) {
	if m := reHTTP.FindStringSubmatch(msg); len(m) == 3 {
		method = strings.ToUpper(m[1])
		url = m[2]
		// 提取路径部分作为 endpoint
		if idx := strings.Index(url, "//"); idx >= 0 {
			rest := url[idx+2:]
			if slashIdx := strings.Index(rest, "/"); slashIdx >= 0 {
				endpoint = rest[slashIdx:]
			}
		}
	}
	return
}

// extractStatus 提取 HTTP 状态码。
func extractStatus(msg string) (code, text string) {
	if m := reStatus.FindStringSubmatch(msg); len(m) >= 2 {
		code = m[1]
		if len(m) >= 3 {
			text = m[2]
		}
	}
	return
}

// extractModel 提取模型名。
func extractModel(msg string) string {
	if m := reModel.FindStringSubmatch(msg); len(m) == 2 {
		return m[1]
	}
	return ""
}

// Query 查询 LLM 流量日志 (从 system_logs 读取、分类、提取字段)。
func (s *LLMLogStore) Query(ctx context.Context, category, keyword string, limit int) ([]LLMLogRow, error) {
	q := NewQueryBuilder().
		KeywordLike(keyword, "message")
	sql, params := q.Build(
		"SELECT "+sysLogCols+" FROM system_logs",
		"ts DESC, id DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	sysLogs, err := collectRows[SystemLog](rows)
	if err != nil {
		return nil, err
	}

	var result []LLMLogRow
	for _, log := range sysLogs {
		cat := classifyLLMLog(log.Message)
		if category != "" && cat != category {
			continue
		}
		method, url, endpoint := extractHTTP(log.Message)
		statusCode, statusText := extractStatus(log.Message)
		model := extractModel(log.Message)

		result = append(result, LLMLogRow{
			Ts:         log.Ts,
			Level:      log.Level,
			Logger:     log.Logger,
			Message:    log.Message,
			Raw:        log.Raw,
			Category:   cat,
			Method:     method,
			URL:        url,
			Endpoint:   endpoint,
			StatusCode: statusCode,
			StatusText: statusText,
			Model:      model,
		})
	}
	return result, nil
}
