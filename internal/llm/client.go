// client.go — 回复生成后端 HTTP 客户端
//
// 支持两类后端:
//   - openai: OpenAI 兼容接口, POST {base}/v1/chat/completions
//   - ollama: 本地 Ollama,    POST {base}/api/chat
//
// 底层 http.Client 惰性创建; 调用失败后经 Reset() 丢弃, 下次请求重建。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chat-relay/go-relay-v2/internal/config"
	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

// ========================================
// 常量与消息类型
// ========================================

const (
	// ProviderOpenAI OpenAI 兼容后端 (含各类转发网关)
	ProviderOpenAI = "openai"

	// ProviderOllama 本地 Ollama 后端
	ProviderOllama = "ollama"

	// 响应体读取上限，防御异常后端
	maxResponseBytes = 4 << 20

	// 错误消息里保留的响应体片段长度
	errBodySnippet = 200
)

// Message 一条对话消息，role 为 system / user / assistant。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ========================================
// Client
// ========================================

// Client 生成后端客户端。并发安全。
type Client struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	timeout     time.Duration

	// 重试间隔基数，按次数线性放大
	retryBackoff time.Duration

	mu      sync.Mutex
	httpCli *http.Client
}

// New 按配置构建客户端。provider 为空时按 base url 推断。
func New(cfg *config.Config) *Client {
	return &Client{
		provider:     inferProvider(cfg.LLMProvider, cfg.LLMBaseURL),
		baseURL:      strings.TrimRight(cfg.LLMBaseURL, "/"),
		apiKey:       cfg.LLMAPIKey,
		model:        cfg.LLMModel,
		temperature:  cfg.LLMTemperature,
		timeout:      time.Duration(cfg.LLMTimeout) * time.Second,
		retryBackoff: 500 * time.Millisecond,
	}
}

// inferProvider 按显式配置或 base url 特征判定后端类型。
func inferProvider(explicit, baseURL string) string {
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case ProviderOllama:
		return ProviderOllama
	case ProviderOpenAI:
		return ProviderOpenAI
	}
	lower := strings.ToLower(baseURL)
	if strings.Contains(lower, ":11434") || strings.Contains(lower, "ollama") {
		return ProviderOllama
	}
	return ProviderOpenAI
}

// Provider 返回判定后的后端类型。
func (c *Client) Provider() string { return c.provider }

// Model 返回配置的模型名。
func (c *Client) Model() string { return c.model }

// client 惰性构建底层 http.Client。
func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpCli == nil {
		c.httpCli = &http.Client{Timeout: c.timeout}
	}
	return c.httpCli
}

// Reset 丢弃底层连接。传输层故障后调用，下次请求重建连接池。
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpCli != nil {
		c.httpCli.CloseIdleConnections()
		c.httpCli = nil
	}
}

// ========================================
// Chat
// ========================================

// Chat 发送一轮对话并返回回复文本。
//
// 错误分类:
//   - 网络不可达 / 5xx / 408 / 429 包装 ErrUnavailable (可重试)
//   - 请求超时包装 ErrTimeout (可重试)
//   - 其余 4xx 与空回复为终态错误 (不可重试)
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	const op = "LLM.Chat"
	if len(messages) == 0 {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, op, "no messages")
	}

	endpoint, body, err := c.buildRequest(messages)
	if err != nil {
		return "", apperrors.Wrap(err, op, "build request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(err, op, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.provider == ProviderOpenAI && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Wrap(ctx.Err(), op, "request aborted")
		}
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return "", apperrors.Wrapf(apperrors.ErrTimeout, op, "post %s: %v", endpoint, err)
		}
		return "", apperrors.Wrapf(apperrors.ErrUnavailable, op, "post %s: %v", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", apperrors.Wrapf(apperrors.ErrUnavailable, op, "read response from %s: %v", endpoint, err)
	}

	// 日志分析依赖此行格式，dashboard 按 method/url/status/model 切分
	logger.Infow(
		fmt.Sprintf("HTTP Request: POST %s \"HTTP/1.1 %d %s\" model=%s", endpoint, resp.StatusCode, http.StatusText(resp.StatusCode), c.model),
		logger.FieldComponent, "llm",
		logger.FieldProvider, c.provider,
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK {
		snippet := bodySnippet(raw)
		if retryableStatus(resp.StatusCode) {
			return "", apperrors.Wrapf(apperrors.ErrUnavailable, op, "%s returned %d: %s", endpoint, resp.StatusCode, snippet)
		}
		return "", apperrors.Newf(op, "%s returned %d: %s", endpoint, resp.StatusCode, snippet)
	}

	reply, err := c.parseReply(raw)
	if err != nil {
		return "", apperrors.Wrapf(err, op, "parse response from %s", endpoint)
	}
	return reply, nil
}

// ChatWithRetry 在可重试错误上最多尝试 attempts 次，间隔线性退避。
// 上下文取消与终态错误立即返回。
func (c *Client) ChatWithRetry(ctx context.Context, messages []Message, attempts int) (string, error) {
	const op = "LLM.ChatWithRetry"
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			c.Reset()
			if err := sleepCtx(ctx, time.Duration(i)*c.retryBackoff); err != nil {
				return "", apperrors.Wrap(err, op, "backoff interrupted")
			}
			logger.Warnw("llm retry",
				logger.FieldComponent, "llm",
				"attempt", i+1,
				logger.FieldError, lastErr.Error())
		}
		reply, err := c.Chat(ctx, messages)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !Retryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

// Retryable 判断错误是否值得换条连接再试。
func Retryable(err error) bool {
	return errors.Is(err, apperrors.ErrUnavailable) || errors.Is(err, apperrors.ErrTimeout)
}

// retryableStatus 后端暂时性失败的状态码。
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func bodySnippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > errBodySnippet {
		s = s[:errBodySnippet]
	}
	return s
}

// ========================================
// 协议编解码
// ========================================

type openaiChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error"`
}

// buildRequest 按后端类型生成请求地址与 JSON 体。
func (c *Client) buildRequest(messages []Message) (string, []byte, error) {
	switch c.provider {
	case ProviderOllama:
		body, err := json.Marshal(ollamaChatRequest{
			Model:    c.model,
			Messages: messages,
			Stream:   false,
			Options:  map[string]any{"temperature": c.temperature},
		})
		return c.baseURL + "/api/chat", body, err

	default:
		body, err := json.Marshal(openaiChatRequest{
			Model:       c.model,
			Messages:    messages,
			Temperature: c.temperature,
			Stream:      false,
		})
		// 兼容 base 已带 /v1 的网关写法
		endpoint := c.baseURL + "/v1/chat/completions"
		if strings.HasSuffix(c.baseURL, "/v1") {
			endpoint = c.baseURL + "/chat/completions"
		}
		return endpoint, body, err
	}
}

// parseReply 从 200 响应体提取回复文本，空回复视为失败。
func (c *Client) parseReply(raw []byte) (string, error) {
	switch c.provider {
	case ProviderOllama:
		var out ollamaChatResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode ollama response: %w", err)
		}
		if out.Error != "" {
			return "", fmt.Errorf("ollama error: %s", out.Error)
		}
		reply := strings.TrimSpace(out.Message.Content)
		if reply == "" {
			return "", errors.New("empty completion")
		}
		return reply, nil

	default:
		var out openaiChatResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode openai response: %w", err)
		}
		if out.Error != nil {
			return "", fmt.Errorf("openai error: %s", out.Error.Message)
		}
		if len(out.Choices) == 0 {
			return "", errors.New("no choices in completion")
		}
		reply := strings.TrimSpace(out.Choices[0].Message.Content)
		if reply == "" {
			return "", errors.New("empty completion")
		}
		return reply, nil
	}
}
