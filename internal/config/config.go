// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"os"
	"strings"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
	"github.com/chat-relay/go-relay-v2/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 传输层
	Transport  string `env:"RELAY_TRANSPORT" default:"telegram"`
	TGBotToken string `env:"TG_BOT_TOKEN"`
	WSChatAddr string `env:"WS_CHAT_ADDR" default:"127.0.0.1:8091"`

	// 思维聚合 (debounce)
	IdleTimeoutMS int `env:"THOUGHT_IDLE_TIMEOUT_MS" default:"1500" min:"100"`
	IdlePollSec   int `env:"THOUGHT_IDLE_POLL_SEC" default:"0" min:"0"`

	// 投递节奏
	PaceCharsPerSec float64 `env:"PACE_CHARS_PER_SEC" default:"8.5" min:"0.1"`
	PaceJitter      float64 `env:"PACE_JITTER" default:"0.6" min:"0"`

	// 取消协调
	CancelGraceSec int `env:"CANCEL_GRACE_SEC" default:"30" min:"0"`

	// Redis (信号存储 + 任务队列共用)
	RedisAddr     string `env:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" default:"0" min:"0"`

	// 任务队列
	QueueConcurrency int `env:"QUEUE_CONCURRENCY" default:"10" min:"1"`

	// 生成后端
	LLMProvider      string  `env:"LLM_PROVIDER"` // openai | ollama, 空 = 按 base url 推断
	LLMBaseURL       string  `env:"LLM_BASE_URL" default:"https://api.openai.com"`
	LLMAPIKey        string  `env:"LLM_API_KEY"`
	LLMModel         string  `env:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMTimeout       int     `env:"LLM_TIMEOUT" default:"120" min:"1"`
	LLMTemperature   float64 `env:"LLM_TEMPERATURE" default:"0.7" min:"0"`
	SystemPrompt     string  `env:"SYSTEM_PROMPT"`
	SystemPromptFile string  `env:"SYSTEM_PROMPT_FILE"`

	// 会话窗口
	ContextMaxAgeHours int `env:"CONTEXT_MAX_AGE_HOURS" default:"6" min:"1"`
	ContextMinMessages int `env:"CONTEXT_MIN_MESSAGES" default:"100" min:"1"`

	// PostgreSQL
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema      string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`

	// 记录保留 (对话表 0 = 永久保留)
	LogRetentionDays  int `env:"LOG_RETENTION_DAYS" default:"30" min:"1"`
	ConvRetentionDays int `env:"CONVERSATION_RETENTION_DAYS" default:"0" min:"0"`

	// Dashboard
	DashboardAddr       string `env:"DASHBOARD_ADDR" default:":8080"`
	DashboardSSESyncSec int    `env:"DASHBOARD_SSE_SYNC_SEC" default:"5" min:"1"`
	ConversationLimit   int    `env:"CONVERSATION_LIMIT" default:"100" min:"1"`
	SystemLogLimit      int    `env:"SYSTEM_LOG_LIMIT" default:"100" min:"1"`

	// 日志
	AppEnv string `env:"APP_ENV" default:"production"`
	LogDir string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// SystemPromptText 解析系统提示词: SYSTEM_PROMPT 优先，其次读 SYSTEM_PROMPT_FILE。
// 两者皆空返回错误 — 缺失提示词属启动期致命配置错误，不可按请求恢复。
func (c *Config) SystemPromptText() (string, error) {
	var fileText string
	if c.SystemPromptFile != "" {
		raw, err := os.ReadFile(c.SystemPromptFile)
		if err != nil {
			return "", apperrors.Wrap(err, "Config.SystemPromptText", "read prompt file")
		}
		fileText = string(raw)
	}
	prompt := util.FirstNonEmpty(c.SystemPrompt, fileText)
	if prompt == "" {
		return "", apperrors.New("Config.SystemPromptText", "SYSTEM_PROMPT or SYSTEM_PROMPT_FILE is required")
	}
	return prompt, nil
}

// ValidateWorker 校验 worker/relay 进程的启动必需项。
func (c *Config) ValidateWorker() error {
	if _, err := c.SystemPromptText(); err != nil {
		return err
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		return apperrors.New("Config.ValidateWorker", "REDIS_ADDR is required")
	}
	if strings.TrimSpace(c.PostgresConnStr) == "" {
		return apperrors.New("Config.ValidateWorker", "POSTGRES_CONNECTION_STRING is required")
	}
	return nil
}

// ValidateIngress 校验 ingress 进程的启动必需项。
func (c *Config) ValidateIngress() error {
	if strings.TrimSpace(c.RedisAddr) == "" {
		return apperrors.New("Config.ValidateIngress", "REDIS_ADDR is required")
	}
	if c.Transport == "telegram" && strings.TrimSpace(c.TGBotToken) == "" {
		return apperrors.New("Config.ValidateIngress", "TG_BOT_TOKEN is required for the telegram transport")
	}
	return nil
}
