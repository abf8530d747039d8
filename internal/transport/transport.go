// Package transport 聊天平台通道抽象与实现。
//
// 把"收一条用户消息 / 发一段回复"与具体平台解耦:
//   - telegram.go: go-telegram-bot-api 长轮询
//   - wschat.go:   gorilla/websocket 本地调试通道
//
// ingress 持有 Start 侧，worker 持有 SendSegment 侧; 分进程部署时
// 两端各自构建同名通道。
package transport

import (
	"context"
	"time"

	"github.com/chat-relay/go-relay-v2/internal/config"
	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
)

// Inbound 一条入站用户消息。
type Inbound struct {
	UserID     int64
	Text       string
	ReceivedAt time.Time
}

// Handler 入站消息回调，由 ingress 服务提供。
type Handler func(ctx context.Context, msg Inbound)

// Transport 聊天平台通道。
type Transport interface {
	// Name 通道名 (telegram / wschat)。
	Name() string

	// Start 启动收消息循环，阻塞直到 ctx 取消或通道关闭。
	Start(ctx context.Context, h Handler) error

	// SendSegment 给用户发一段回复。
	SendSegment(ctx context.Context, userID int64, text string) error

	// Typing 尽力而为的"正在输入"提示，失败只记日志。
	Typing(ctx context.Context, userID int64)
}

// 通道名常量，对应 RELAY_TRANSPORT 配置值。
const (
	NameTelegram = "telegram"
	NameWSChat   = "wschat"
)

// New 按配置构建通道。
func New(cfg *config.Config) (Transport, error) {
	const op = "Transport.New"
	switch cfg.Transport {
	case NameTelegram:
		return NewTelegram(cfg.TGBotToken)
	case NameWSChat:
		return NewWSChat(cfg.WSChatAddr), nil
	default:
		return nil, apperrors.Newf(op, "unknown transport %q", cfg.Transport)
	}
}
