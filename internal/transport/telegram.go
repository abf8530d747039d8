// telegram.go — Telegram 长轮询通道。
//
// 用户键 = chat ID，私聊即每人一键。发段即发一条普通消息，
// 段间的"正在输入"动作让节奏更像真人。
package transport

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
	"github.com/chat-relay/go-relay-v2/pkg/util"
)

const (
	// 长轮询等待秒数，Telegram 上限 50
	tgPollTimeoutSec = 30

	// Telegram 单条消息长度上限
	tgMaxMessageLen = 4096
)

// Telegram go-telegram-bot-api 通道。
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram 鉴权并构建通道。
func NewTelegram(token string) (*Telegram, error) {
	const op = "Transport.NewTelegram"
	if strings.TrimSpace(token) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "TG_BOT_TOKEN is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrUnavailable, op, "authorize bot: %v", err)
	}
	logger.Infow("telegram bot authorized",
		logger.FieldTransport, NameTelegram,
		"username", bot.Self.UserName)
	return &Telegram{bot: bot}, nil
}

// Name 实现 Transport。
func (t *Telegram) Name() string { return NameTelegram }

// Start 长轮询收消息，阻塞直到 ctx 取消。
func (t *Telegram) Start(ctx context.Context, h Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = tgPollTimeoutSec
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			msg, ok := extractInbound(upd)
			if !ok {
				continue
			}
			h(ctx, msg)
		}
	}
}

// extractInbound 过滤一条 update: 只要真人发的非空文本。
func extractInbound(upd tgbotapi.Update) (Inbound, bool) {
	m := upd.Message
	if m == nil || m.From == nil || m.From.IsBot || m.Chat == nil {
		return Inbound{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption // 带图消息的文字在 Caption 里
	}
	if strings.TrimSpace(text) == "" {
		return Inbound{}, false
	}
	received := time.Now()
	if m.Date > 0 {
		received = m.Time()
	}
	return Inbound{UserID: m.Chat.ID, Text: text, ReceivedAt: received}, true
}

// SendSegment 发送一段回复。
func (t *Telegram) SendSegment(ctx context.Context, userID int64, text string) error {
	const op = "Transport.Telegram.SendSegment"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(err, op, "context done")
	}
	msg := tgbotapi.NewMessage(userID, util.TruncateMiddle(text, tgMaxMessageLen))
	if _, err := t.bot.Send(msg); err != nil {
		return apperrors.Wrapf(apperrors.ErrUnavailable, op, "user %d: %v", userID, err)
	}
	return nil
}

// Typing 发送"正在输入"动作。
func (t *Telegram) Typing(ctx context.Context, userID int64) {
	if ctx.Err() != nil {
		return
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(userID, tgbotapi.ChatTyping)); err != nil {
		logger.Debugw("telegram typing action failed",
			logger.FieldTransport, NameTelegram,
			logger.FieldUserID, userID,
			logger.FieldError, err.Error())
	}
}
