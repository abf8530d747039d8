// conversation.go — 对话记录 CRUD (表 conversation_messages)。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
)

// ConversationStore 对话记录存储。
type ConversationStore struct{ BaseStore }

// NewConversationStore 创建对话存储。
func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{NewBaseStore(pool)}
}

const conversationCols = `id, user_id, role, content, created_at`

// Append 追加一条对话记录。
// user 角色在输入落地时写入；assistant 角色仅在分段实际送达后写入。
func (s *ConversationStore) Append(ctx context.Context, userID int64, role, content string) (*ConversationMessage, error) {
	const op = "ConversationStore.Append"
	if userID == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "user id is required")
	}
	if role != RoleUser && role != RoleAssistant {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, op, "unknown role %q", role)
	}
	rows, err := s.pool.Query(ctx,
		`INSERT INTO conversation_messages (user_id, role, content)
		 VALUES ($1, $2, $3)
		 RETURNING `+conversationCols,
		userID, role, content)
	if err != nil {
		return nil, err
	}
	return collectOne[ConversationMessage](rows)
}

// RecentNewestFirst 按时间倒序取最近记录，供上下文窗口裁剪。
func (s *ConversationStore) RecentNewestFirst(ctx context.Context, userID int64, limit int) ([]ConversationMessage, error) {
	q := NewQueryBuilder().EqInt64("user_id", userID)
	sql, params := q.Build(
		"SELECT "+conversationCols+" FROM conversation_messages",
		"created_at DESC, id DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[ConversationMessage](rows)
}

// ConversationListParams 对话查询参数 (dashboard)。
type ConversationListParams struct {
	UserID  int64
	Role    string
	Keyword string
	Limit   int
}

// List 查询对话记录 (dashboard 浏览用，倒序)。
func (s *ConversationStore) List(ctx context.Context, p ConversationListParams) ([]ConversationMessage, error) {
	q := NewQueryBuilder().
		EqInt64("user_id", p.UserID).
		Eq("role", p.Role).
		KeywordLike(p.Keyword, "content")
	sql, params := q.Build(
		"SELECT "+conversationCols+" FROM conversation_messages",
		"created_at DESC, id DESC", p.Limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[ConversationMessage](rows)
}

// DeleteForUser 清空某用户的全部对话记录，返回删除行数。
func (s *ConversationStore) DeleteForUser(ctx context.Context, userID int64) (int64, error) {
	const op = "ConversationStore.DeleteForUser"
	if userID == 0 {
		return 0, apperrors.Wrap(apperrors.ErrInvalidInput, op, "user id is required")
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_messages WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CleanupConversations 删除超过 retentionDays 天的对话记录，返回删除行数。
func (s *ConversationStore) CleanupConversations(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_messages WHERE created_at < NOW() - ($1 || ' days')::INTERVAL`,
		retentionDays)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
