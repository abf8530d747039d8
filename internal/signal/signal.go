// Package signal 提供跨进程回复信号协议 (Redis TTL 键空间)。
//
// 三类键，按用户隔离:
//
//	cancel_reply:{user}      取消信号，单次消费 (GETDEL)，TTL 10s
//	response_started:{user}  在途回复标记，值为 attempt id，TTL 2min
//	last_ai_reply:{user}     最近成功回复时间 (unix 毫秒)，无 TTL
//
// TTL 即兜底: 进程崩溃后残留键自行过期，不会永久卡住后续回复。
package signal

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

// ========================================
// 键空间与 TTL
// ========================================

const (
	cancelPrefix    = "cancel_reply:"
	progressPrefix  = "response_started:"
	lastReplyPrefix = "last_ai_reply:"

	// CancelTTL 取消信号存活时间。超过该窗口未被消费视为过期噪声。
	CancelTTL = 10 * time.Second
	// ProgressTTL 在途标记存活时间。须大于一次典型回复的生成+投递总时长。
	ProgressTTL = 2 * time.Minute
)

func cancelKey(userID int64) string    { return cancelPrefix + strconv.FormatInt(userID, 10) }
func progressKey(userID int64) string  { return progressPrefix + strconv.FormatInt(userID, 10) }
func lastReplyKey(userID int64) string { return lastReplyPrefix + strconv.FormatInt(userID, 10) }

// ========================================
// Store
// ========================================

// rediser 信号存储所需的最小 Redis 命令面 (便于测试注入)。
type rediser interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Store 信号存储。所有方法的错误由调用方决定降级策略
// (协议约定: 读取失败不视为取消)。
type Store struct {
	rdb rediser
}

// New 创建信号存储。
func New(rdb rediser) *Store { return &Store{rdb: rdb} }

// Connect 创建 Redis 客户端并验证连通性。
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Infow("redis connected", logger.FieldAddr, addr, "db", db)
	return rdb, nil
}

// ========================================
// 取消信号
// ========================================

// RaiseCancel 置位取消信号。TTL 内对在途投递可见。
func (s *Store) RaiseCancel(ctx context.Context, userID int64) error {
	return s.rdb.Set(ctx, cancelKey(userID), "1", CancelTTL).Err()
}

// ConsumeCancel 原子读-删取消信号，返回信号是否存在。
// 读-删合一保证一个信号至多中止一次投递。
func (s *Store) ConsumeCancel(ctx context.Context, userID int64) (bool, error) {
	err := s.rdb.GetDel(ctx, cancelKey(userID)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearCancel 丢弃残留取消信号。仅在开始处理新 Thought 时调用，
// 避免上一轮的过期信号误杀本轮回复。
func (s *Store) ClearCancel(ctx context.Context, userID int64) error {
	return s.rdb.Del(ctx, cancelKey(userID)).Err()
}

// CancelPending 只读探测取消信号是否在位，不消费。观测用，
// 投递侧必须走 ConsumeCancel。
func (s *Store) CancelPending(ctx context.Context, userID int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, cancelKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ========================================
// 在途回复标记
// ========================================

// MarkInProgress 声明一次回复尝试开始，值为 attempt id。
func (s *Store) MarkInProgress(ctx context.Context, userID int64, attemptID string) error {
	return s.rdb.Set(ctx, progressKey(userID), attemptID, ProgressTTL).Err()
}

// ClearInProgress 清除在途标记。所有终止路径 (成功/取消/失败) 都必须调用。
func (s *Store) ClearInProgress(ctx context.Context, userID int64) error {
	return s.rdb.Del(ctx, progressKey(userID)).Err()
}

// InProgress 判断该用户是否有在途回复。
func (s *Store) InProgress(ctx context.Context, userID int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, progressKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ActiveReplies 扫描所有在途回复的用户 ID (升序)。巡检用。
func (s *Store) ActiveReplies(ctx context.Context) ([]int64, error) {
	var users []int64
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, progressPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			id, err := strconv.ParseInt(strings.TrimPrefix(k, progressPrefix), 10, 64)
			if err != nil {
				logger.Warnw("skip malformed progress key", logger.FieldKey, k)
				continue
			}
			users = append(users, id)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// ========================================
// 最近回复时间
// ========================================

// SetLastReply 记录最近一次完整送达的回复时间。仅全量成功后调用。
func (s *Store) SetLastReply(ctx context.Context, userID int64, at time.Time) error {
	return s.rdb.Set(ctx, lastReplyKey(userID), strconv.FormatInt(at.UnixMilli(), 10), 0).Err()
}

// LastReplyAt 读取最近回复时间。键不存在时 ok=false 且无错误。
func (s *Store) LastReplyAt(ctx context.Context, userID int64) (time.Time, bool, error) {
	val, err := s.rdb.Get(ctx, lastReplyKey(userID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last reply marker %q: %w", val, err)
	}
	return time.UnixMilli(ms), true, nil
}
