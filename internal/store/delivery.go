// delivery.go — 投递记录 CRUD (表 deliveries)。
//
// 一次回复尝试一行: worker 开始投递时落 running，
// 任一终止路径 (送达/取消/失败) 补写终态与已发段数。
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
)

// DeliveryStore 投递记录存储。
type DeliveryStore struct{ BaseStore }

// NewDeliveryStore 创建投递存储。
func NewDeliveryStore(pool *pgxpool.Pool) *DeliveryStore { return &DeliveryStore{NewBaseStore(pool)} }

const deliveryCols = `id, attempt_id, user_id, status, segments_total, segments_sent,
	reason, latency_ms, started_at, finished_at`

// Begin 登记一次投递尝试 (status=running)。
func (s *DeliveryStore) Begin(ctx context.Context, attemptID string, userID int64, segmentsTotal int) error {
	const op = "DeliveryStore.Begin"
	if attemptID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "attempt id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (attempt_id, user_id, status, segments_total)
		 VALUES ($1, $2, $3, $4)`,
		attemptID, userID, DeliveryRunning, segmentsTotal)
	return err
}

// Finish 补写投递终态。reason 记录取消/失败缘由，送达时为空。
func (s *DeliveryStore) Finish(ctx context.Context, attemptID, status string, segmentsSent int, reason string, latencyMS int64) error {
	const op = "DeliveryStore.Finish"
	switch status {
	case DeliveryDelivered, DeliveryCancelled, DeliveryFailed:
	default:
		return apperrors.Wrapf(apperrors.ErrInvalidInput, op, "not a terminal status: %q", status)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE deliveries
		 SET status = $2, segments_sent = $3, reason = $4, latency_ms = $5, finished_at = NOW()
		 WHERE attempt_id = $1`,
		attemptID, status, segmentsSent, reason, latencyMS)
	return err
}

// Get 按 attempt id 查询。
func (s *DeliveryStore) Get(ctx context.Context, attemptID string) (*Delivery, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+deliveryCols+" FROM deliveries WHERE attempt_id = $1", attemptID)
	if err != nil {
		return nil, err
	}
	return collectOne[Delivery](rows)
}

// DeliveryListParams 投递查询参数 (dashboard)。
type DeliveryListParams struct {
	UserID  int64
	Status  string
	Keyword string
	Limit   int
}

// List 查询投递记录 (倒序)。
func (s *DeliveryStore) List(ctx context.Context, p DeliveryListParams) ([]Delivery, error) {
	q := NewQueryBuilder().
		EqInt64("user_id", p.UserID).
		Eq("status", p.Status).
		KeywordLike(p.Keyword, "attempt_id", "reason")
	sql, params := q.Build(
		"SELECT "+deliveryCols+" FROM deliveries",
		"started_at DESC, id DESC", p.Limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[Delivery](rows)
}

// ListFilterValues 返回投递筛选器的去重值。
func (s *DeliveryStore) ListFilterValues(ctx context.Context) (map[string][]string, error) {
	return DistinctMap(ctx, s.pool, "deliveries", "status", "reason")
}

// CountByStatus 统计 since 之后各状态的投递数。since 零值统计全量。
func (s *DeliveryStore) CountByStatus(ctx context.Context, since time.Time) (map[string]int64, error) {
	sql := `SELECT status, COUNT(*) AS n FROM deliveries`
	var params []any
	if !since.IsZero() {
		sql += ` WHERE started_at >= $1`
		params = append(params, since)
	}
	sql += ` GROUP BY status`
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CleanupDeliveries 删除超过 retentionDays 天的投递记录，返回删除行数。
func (s *DeliveryStore) CleanupDeliveries(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM deliveries WHERE started_at < NOW() - ($1 || ' days')::INTERVAL`,
		retentionDays)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
