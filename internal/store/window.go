// window.go — 上下文窗口裁剪 (纯函数，不触库)。
package store

import "time"

// WindowFetchCap 单次窗口取数上限。窗口内年轻消息理论上无上界，
// 取数必须封顶，防止单用户刷屏拖垮查询。
const WindowFetchCap = 1000

// WindowFetchLimit 计算窗口取数条数: 不低于 minCount，默认取满 WindowFetchCap。
func WindowFetchLimit(minCount int) int {
	if minCount > WindowFetchCap {
		return minCount
	}
	return WindowFetchCap
}

// SelectWindow 从倒序 (新→老) 记录中截取上下文窗口。
//
// 逐条收入，直到某条记录同时满足两个条件才停止:
// 早于 now-maxAge 且已凑满 minCount。
// 即: 年轻消息全收，超龄消息用于补足 minCount 下限。
// 结果转为时间正序 (老→新)，可直接拼进生成请求。
func SelectWindow(newestFirst []ConversationMessage, now time.Time, maxAge time.Duration, minCount int) []ConversationMessage {
	cutoff := now.Add(-maxAge)
	var picked []ConversationMessage
	for _, m := range newestFirst {
		if m.CreatedAt.Before(cutoff) && len(picked) >= minCount {
			break
		}
		picked = append(picked, m)
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}
