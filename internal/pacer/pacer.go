// Package pacer 按人类打字节奏投递回复分段。
//
// 每段先等待后发送，等待时长与分段字符数成正比并带随机抖动。
// 等待即取消点，三路抢占:
//
//	本地 Cancel()   同进程新输入直接关停
//	持久信号探测    DeliverOptions.Check，等待前后各查一次
//	ctx 取消        进程停机
//
// 中止后剩余分段一律不发；已发分段数由返回值告知调用方。
package pacer

import (
	"context"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
)

// Sink 单段发送回调。返回错误时整次投递中止。
type Sink func(ctx context.Context, segment string) error

// CheckFunc 持久取消信号探测。返回 true 表示投递应当中止。
// 探测失败按未取消处理 (实现方自行降级)，投递不能因信号面抖动卡死。
type CheckFunc func(ctx context.Context) bool

// DeliverOptions 单次投递的可选参数。
type DeliverOptions struct {
	// Credit 首段等待抵扣 (通常为回复生成耗时)。生成越慢，首段等待越短。
	Credit time.Duration
	// Check 持久取消信号探测，nil 表示仅本地/ctx 两路取消。
	Check CheckFunc
}

// Pacer 单次回复的节奏投递器。一次性使用: 取消后不可复用。
type Pacer struct {
	userID int64
	cps    float64 // 基准速度，字符/秒
	jitter float64 // 抖动比例 [0, 0.95]

	cancelCh   chan struct{}
	cancelOnce sync.Once

	randFn func() float64 // [0,1) 均匀分布，测试可注入
}

// New 创建投递器。cps 必须为正；jitter 超界时收敛到 [0, 0.95]。
func New(userID int64, cps, jitter float64) (*Pacer, error) {
	const op = "Pacer.New"
	if userID == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "user id is required")
	}
	if cps <= 0 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, op, "chars-per-second must be positive, got %v", cps)
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0.95 {
		jitter = 0.95
	}
	return &Pacer{
		userID:   userID,
		cps:      cps,
		jitter:   jitter,
		cancelCh: make(chan struct{}),
		randFn:   rand.Float64,
	}, nil
}

// UserID 返回该投递器服务的用户。
func (p *Pacer) UserID() int64 { return p.userID }

// Cancel 触发本地取消。幂等，可跨 goroutine 调用。
func (p *Pacer) Cancel() {
	p.cancelOnce.Do(func() { close(p.cancelCh) })
}

// Deliver 顺序投递所有分段，返回实际送达段数。
// 中止路径返回 ErrCancelled (信号/本地) 或 ctx 错误 (停机)；
// sink 报错时中止并透传。每段至多调用 sink 一次。
func (p *Pacer) Deliver(ctx context.Context, segments []string, sink Sink, opts DeliverOptions) (int, error) {
	const op = "Pacer.Deliver"
	if sink == nil {
		return 0, apperrors.New(op, "sink is required")
	}

	delivered := 0
	for i, seg := range segments {
		// 等待前探测: 信号可能在上一段发送期间落键
		if opts.Check != nil && opts.Check(ctx) {
			return delivered, apperrors.Wrapf(apperrors.ErrCancelled, op, "signal raised before segment %d", i)
		}

		delay := p.delayFor(seg)
		if i == 0 {
			delay -= opts.Credit
			if delay < 0 {
				delay = 0
			}
		}
		if err := p.wait(ctx, delay); err != nil {
			return delivered, err
		}

		// 发送前再探测: 等待期间可能有新输入
		if opts.Check != nil && opts.Check(ctx) {
			return delivered, apperrors.Wrapf(apperrors.ErrCancelled, op, "signal raised during wait, segment %d", i)
		}

		if err := sink(ctx, seg); err != nil {
			return delivered, apperrors.Wrapf(err, op, "sink segment %d", i)
		}
		delivered++
	}
	return delivered, nil
}

// delayFor 计算单段等待: 字符数 / (cps × uniform(1−j, 1+j))。
func (p *Pacer) delayFor(seg string) time.Duration {
	runes := utf8.RuneCountInString(seg)
	if runes == 0 {
		return 0
	}
	factor := 1 - p.jitter + p.randFn()*2*p.jitter
	return time.Duration(float64(runes) / (p.cps * factor) * float64(time.Second))
}

// wait 阻塞 d 时长，期间接受本地取消与 ctx 取消抢占。
// 进入等待前已生效的取消严格优先于定时器; d<=0 时不起定时器。
func (p *Pacer) wait(ctx context.Context, d time.Duration) error {
	const op = "Pacer.Deliver"
	select {
	case <-p.cancelCh:
		return apperrors.Wrap(apperrors.ErrCancelled, op, "local cancel")
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), op, "context done during wait")
	default:
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-p.cancelCh:
		return apperrors.Wrap(apperrors.ErrCancelled, op, "local cancel")
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), op, "context done during wait")
	}
}
