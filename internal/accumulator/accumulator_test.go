// accumulator_test.go — debounce 凝结条件测试 (注入时钟, 不依赖真实等待)。
package accumulator

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
)

// fakeMarks 可编程的 last-reply 标记源。
type fakeMarks struct {
	at  time.Time
	ok  bool
	err error
}

func (f *fakeMarks) LastReplyAt(_ context.Context, _ int64) (time.Time, bool, error) {
	return f.at, f.ok, f.err
}

// newTestAcc 返回聚合器 + 可推进的注入时钟。
func newTestAcc(t *testing.T, timeout time.Duration, marks LastReplySource) (*Accumulator, *time.Time) {
	t.Helper()
	acc, err := New(42, timeout, marks)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cur := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	acc.now = func() time.Time { return cur }
	return acc, &cur
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(0, time.Second, nil); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("zero user id: err = %v, want ErrInvalidInput", err)
	}
	if _, err := New(1, 0, nil); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("zero timeout: err = %v, want ErrInvalidInput", err)
	}
	if _, err := New(1, time.Second, nil); err != nil {
		t.Errorf("valid args: err = %v", err)
	}
}

func TestFeed_EmptyFragmentRejected(t *testing.T) {
	acc, _ := newTestAcc(t, 1500*time.Millisecond, nil)
	for _, in := range []string{"", "   ", "\t\n"} {
		if _, err := acc.Feed(context.Background(), in); !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("Feed(%q): err = %v, want ErrInvalidInput", in, err)
		}
	}
	if acc.Pending() != 0 {
		t.Errorf("Pending = %d after rejected feeds, want 0", acc.Pending())
	}
}

// 间隔小于空闲超时的连续 Feed 永不凝结。
func TestFeed_RapidFeedsNeverComplete(t *testing.T) {
	acc, cur := newTestAcc(t, 1500*time.Millisecond, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		th, err := acc.Feed(ctx, "msg")
		if err != nil {
			t.Fatalf("Feed #%d: %v", i, err)
		}
		if th != nil {
			t.Fatalf("Feed #%d emitted a thought under rapid input", i)
		}
		*cur = cur.Add(100 * time.Millisecond)
	}
	if acc.Pending() != 10 {
		t.Errorf("Pending = %d, want 10", acc.Pending())
	}
}

// 单次 Feed 永远不能自我凝结 — 哪怕之后时间流逝再久，
// 没有后续调用就没有判定时机。
func TestFeed_SingleFeedNeverSelfCompletes(t *testing.T) {
	acc, cur := newTestAcc(t, 1500*time.Millisecond, nil)

	th, err := acc.Feed(context.Background(), "alone")
	if err != nil {
		t.Fatal(err)
	}
	if th != nil {
		t.Fatal("first feed must not emit")
	}

	*cur = cur.Add(time.Hour)
	if acc.Pending() != 1 {
		t.Errorf("Pending = %d, want 1 (fragment retained)", acc.Pending())
	}
}

// 1.5s 超时 + 2s 间隔 ⇒ "a b" 恰好凝结一次，随后缓冲为空。
func TestFeed_GapYieldsJoinedThought(t *testing.T) {
	acc, cur := newTestAcc(t, 1500*time.Millisecond, nil)
	ctx := context.Background()

	if th, _ := acc.Feed(ctx, "a"); th != nil {
		t.Fatal("premature thought")
	}
	*cur = cur.Add(2 * time.Second)

	th, err := acc.Feed(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if th == nil {
		t.Fatal("expected thought after 2s gap")
	}
	if th.Text != "a b" {
		t.Errorf("Text = %q, want \"a b\"", th.Text)
	}
	if th.UserID != 42 {
		t.Errorf("UserID = %d, want 42", th.UserID)
	}
	if acc.Pending() != 0 {
		t.Errorf("Pending = %d after emission, want 0", acc.Pending())
	}

	// 紧跟的下一条不应再次凝结 (时间戳已刷新)
	if th2, _ := acc.Feed(ctx, "c"); th2 != nil {
		t.Error("feed immediately after emission must not emit again")
	}
}

func TestFeed_JoinsManyFragments(t *testing.T) {
	acc, cur := newTestAcc(t, time.Second, nil)
	ctx := context.Background()

	for _, w := range []string{"the", "quick", "brown"} {
		if th, _ := acc.Feed(ctx, w); th != nil {
			t.Fatal("premature thought")
		}
		*cur = cur.Add(200 * time.Millisecond)
	}
	*cur = cur.Add(2 * time.Second)

	th, _ := acc.Feed(ctx, "fox")
	if th == nil {
		t.Fatal("expected thought")
	}
	if th.Text != "the quick brown fox" {
		t.Errorf("Text = %q", th.Text)
	}
}

// 活动时间戳早于 last-reply 标记时，凝结被压制；
// 下一次间隔后时间戳已晚于标记，连同积压分片一起凝结。
func TestFeed_StaleTimestampSuppressedByReplyMarker(t *testing.T) {
	marks := &fakeMarks{}
	acc, cur := newTestAcc(t, 1500*time.Millisecond, marks)
	ctx := context.Background()

	if th, _ := acc.Feed(ctx, "a"); th != nil {
		t.Fatal("premature thought")
	}

	// 回复在 a 之后落地
	marks.at = cur.Add(500 * time.Millisecond)
	marks.ok = true

	*cur = cur.Add(2 * time.Second)
	th, err := acc.Feed(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if th != nil {
		t.Fatal("stale activity timestamp must not trigger completion")
	}

	// b 的时间戳晚于标记: 下一个间隔正常凝结，分片未丢失
	*cur = cur.Add(2 * time.Second)
	th, _ = acc.Feed(ctx, "c")
	if th == nil {
		t.Fatal("expected thought once timestamp is fresher than marker")
	}
	if th.Text != "a b c" {
		t.Errorf("Text = %q, want \"a b c\"", th.Text)
	}
}

// 标记源出错时按"无标记"降级，凝结不被卡死。
func TestFeed_MarkerErrorDegrades(t *testing.T) {
	marks := &fakeMarks{err: errors.New("store down")}
	acc, cur := newTestAcc(t, time.Second, marks)
	ctx := context.Background()

	acc.Feed(ctx, "a")
	*cur = cur.Add(2 * time.Second)

	th, err := acc.Feed(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if th == nil {
		t.Fatal("marker read failure must not block completion")
	}
}

// Poll 不追加输入，仅评估: 空闲期满后可由外部定时器驱动凝结。
func TestPoll_EmitsAfterIdleGap(t *testing.T) {
	acc, cur := newTestAcc(t, 1500*time.Millisecond, nil)
	ctx := context.Background()

	acc.Feed(ctx, "hello")
	if th := acc.Poll(ctx); th != nil {
		t.Fatal("poll before idle gap must not emit")
	}

	*cur = cur.Add(2 * time.Second)
	th := acc.Poll(ctx)
	if th == nil {
		t.Fatal("expected thought from poll after idle gap")
	}
	if th.Text != "hello" {
		t.Errorf("Text = %q", th.Text)
	}

	// 缓冲已清空，再次 Poll 无事发生
	if th := acc.Poll(ctx); th != nil {
		t.Error("second poll must not emit")
	}
}
