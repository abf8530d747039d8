package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/chat-relay/go-relay-v2/internal/bus"
	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/internal/llm"
	"github.com/chat-relay/go-relay-v2/internal/queue"
	"github.com/chat-relay/go-relay-v2/internal/session"
	"github.com/chat-relay/go-relay-v2/internal/store"
	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
)

// ========================================
// 依赖假件
// ========================================

type fakeConvLog struct {
	rows     []store.ConversationMessage // RecentNewestFirst 的返回值 (新→老)
	fetchErr error
	gotLimit int

	appended  []store.ConversationMessage
	appendErr error
}

func (f *fakeConvLog) Append(ctx context.Context, userID int64, role, content string) (*store.ConversationMessage, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	m := store.ConversationMessage{UserID: userID, Role: role, Content: content, CreatedAt: time.Now()}
	f.appended = append(f.appended, m)
	return &m, nil
}

func (f *fakeConvLog) RecentNewestFirst(ctx context.Context, userID int64, limit int) ([]store.ConversationMessage, error) {
	f.gotLimit = limit
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.rows, nil
}

type beginCall struct {
	attemptID string
	userID    int64
	total     int
}

type finishCall struct {
	attemptID string
	status    string
	sent      int
	reason    string
	latencyMS int64
}

type fakeDeliveryLog struct {
	begins    []beginCall
	finishes  []finishCall
	beginErr  error
	finishErr error
}

func (f *fakeDeliveryLog) Begin(ctx context.Context, attemptID string, userID int64, segmentsTotal int) error {
	f.begins = append(f.begins, beginCall{attemptID, userID, segmentsTotal})
	return f.beginErr
}

func (f *fakeDeliveryLog) Finish(ctx context.Context, attemptID, status string, segmentsSent int, reason string, latencyMS int64) error {
	f.finishes = append(f.finishes, finishCall{attemptID, status, segmentsSent, reason, latencyMS})
	return f.finishErr
}

type fakeSignalAPI struct {
	clearCancelCalls  int
	clearCancelErr    error
	consumeHits       []bool // 依次弹出，耗尽后恒 false
	consumeCalls      int
	consumeErr        error
	marked            []string
	markErr           error
	clearedInProgress int
	lastReplySet      []time.Time
	setLastReplyErr   error
}

func (f *fakeSignalAPI) ClearCancel(ctx context.Context, userID int64) error {
	f.clearCancelCalls++
	return f.clearCancelErr
}

func (f *fakeSignalAPI) ConsumeCancel(ctx context.Context, userID int64) (bool, error) {
	f.consumeCalls++
	if f.consumeErr != nil {
		return false, f.consumeErr
	}
	if len(f.consumeHits) == 0 {
		return false, nil
	}
	hit := f.consumeHits[0]
	f.consumeHits = f.consumeHits[1:]
	return hit, nil
}

func (f *fakeSignalAPI) MarkInProgress(ctx context.Context, userID int64, attemptID string) error {
	f.marked = append(f.marked, attemptID)
	return f.markErr
}

func (f *fakeSignalAPI) ClearInProgress(ctx context.Context, userID int64) error {
	f.clearedInProgress++
	return nil
}

func (f *fakeSignalAPI) SetLastReply(ctx context.Context, userID int64, at time.Time) error {
	if f.setLastReplyErr != nil {
		return f.setLastReplyErr
	}
	f.lastReplySet = append(f.lastReplySet, at)
	return nil
}

type fakeChatter struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	inFlight int
	overlap  bool
	hold     time.Duration
	gotMsgs  []llm.Message
}

func (f *fakeChatter) ChatWithRetry(ctx context.Context, messages []llm.Message, attempts int) (string, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > 1 {
		f.overlap = true
	}
	f.gotMsgs = messages
	hold := f.hold
	f.mu.Unlock()

	if hold > 0 {
		time.Sleep(hold)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeSender struct {
	sent    []string
	typing  int
	failAt  int // 第 N 段 (0 起) 发送失败，-1 表示不失败
	sendErr error
}

func newFakeSender() *fakeSender { return &fakeSender{failAt: -1} }

func (f *fakeSender) SendSegment(ctx context.Context, userID int64, text string) error {
	if f.failAt >= 0 && len(f.sent) == f.failAt {
		if f.sendErr != nil {
			return f.sendErr
		}
		return apperrors.Wrap(apperrors.ErrUnavailable, "Test", "send failed")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) Typing(ctx context.Context, userID int64) { f.typing++ }

// ========================================
// 测试环境
// ========================================

type procEnv struct {
	conv *fakeConvLog
	del  *fakeDeliveryLog
	sig  *fakeSignalAPI
	chat *fakeChatter
	send *fakeSender
	reg  *session.Registry
	live *bus.LiveDeliveries
	proc *Processor
}

func newProcEnv(t *testing.T, mutate func(env *procEnv, cfg *config.Config)) *procEnv {
	t.Helper()
	cfg := &config.Config{
		PaceCharsPerSec:    5000, // 测试下每段等待压到毫秒级
		PaceJitter:         0,
		ContextMaxAgeHours: 6,
		ContextMinMessages: 100,
	}
	env := &procEnv{
		conv: &fakeConvLog{},
		del:  &fakeDeliveryLog{},
		sig:  &fakeSignalAPI{},
		chat: &fakeChatter{reply: "早呀\n今天想吃什么"},
		send: newFakeSender(),
		reg:  session.NewRegistry(),
		live: bus.NewLiveDeliveries(bus.NewMessageBus()),
	}
	if mutate != nil {
		mutate(env, cfg)
	}
	proc, err := New(cfg, Deps{
		Conversations: env.conv,
		Deliveries:    env.del,
		Signals:       env.sig,
		Chat:          env.chat,
		Transport:     env.send,
		Registry:      env.reg,
		Live:          env.live,
		SystemPrompt:  "你是小葵",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.proc = proc
	return env
}

func thoughtTask(t *testing.T, userID int64, text string) *asynq.Task {
	t.Helper()
	task, err := queue.NewThoughtTask(queue.ThoughtPayload{
		UserID:     userID,
		Text:       text,
		FormedAtMS: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("NewThoughtTask: %v", err)
	}
	return task
}

// ========================================
// 构造校验
// ========================================

func TestNew_Validation(t *testing.T) {
	cfg := &config.Config{PaceCharsPerSec: 8.5, ContextMaxAgeHours: 6, ContextMinMessages: 100}
	full := Deps{
		Conversations: &fakeConvLog{},
		Deliveries:    &fakeDeliveryLog{},
		Signals:       &fakeSignalAPI{},
		Chat:          &fakeChatter{},
		Transport:     newFakeSender(),
		Registry:      session.NewRegistry(),
		Live:          bus.NewLiveDeliveries(bus.NewMessageBus()),
	}

	if _, err := New(nil, full); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("nil config: err = %v, want ErrInvalidInput", err)
	}

	missing := full
	missing.Chat = nil
	if _, err := New(cfg, missing); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("missing dep: err = %v, want ErrInvalidInput", err)
	}

	if _, err := New(cfg, full); err != nil {
		t.Errorf("full deps: err = %v, want nil", err)
	}
}

// ========================================
// 正常投递
// ========================================

func TestHandleThought_HappyPath(t *testing.T) {
	env := newProcEnv(t, nil)

	err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "今天有点累 想早点睡"))
	if err != nil {
		t.Fatalf("HandleThought: %v", err)
	}

	// 两段按序送达
	wantSegs := []string{"早呀", "今天想吃什么"}
	if len(env.send.sent) != 2 || env.send.sent[0] != wantSegs[0] || env.send.sent[1] != wantSegs[1] {
		t.Errorf("sent = %q, want %q", env.send.sent, wantSegs)
	}

	// 每段落一行 assistant 历史
	if len(env.conv.appended) != 2 {
		t.Fatalf("appended %d rows, want 2", len(env.conv.appended))
	}
	for i, m := range env.conv.appended {
		if m.Role != store.RoleAssistant || m.Content != wantSegs[i] {
			t.Errorf("appended[%d] = {%s %q}, want {assistant %q}", i, m.Role, m.Content, wantSegs[i])
		}
	}

	// 投递记录: Begin 总段数 + Finish delivered
	if len(env.del.begins) != 1 || env.del.begins[0].total != 2 || env.del.begins[0].userID != 42 {
		t.Fatalf("begins = %+v, want one call with total=2 user=42", env.del.begins)
	}
	if len(env.del.finishes) != 1 {
		t.Fatalf("finishes = %+v, want one call", env.del.finishes)
	}
	fin := env.del.finishes[0]
	if fin.status != store.DeliveryDelivered || fin.sent != 2 || fin.reason != "" {
		t.Errorf("finish = %+v, want delivered/2", fin)
	}
	if fin.attemptID != env.del.begins[0].attemptID {
		t.Errorf("finish attempt %q != begin attempt %q", fin.attemptID, env.del.begins[0].attemptID)
	}

	// 信号面: 先清残留，再标在投，结束清标记并刷新完整回复时刻
	if env.sig.clearCancelCalls != 1 {
		t.Errorf("clearCancelCalls = %d, want 1", env.sig.clearCancelCalls)
	}
	if len(env.sig.marked) != 1 || env.sig.marked[0] != fin.attemptID {
		t.Errorf("marked = %v, want [%s]", env.sig.marked, fin.attemptID)
	}
	if env.sig.clearedInProgress != 1 {
		t.Errorf("clearedInProgress = %d, want 1", env.sig.clearedInProgress)
	}
	if len(env.sig.lastReplySet) != 1 {
		t.Errorf("lastReplySet = %v, want one timestamp", env.sig.lastReplySet)
	}

	// 打字指示: 投递前一次 + 末段前一次
	if env.send.typing != 2 {
		t.Errorf("typing = %d, want 2", env.send.typing)
	}

	// 句柄已注销，在途视图已清空
	if env.reg.Active() != 0 {
		t.Errorf("registry active = %d, want 0", env.reg.Active())
	}
	if snap := env.live.Snapshot(); snap.ActiveCount != 0 {
		t.Errorf("live active = %d, want 0", snap.ActiveCount)
	}
}

func TestHandleThought_WindowFeedsPrompt(t *testing.T) {
	now := time.Now()
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.conv.rows = []store.ConversationMessage{ // 新→老
			{Role: store.RoleUser, Content: "想早点睡", CreatedAt: now},
			{Role: store.RoleAssistant, Content: "怎么啦", CreatedAt: now.Add(-time.Minute)},
			{Role: store.RoleUser, Content: "今天有点累", CreatedAt: now.Add(-2 * time.Minute)},
		}
	})

	if err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "想早点睡")); err != nil {
		t.Fatalf("HandleThought: %v", err)
	}

	// system + 窗口正序，末条已是 user，不追加兜底
	got := env.chat.gotMsgs
	want := []llm.Message{
		{Role: "system", Content: "你是小葵"},
		{Role: store.RoleUser, Content: "今天有点累"},
		{Role: store.RoleAssistant, Content: "怎么啦"},
		{Role: store.RoleUser, Content: "想早点睡"},
	}
	if len(got) != len(want) {
		t.Fatalf("prompt has %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("prompt[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if env.conv.gotLimit != store.WindowFetchLimit(100) {
		t.Errorf("fetch limit = %d, want %d", env.conv.gotLimit, store.WindowFetchLimit(100))
	}
}

func TestHandleThought_PromptFallbackOnFetchError(t *testing.T) {
	// 历史取不到时退化为 system + 当前 Thought，任务不失败
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.conv.fetchErr = apperrors.Wrap(apperrors.ErrUnavailable, "Test", "db down")
	})

	if err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗")); err != nil {
		t.Fatalf("HandleThought: %v", err)
	}

	got := env.chat.gotMsgs
	if len(got) != 2 || got[1].Role != store.RoleUser || got[1].Content != "在吗" {
		t.Errorf("prompt = %+v, want [system, user 在吗]", got)
	}
}

func TestHandleThought_PromptFallbackWhenWindowEndsWithAssistant(t *testing.T) {
	// 入站落库失败过的用户: 窗口末条是 assistant，需补当前 Thought 收尾
	now := time.Now()
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.conv.rows = []store.ConversationMessage{
			{Role: store.RoleAssistant, Content: "晚安", CreatedAt: now},
		}
	})

	if err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "还没睡呢")); err != nil {
		t.Fatalf("HandleThought: %v", err)
	}

	got := env.chat.gotMsgs
	if n := len(got); n != 3 || got[n-1].Role != store.RoleUser || got[n-1].Content != "还没睡呢" {
		t.Errorf("prompt = %+v, want trailing user 还没睡呢", got)
	}
}

// ========================================
// 取消
// ========================================

func TestHandleThought_CancelSignalAbortsDelivery(t *testing.T) {
	// 首段送出后信号落键: 第二段的段前探测命中，剩余段不发。
	// 取消是正常结局，任务不重试。
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.sig.consumeHits = []bool{false, false, true}
	})

	err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗"))
	if err != nil {
		t.Fatalf("HandleThought: %v, want nil (cancelled is terminal)", err)
	}

	if len(env.send.sent) != 1 || env.send.sent[0] != "早呀" {
		t.Errorf("sent = %q, want only first segment", env.send.sent)
	}
	if len(env.del.finishes) != 1 {
		t.Fatalf("finishes = %+v, want one call", env.del.finishes)
	}
	fin := env.del.finishes[0]
	if fin.status != store.DeliveryCancelled || fin.sent != 1 {
		t.Errorf("finish = %+v, want cancelled/1", fin)
	}
	if fin.reason == "" {
		t.Error("cancelled finish should carry a reason")
	}

	// 半途取消不算完整回复，不刷新标记
	if len(env.sig.lastReplySet) != 0 {
		t.Errorf("lastReplySet = %v, want empty", env.sig.lastReplySet)
	}
	if env.sig.clearedInProgress != 1 {
		t.Errorf("clearedInProgress = %d, want 1", env.sig.clearedInProgress)
	}
	if env.reg.Active() != 0 {
		t.Errorf("registry active = %d, want 0", env.reg.Active())
	}
}

func TestHandleThought_CancelBeforeFirstSegment(t *testing.T) {
	// 生成期间信号已落键: 一段都不发
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.sig.consumeHits = []bool{true}
	})

	if err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗")); err != nil {
		t.Fatalf("HandleThought: %v", err)
	}
	if len(env.send.sent) != 0 {
		t.Errorf("sent = %q, want none", env.send.sent)
	}
	fin := env.del.finishes[0]
	if fin.status != store.DeliveryCancelled || fin.sent != 0 {
		t.Errorf("finish = %+v, want cancelled/0", fin)
	}
}

func TestHandleThought_DisplacedHandleGetsCancelled(t *testing.T) {
	// 表内残留旧句柄时顶替并关停，防止旧投递漏取消
	old := &stubCanceller{}
	env := newProcEnv(t, nil)
	env.reg.Put(42, old)

	if err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗")); err != nil {
		t.Fatalf("HandleThought: %v", err)
	}
	if !old.cancelled {
		t.Error("displaced handle not cancelled")
	}
	if env.reg.Active() != 0 {
		t.Errorf("registry active = %d, want 0", env.reg.Active())
	}
}

type stubCanceller struct{ cancelled bool }

func (s *stubCanceller) Cancel() { s.cancelled = true }

// ========================================
// 生成失败
// ========================================

func TestHandleThought_RetryableGenerationError(t *testing.T) {
	// 后端暂时不可用: 返回普通错误，交给队列退避重试
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.chat.err = apperrors.Wrap(apperrors.ErrUnavailable, "Test", "backend down")
	})

	err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗"))
	if err == nil {
		t.Fatal("HandleThought: err = nil, want retryable error")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, must not skip retry", err)
	}
	if len(env.del.begins) != 0 {
		t.Errorf("begins = %+v, want none before generation succeeds", env.del.begins)
	}
	if env.sig.clearedInProgress != 1 {
		t.Errorf("clearedInProgress = %d, want 1 (deferred)", env.sig.clearedInProgress)
	}
}

func TestHandleThought_TerminalGenerationError(t *testing.T) {
	// 恒定失败 (坏请求/空补全) 重试无意义，直接丢弃
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.chat.err = apperrors.New("Test", "empty completion")
	})

	err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
	if len(env.send.sent) != 0 {
		t.Errorf("sent = %q, want none", env.send.sent)
	}
}

// ========================================
// 传输失败
// ========================================

func TestHandleThought_PartialSendNotRetried(t *testing.T) {
	// 第二段发送失败: 已有段送达，重投会重复刷屏 → SkipRetry
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.send.failAt = 1
	})

	err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry after partial send", err)
	}
	fin := env.del.finishes[0]
	if fin.status != store.DeliveryFailed || fin.sent != 1 {
		t.Errorf("finish = %+v, want failed/1", fin)
	}
	if len(env.sig.lastReplySet) != 0 {
		t.Errorf("lastReplySet = %v, want empty", env.sig.lastReplySet)
	}
}

func TestHandleThought_FirstSegmentFailureRetries(t *testing.T) {
	// 一段未发: 整任务可安全重投
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.send.failAt = 0
	})

	err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗"))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want plain retryable error", err)
	}
	fin := env.del.finishes[0]
	if fin.status != store.DeliveryFailed || fin.sent != 0 {
		t.Errorf("finish = %+v, want failed/0", fin)
	}
}

// ========================================
// 降级路径
// ========================================

func TestHandleThought_SignalFailuresDegrade(t *testing.T) {
	// 信号面整体抖动 + 历史写入失败: 投递照常完成
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.sig.clearCancelErr = apperrors.Wrap(apperrors.ErrUnavailable, "Test", "redis down")
		env.sig.markErr = apperrors.Wrap(apperrors.ErrUnavailable, "Test", "redis down")
		env.sig.consumeErr = apperrors.Wrap(apperrors.ErrUnavailable, "Test", "redis down")
		env.sig.setLastReplyErr = apperrors.Wrap(apperrors.ErrUnavailable, "Test", "redis down")
		env.conv.appendErr = apperrors.Wrap(apperrors.ErrUnavailable, "Test", "db down")
	})

	err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗"))
	if err != nil {
		t.Fatalf("HandleThought: %v, want nil", err)
	}
	if len(env.send.sent) != 2 {
		t.Errorf("sent %d segments, want 2", len(env.send.sent))
	}
	if env.del.finishes[0].status != store.DeliveryDelivered {
		t.Errorf("finish = %+v, want delivered", env.del.finishes[0])
	}
}

func TestHandleThought_BeginRecordFailureDoesNotBlock(t *testing.T) {
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.del.beginErr = apperrors.Wrap(apperrors.ErrUnavailable, "Test", "db down")
	})

	if err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗")); err != nil {
		t.Fatalf("HandleThought: %v, want nil", err)
	}
	if len(env.send.sent) != 2 {
		t.Errorf("sent %d segments, want 2", len(env.send.sent))
	}
}

// ========================================
// 任务载荷与调度
// ========================================

func TestHandleThought_CorruptPayloadDropped(t *testing.T) {
	env := newProcEnv(t, nil)

	task := asynq.NewTask(queue.TypeReplyThought, []byte("not json"))
	err := env.proc.HandleThought(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
	if env.sig.clearCancelCalls != 0 || env.chat.calls != 0 {
		t.Error("corrupt payload must be dropped before touching dependencies")
	}
}

func TestHandleThought_InvalidPacerConfig(t *testing.T) {
	// 配置坏掉时记 failed 并丢弃，不让任务在队列里打转
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		cfg.PaceCharsPerSec = 0
	})

	err := env.proc.HandleThought(context.Background(), thoughtTask(t, 42, "在吗"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
	if len(env.del.finishes) != 1 || env.del.finishes[0].status != store.DeliveryFailed {
		t.Errorf("finishes = %+v, want one failed", env.del.finishes)
	}
	if !strings.Contains(env.del.finishes[0].reason, "pacer") {
		t.Errorf("reason = %q, want pacer mention", env.del.finishes[0].reason)
	}
}

func TestHandleThought_SameUserSerialized(t *testing.T) {
	// 同一用户两条任务并发投递: 按用户锁必须串行执行
	env := newProcEnv(t, func(env *procEnv, cfg *config.Config) {
		env.chat.hold = 20 * time.Millisecond
	})

	tasks := []*asynq.Task{thoughtTask(t, 42, "在吗"), thoughtTask(t, 42, "睡了没")}
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task *asynq.Task) {
			defer wg.Done()
			if err := env.proc.HandleThought(context.Background(), task); err != nil {
				t.Errorf("HandleThought: %v", err)
			}
		}(task)
	}
	wg.Wait()

	env.chat.mu.Lock()
	defer env.chat.mu.Unlock()
	if env.chat.calls != 2 {
		t.Errorf("chat calls = %d, want 2", env.chat.calls)
	}
	if env.chat.overlap {
		t.Error("two tasks for one user ran concurrently")
	}
}
