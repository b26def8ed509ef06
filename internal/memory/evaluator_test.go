package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatmemory/internal/conversation"

	"go.uber.org/zap/zaptest"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (f *fakeEnqueuer) EnqueueCompaction(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, conversationID)
	return nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

func (f *fakeEnqueuer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// heavyMessages 生成 count 条各 40 字符(10 token)的消息
func heavyMessages(count int) []*conversation.Message {
	contents := make([]string, count)
	for i := range contents {
		contents[i] = strings.Repeat("测", 40)
	}
	return seqMessages(1, contents...)
}

func newTestEvaluator(t *testing.T, msgs MessageReader, entries EntryReader, queue CompactionEnqueuer, limiter *RateLimiter) (*Evaluator, *MemoryInflightRegistry) {
	t.Helper()

	registry := NewMemoryInflightRegistry(time.Minute)
	accountant := NewAccountant(NewHeuristicEstimator(4.0), msgs, entries, 0)
	evaluator := NewEvaluator(accountant, registry, limiter, queue, EvaluatorConfig{
		MaxContextTokens: 100,
		RecentWindowSize: 10,
		BufferSize:       8,
	}, zaptest.NewLogger(t))
	return evaluator, registry
}

func TestEvaluateEnqueuesWhenOverBudget(t *testing.T) {
	ctx := context.Background()
	queue := &fakeEnqueuer{}
	// 12 条 × 10 token = 120 > 100, 且 12 > 窗口 10
	evaluator, registry := newTestEvaluator(t,
		&stubMessageReader{recent: heavyMessages(12)}, &stubEntryReader{}, queue, nil)

	evaluator.Evaluate(ctx, "conv-1")

	if queue.count() != 1 {
		t.Fatalf("超出预算应入队一次, 得到 %d", queue.count())
	}
	if state, _ := registry.State(ctx, "conv-1"); state != StatePending {
		t.Fatalf("入队后在途状态应为 pending, 得到 %s", state)
	}
}

func TestEvaluateSkipsUnderBudget(t *testing.T) {
	queue := &fakeEnqueuer{}
	contents := make([]string, 12)
	for i := range contents {
		contents[i] = "短"
	}
	evaluator, registry := newTestEvaluator(t,
		&stubMessageReader{recent: seqMessages(1, contents...)}, &stubEntryReader{}, queue, nil)

	evaluator.Evaluate(context.Background(), "conv-1")

	if queue.count() != 0 {
		t.Fatalf("预算内不应入队, 得到 %d", queue.count())
	}
	if state, _ := registry.State(context.Background(), "conv-1"); state != StateIdle {
		t.Fatalf("不入队时在途状态应保持 idle, 得到 %s", state)
	}
}

func TestEvaluateSkipsWhenWindowNotExceeded(t *testing.T) {
	queue := &fakeEnqueuer{}
	// 5 条 × 100 token = 500, 超预算但不超窗口: 没有可压缩的前缀
	contents := make([]string, 5)
	for i := range contents {
		contents[i] = strings.Repeat("测", 400)
	}
	evaluator, _ := newTestEvaluator(t,
		&stubMessageReader{recent: seqMessages(1, contents...)}, &stubEntryReader{}, queue, nil)

	evaluator.Evaluate(context.Background(), "conv-1")

	if queue.count() != 0 {
		t.Fatalf("窗口未超出时不应入队, 得到 %d", queue.count())
	}
}

func TestEvaluateDeduplicatesInflight(t *testing.T) {
	ctx := context.Background()
	queue := &fakeEnqueuer{}
	evaluator, _ := newTestEvaluator(t,
		&stubMessageReader{recent: heavyMessages(12)}, &stubEntryReader{}, queue, nil)

	evaluator.Evaluate(ctx, "conv-1")
	evaluator.Evaluate(ctx, "conv-1")

	if queue.count() != 1 {
		t.Fatalf("在途标记未释放前重复评估不应再入队, 得到 %d", queue.count())
	}
}

func TestEvaluateReleasesMarkerOnEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	queue := &fakeEnqueuer{err: errors.New("redis 不可用")}
	evaluator, registry := newTestEvaluator(t,
		&stubMessageReader{recent: heavyMessages(12)}, &stubEntryReader{}, queue, nil)

	evaluator.Evaluate(ctx, "conv-1")

	if state, _ := registry.State(ctx, "conv-1"); state != StateIdle {
		t.Fatalf("入队失败后标记应释放, 得到 %s", state)
	}

	// 故障恢复后下一次评估可以正常入队
	queue.setErr(nil)
	evaluator.Evaluate(ctx, "conv-1")
	if queue.count() != 1 {
		t.Fatalf("恢复后应成功入队, 得到 %d", queue.count())
	}
}

func TestEvaluateSkipsOnStatsError(t *testing.T) {
	ctx := context.Background()
	queue := &fakeEnqueuer{}
	evaluator, registry := newTestEvaluator(t,
		&stubMessageReader{err: errors.New("存储不可用")}, &stubEntryReader{}, queue, nil)

	evaluator.Evaluate(ctx, "conv-1")

	if queue.count() != 0 {
		t.Fatal("统计读取失败时按不压缩处理")
	}
	if state, _ := registry.State(ctx, "conv-1"); state != StateIdle {
		t.Fatalf("统计失败不应留下在途标记, 得到 %s", state)
	}
}

func TestEvaluateThrottledByRateLimiter(t *testing.T) {
	ctx := context.Background()
	queue := &fakeEnqueuer{}
	limiter := NewRateLimiter(60, 1)

	current := time.Now()
	limiter.now = func() time.Time { return current }
	limiter.Reset()

	evaluator, registry := newTestEvaluator(t,
		&stubMessageReader{recent: heavyMessages(12)}, &stubEntryReader{}, queue, limiter)

	evaluator.Evaluate(ctx, "conv-a")
	if queue.count() != 1 {
		t.Fatalf("第一次评估应入队, 得到 %d", queue.count())
	}

	// 限流命中: 不入队也不留在途标记, 下次评估重来
	evaluator.Evaluate(ctx, "conv-b")
	if queue.count() != 1 {
		t.Fatalf("限流时不应入队, 得到 %d", queue.count())
	}
	if state, _ := registry.State(ctx, "conv-b"); state != StateIdle {
		t.Fatalf("限流时不应获取在途标记, 得到 %s", state)
	}
}

func TestTriggerNowBypassesBudget(t *testing.T) {
	ctx := context.Background()
	queue := &fakeEnqueuer{}
	// 只有 2 条短消息, 远在预算之内
	evaluator, _ := newTestEvaluator(t,
		&stubMessageReader{recent: seqMessages(1, "你好", "在吗")}, &stubEntryReader{}, queue, nil)

	enqueued, err := evaluator.TriggerNow(ctx, "conv-1")
	if err != nil {
		t.Fatalf("手动触发失败: %v", err)
	}
	if !enqueued {
		t.Fatal("手动触发应绕过预算判断直接入队")
	}

	// 去重仍然生效
	enqueued, err = evaluator.TriggerNow(ctx, "conv-1")
	if err != nil {
		t.Fatalf("重复触发不应报错: %v", err)
	}
	if enqueued {
		t.Fatal("已有在途任务时手动触发应返回未入队")
	}
	if queue.count() != 1 {
		t.Fatalf("入队次数应为 1, 得到 %d", queue.count())
	}
}

func TestNotifyPipelineEnqueuesInBackground(t *testing.T) {
	queue := &fakeEnqueuer{}
	evaluator, _ := newTestEvaluator(t,
		&stubMessageReader{recent: heavyMessages(12)}, &stubEntryReader{}, queue, nil)

	evaluator.Start()
	defer evaluator.Stop()

	evaluator.Notify("conv-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if queue.count() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("后台评估超时未入队, 当前 %d", queue.count())
}

func TestNotifyNeverBlocks(t *testing.T) {
	// 评估协程未启动, 容量 8 的通道打满后继续通知
	queue := &fakeEnqueuer{}
	evaluator, _ := newTestEvaluator(t,
		&stubMessageReader{recent: heavyMessages(12)}, &stubEntryReader{}, queue, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			evaluator.Notify("conv-1")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("通道满载时 Notify 不应阻塞")
	}
}
