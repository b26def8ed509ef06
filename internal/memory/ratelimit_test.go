package memory

import (
	"testing"
	"time"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	// 60 次/分钟 = 1 令牌/秒, 突发 2
	rl := NewRateLimiter(60, 2)

	current := time.Now()
	rl.now = func() time.Time { return current }
	rl.Reset()

	if !rl.Allow() {
		t.Fatal("满桶时第一次请求应放行")
	}
	if !rl.Allow() {
		t.Fatal("突发容量内第二次请求应放行")
	}
	if rl.Allow() {
		t.Fatal("桶空后应拒绝")
	}

	// 1 秒补充 1 个令牌
	current = current.Add(time.Second)
	if !rl.Allow() {
		t.Fatal("补充令牌后应放行")
	}
	if rl.Allow() {
		t.Fatal("补充的令牌已消费, 应再次拒绝")
	}
}

func TestRateLimiterCapsAtBurst(t *testing.T) {
	rl := NewRateLimiter(60, 2)

	current := time.Now()
	rl.now = func() time.Time { return current }
	rl.Reset()

	// 长时间空闲后桶内令牌封顶为突发容量, 不会无限累积
	current = current.Add(time.Hour)
	if !rl.Allow() {
		t.Fatal("第一次请求应放行")
	}
	if !rl.Allow() {
		t.Fatal("第二次请求应放行")
	}
	if rl.Allow() {
		t.Fatal("超出突发容量应拒绝")
	}
}

func TestRateLimiterDisabledWhenRateZero(t *testing.T) {
	rl := NewRateLimiter(0, 1)

	for i := 0; i < 100; i++ {
		if !rl.Allow() {
			t.Fatalf("限流关闭时第 %d 次请求不应被拒绝", i+1)
		}
	}
}

func TestRateLimiterBurstFloor(t *testing.T) {
	rl := NewRateLimiter(60, 0)

	current := time.Now()
	rl.now = func() time.Time { return current }
	rl.Reset()

	if !rl.Allow() {
		t.Fatal("突发容量最小为 1, 第一次请求应放行")
	}
	if rl.Allow() {
		t.Fatal("容量 1 消费后应拒绝")
	}
}

func TestRateLimiterResetRefillsBucket(t *testing.T) {
	rl := NewRateLimiter(60, 1)

	current := time.Now()
	rl.now = func() time.Time { return current }
	rl.Reset()

	if !rl.Allow() {
		t.Fatal("第一次请求应放行")
	}
	if rl.Allow() {
		t.Fatal("桶空后应拒绝")
	}

	rl.Reset()
	if !rl.Allow() {
		t.Fatal("Reset 后应恢复满桶")
	}
}

func TestRateLimiterSnapshot(t *testing.T) {
	rl := NewRateLimiter(120, 5)

	snapshot := rl.Snapshot()
	for _, key := range []string{"tokens_available", "burst", "rate_per_second"} {
		if _, ok := snapshot[key]; !ok {
			t.Fatalf("快照缺少字段 %s", key)
		}
	}
	if burst, ok := snapshot["burst"].(float64); !ok || burst != 5 {
		t.Fatalf("突发容量应为 5, 得到 %v", snapshot["burst"])
	}
	if rate, ok := snapshot["rate_per_second"].(float64); !ok || rate != 2 {
		t.Fatalf("每秒速率应为 2, 得到 %v", snapshot["rate_per_second"])
	}
}
