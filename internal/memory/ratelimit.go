package memory

import (
	"sync"
	"time"
)

// RateLimiter 压缩调度限流器（令牌桶）
// 全局约束摘要调用的频率, 防止消息洪峰把 LLM 预算打穿。
// 显式注入、可复位, 不做任何隐藏全局状态; 拒绝只是推迟 ——
// 下一条消息到达时会重新评估
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time

	ratePerSecond float64
	burst         float64
	now           func() time.Time
}

// NewRateLimiter 创建限流器
// ratePerMinute <= 0 表示不限流
func NewRateLimiter(ratePerMinute float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		ratePerSecond: ratePerMinute / 60.0,
		burst:         float64(burst),
		now:           time.Now,
	}
	rl.Reset()
	return rl
}

// Allow 尝试消费一个令牌
func (rl *RateLimiter) Allow() bool {
	if rl.ratePerSecond <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// 令牌桶算法：按流逝时间补充令牌, 封顶突发容量
	now := rl.now()
	elapsed := now.Sub(rl.lastUpdate).Seconds()
	rl.tokens += elapsed * rl.ratePerSecond
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastUpdate = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// Reset 重置为满桶状态
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = rl.burst
	rl.lastUpdate = rl.now()
}

// Snapshot 获取当前状态, 用于统计接口
func (rl *RateLimiter) Snapshot() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"tokens_available": rl.tokens,
		"burst":            rl.burst,
		"rate_per_second":  rl.ratePerSecond,
	}
}
