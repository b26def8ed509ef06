package memory

import (
	"context"
	"sync"
	"time"
)

// InflightState 对话压缩任务的在途状态
type InflightState string

const (
	StateIdle    InflightState = "idle"    // 无在途任务
	StatePending InflightState = "pending" // 已入队待执行
	StateRunning InflightState = "running" // 执行中
)

// InflightRegistry 在途任务标记
// 去重语义由记忆核心自行保证, 不依赖队列:
// TryAcquire 成功才允许入队, 同一对话同一时刻至多一个在途任务。
// TTL 为兜底: 工作进程崩溃后标记自动过期, 对话不会被永久卡住
type InflightRegistry interface {
	// TryAcquire 尝试获取对话的在途标记, 已被持有时返回 false
	TryAcquire(ctx context.Context, conversationID string) (bool, error)

	// MarkRunning 将标记从 pending 推进为 running
	MarkRunning(ctx context.Context, conversationID string) error

	// Release 释放标记, 任务成功与失败路径都必须调用
	Release(ctx context.Context, conversationID string) error

	// State 查询当前在途状态
	State(ctx context.Context, conversationID string) (InflightState, error)
}

type inflightEntry struct {
	state    InflightState
	deadline time.Time
}

// MemoryInflightRegistry 进程内在途标记, 用于测试与单机部署
type MemoryInflightRegistry struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryInflightRegistry 创建进程内在途标记
func NewMemoryInflightRegistry(ttl time.Duration) *MemoryInflightRegistry {
	return &MemoryInflightRegistry{
		entries: make(map[string]*inflightEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// TryAcquire 尝试获取在途标记
func (r *MemoryInflightRegistry) TryAcquire(ctx context.Context, conversationID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[conversationID]; ok && r.now().Before(entry.deadline) {
		return false, nil
	}
	r.entries[conversationID] = &inflightEntry{
		state:    StatePending,
		deadline: r.now().Add(r.ttl),
	}
	return true, nil
}

// MarkRunning 推进状态为 running
func (r *MemoryInflightRegistry) MarkRunning(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[conversationID]; ok && r.now().Before(entry.deadline) {
		entry.state = StateRunning
	}
	return nil
}

// Release 释放标记
func (r *MemoryInflightRegistry) Release(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, conversationID)
	return nil
}

// State 查询在途状态
func (r *MemoryInflightRegistry) State(ctx context.Context, conversationID string) (InflightState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[conversationID]
	if !ok || !r.now().Before(entry.deadline) {
		return StateIdle, nil
	}
	return entry.state, nil
}
