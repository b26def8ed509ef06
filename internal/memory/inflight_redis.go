package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisInflightRegistry 基于 Redis 的在途标记, 多实例部署共享
// SET NX 保证同一对话只有一个持有者; TTL 兜底防止崩溃残留
type RedisInflightRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisInflightRegistry 创建 Redis 在途标记
func NewRedisInflightRegistry(client redis.UniversalClient, ttl time.Duration) *RedisInflightRegistry {
	return &RedisInflightRegistry{client: client, ttl: ttl}
}

func (r *RedisInflightRegistry) key(conversationID string) string {
	return fmt.Sprintf("memory:inflight:%s", conversationID)
}

// TryAcquire 尝试获取在途标记
func (r *RedisInflightRegistry) TryAcquire(ctx context.Context, conversationID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(conversationID), string(StatePending), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取在途标记失败: %w", err)
	}
	return ok, nil
}

// MarkRunning 推进状态为 running, 保留原有 TTL
func (r *RedisInflightRegistry) MarkRunning(ctx context.Context, conversationID string) error {
	err := r.client.Set(ctx, r.key(conversationID), string(StateRunning), redis.KeepTTL).Err()
	if err != nil {
		return fmt.Errorf("更新在途标记失败: %w", err)
	}
	return nil
}

// Release 释放标记
func (r *RedisInflightRegistry) Release(ctx context.Context, conversationID string) error {
	if err := r.client.Del(ctx, r.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("释放在途标记失败: %w", err)
	}
	return nil
}

// State 查询在途状态
func (r *RedisInflightRegistry) State(ctx context.Context, conversationID string) (InflightState, error) {
	val, err := r.client.Get(ctx, r.key(conversationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StateIdle, nil
		}
		return StateIdle, fmt.Errorf("查询在途标记失败: %w", err)
	}

	switch InflightState(val) {
	case StatePending, StateRunning:
		return InflightState(val), nil
	default:
		return StateIdle, nil
	}
}
