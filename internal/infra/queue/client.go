package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"chatmemory/internal/config"
	"chatmemory/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueCompaction(conversationID string) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

func (c *asynqClient) EnqueueCompaction(conversationID string) error {
	payload, err := json.Marshal(tasks.CompactConversationPayload{
		ConversationID: conversationID,
		EnqueuedAtUnix: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeCompactConversation, payload)

	// 压缩任务内部自带重试与退避，asynq 层不再重试;
	// 队列层重试会绕过内部的"重试耗尽即放弃"策略
	info, err := c.client.Enqueue(task,
		asynq.MaxRetry(0),
		asynq.Timeout(2*time.Minute),
		asynq.Queue("compaction"), // 压缩专用队列
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}

	_ = info // 忽略 info
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
