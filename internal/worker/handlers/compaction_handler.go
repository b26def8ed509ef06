package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"chatmemory/internal/metrics"
	"chatmemory/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// CompactionRunner 压缩执行器抽象，便于注入 mock
type CompactionRunner interface {
	Run(ctx context.Context, conversationID string) (string, error)
}

type CompactionHandler struct {
	runner CompactionRunner
	logger *zap.Logger
}

func NewCompactionHandler(runner CompactionRunner, logger *zap.Logger) *CompactionHandler {
	return &CompactionHandler{
		runner: runner,
		logger: logger,
	}
}

// HandleCompactConversation 执行一轮对话压缩
// 压缩失败不向队列层返回错误: 原文保持不变, 下一条消息会重新触发,
// 队列重试只会在窗口未变时空跑
func (h *CompactionHandler) HandleCompactConversation(ctx context.Context, t *asynq.Task) error {
	var p tasks.CompactConversationPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	h.logger.Info("开始执行压缩任务",
		zap.String("conversation_id", p.ConversationID),
	)

	_ = metrics.RecordCompactionJob(func() (string, error) {
		outcome, err := h.runner.Run(ctx, p.ConversationID)
		if err != nil {
			h.logger.Error("压缩任务异常结束",
				zap.String("conversation_id", p.ConversationID),
				zap.String("outcome", outcome),
				zap.Error(err),
			)
		} else {
			h.logger.Info("压缩任务结束",
				zap.String("conversation_id", p.ConversationID),
				zap.String("outcome", outcome),
			)
		}
		return outcome, err
	})
	return nil
}
