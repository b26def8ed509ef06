package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatmemory/internal/conversation"
	"chatmemory/internal/metrics"

	"go.uber.org/zap"
)

// 压缩结果
const (
	OutcomeSuccess   = "success"   // 新条目已提交
	OutcomeEmpty     = "empty"     // 没有可折叠的消息, 空跑
	OutcomeAbandoned = "abandoned" // 放弃本轮, 原文保持不变
)

// BatchSummarizer 摘要器抽象, 便于注入 mock
type BatchSummarizer interface {
	Summarize(ctx context.Context, conversationID string, prev *MemoryEntry, batch []*conversation.Message) (*EntryDraft, error)
}

// CompactorConfig 压缩执行配置
type CompactorConfig struct {
	RecentWindowSize int           // 保留不压缩的最近消息条数
	MaxAttempts      int           // 摘要尝试次数上限
	RetryBaseDelay   time.Duration // 首次重试延迟, 之后指数递增
}

// Compactor 压缩执行器
// 一次 Run 完成一轮压缩: 定批次、生成摘要、原子提交
// 任何一步失败都放弃本轮, 原始消息不动, 等待下次触发重来
type Compactor struct {
	store      *Store
	messages   MessageReader
	summarizer BatchSummarizer
	registry   InflightRegistry
	cfg        CompactorConfig
	logger     *zap.Logger
}

// NewCompactor 创建压缩执行器
func NewCompactor(store *Store, messages MessageReader, summarizer BatchSummarizer, registry InflightRegistry, cfg CompactorConfig, log *zap.Logger) *Compactor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Compactor{
		store:      store,
		messages:   messages,
		summarizer: summarizer,
		registry:   registry,
		cfg:        cfg,
		logger:     log,
	}
}

// Run 执行一轮压缩, 返回结果常量
// 返回的 error 仅用于日志与观测, 不代表需要队列层重试
func (c *Compactor) Run(ctx context.Context, conversationID string) (string, error) {
	// 在途标记在任务结束时必须释放, 否则后续触发会被去重挡住直到 TTL 过期
	defer func() {
		if err := c.registry.Release(ctx, conversationID); err != nil {
			c.logger.Warn("释放在途标记失败, 等待 TTL 过期",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}()
	if err := c.registry.MarkRunning(ctx, conversationID); err != nil {
		// 标记失败只影响状态可见性, 不阻断压缩
		c.logger.Warn("更新在途标记失败",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	// 上一个条目决定本轮批次的起点
	latest, err := c.store.GetLatest(ctx, conversationID)
	if err != nil {
		return OutcomeAbandoned, fmt.Errorf("读取最新记忆条目失败: %w", err)
	}
	var prevEnd int64
	if latest != nil {
		prevEnd = latest.EndMessageSequence
	}

	maxSeq, err := c.messages.MaxSequence(ctx, conversationID)
	if err != nil {
		return OutcomeAbandoned, fmt.Errorf("读取最大消息序号失败: %w", err)
	}

	// 最近窗口保持原文, 批次终点是窗口之前的最后一条
	batchEnd := maxSeq - int64(c.cfg.RecentWindowSize)
	if batchEnd <= prevEnd {
		return OutcomeEmpty, nil
	}

	batch, err := c.messages.ListMessagesBetween(ctx, conversationID, prevEnd+1, batchEnd)
	if err != nil {
		return OutcomeAbandoned, fmt.Errorf("读取消息批次失败: %w", err)
	}
	if len(batch) == 0 {
		return OutcomeEmpty, nil
	}

	draft, err := c.summarizeWithRetry(ctx, conversationID, latest, batch)
	if err != nil {
		// 放弃是安全的: 原文都在, 下次触发从同一起点重来
		c.logger.Error("摘要多次失败, 放弃本轮压缩",
			zap.String("conversation_id", conversationID),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Int64("batch_start", prevEnd+1),
			zap.Int64("batch_end", batchEnd),
			zap.Error(err),
		)
		return OutcomeAbandoned, nil
	}

	entry := &MemoryEntry{
		ConversationID:       conversationID,
		Summary:              draft.Summary,
		StartMessageSequence: prevEnd + 1,
		EndMessageSequence:   batch[len(batch)-1].Sequence,
	}
	if err := entry.SetKeyEvents(draft.KeyEvents); err != nil {
		return OutcomeAbandoned, fmt.Errorf("序列化关键事件失败: %w", err)
	}

	if err := c.store.Commit(ctx, entry); err != nil {
		if errors.Is(err, ErrRangeOverlap) || errors.Is(err, ErrRangeGap) {
			// 区间校验失败说明有并发提交或状态漂移, 留给下轮处理
			c.logger.Warn("记忆区间校验失败, 放弃本轮压缩",
				zap.String("conversation_id", conversationID),
				zap.Int64("start", entry.StartMessageSequence),
				zap.Int64("end", entry.EndMessageSequence),
				zap.Error(err),
			)
			return OutcomeAbandoned, nil
		}
		return OutcomeAbandoned, fmt.Errorf("提交记忆条目失败: %w", err)
	}

	metrics.CompactionBatchSize.Observe(float64(len(batch)))
	c.logger.Info("压缩完成",
		zap.String("conversation_id", conversationID),
		zap.String("entry_id", entry.ID),
		zap.Int64("start", entry.StartMessageSequence),
		zap.Int64("end", entry.EndMessageSequence),
		zap.Int("message_count", entry.MessageCount),
	)
	return OutcomeSuccess, nil
}

// summarizeWithRetry 带指数退避的摘要调用
func (c *Compactor) summarizeWithRetry(ctx context.Context, conversationID string, prev *MemoryEntry, batch []*conversation.Message) (*EntryDraft, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		draft, err := c.summarizer.Summarize(ctx, conversationID, prev, batch)
		if err == nil {
			return draft, nil
		}
		lastErr = err
		c.logger.Warn("摘要尝试失败",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < c.cfg.MaxAttempts {
			metrics.CompactionRetriesTotal.Inc()
			backoff := c.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("压缩任务被取消: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}
