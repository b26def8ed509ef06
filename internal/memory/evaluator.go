package memory

import (
	"context"
	"sync"
	"time"

	"chatmemory/internal/metrics"

	"go.uber.org/zap"
)

// CompactionEnqueuer 压缩任务入队接口, 由 queue.Client 实现
type CompactionEnqueuer interface {
	EnqueueCompaction(conversationID string) error
}

// EvaluatorConfig 触发评估配置
type EvaluatorConfig struct {
	MaxContextTokens int // Token 预算上限
	RecentWindowSize int // 保留窗口条数
	BufferSize       int // 通知通道容量
}

// Evaluator 压缩触发评估器
// 消息追加路径通过 Notify 发出非阻塞事件, 评估在后台协程完成:
// 消息投递永远不会被压缩流程拖住。通道打满时直接丢弃通知 ——
// 下一条消息会再次触发, 不存在漏判的持续状态
type Evaluator struct {
	accountant *Accountant
	registry   InflightRegistry
	limiter    *RateLimiter
	queue      CompactionEnqueuer
	cfg        EvaluatorConfig
	logger     *zap.Logger

	ch   chan string
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEvaluator 创建触发评估器
func NewEvaluator(accountant *Accountant, registry InflightRegistry, limiter *RateLimiter, queue CompactionEnqueuer, cfg EvaluatorConfig, log *zap.Logger) *Evaluator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Evaluator{
		accountant: accountant,
		registry:   registry,
		limiter:    limiter,
		queue:      queue,
		cfg:        cfg,
		logger:     log,
		ch:         make(chan string, cfg.BufferSize),
		stop:       make(chan struct{}),
	}
}

// Start 启动后台评估协程
func (e *Evaluator) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop 停止评估协程, 等待在手的评估完成
func (e *Evaluator) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// Notify 通知某对话有新消息, 非阻塞
func (e *Evaluator) Notify(conversationID string) {
	select {
	case e.ch <- conversationID:
	default:
		// 满载丢弃: 触发评估是幂等的, 下一条消息会重新通知
		metrics.EvaluatorDroppedTotal.Inc()
		e.logger.Warn("评估通道已满, 丢弃触发通知",
			zap.String("conversation_id", conversationID),
		)
	}
}

func (e *Evaluator) run() {
	defer e.wg.Done()
	for {
		select {
		case conversationID := <-e.ch:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			e.Evaluate(ctx, conversationID)
			cancel()
		case <-e.stop:
			return
		}
	}
}

// Evaluate 评估单个对话并在需要时入队压缩任务
// 统计读取失败按"不压缩"处理, 消息路径不受任何影响
func (e *Evaluator) Evaluate(ctx context.Context, conversationID string) {
	stats, err := e.accountant.ComputeStats(ctx, conversationID)
	if err != nil {
		e.logger.Warn("读取对话统计失败, 本轮不压缩",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	if !ShouldCompact(stats, e.cfg.MaxContextTokens, e.cfg.RecentWindowSize) {
		return
	}

	if e.limiter != nil && !e.limiter.Allow() {
		metrics.CompactionThrottledTotal.Inc()
		e.logger.Info("压缩触发被限流, 等待下次评估",
			zap.String("conversation_id", conversationID),
			zap.Int("total_tokens", stats.TotalTokens),
		)
		return
	}

	if _, err := e.tryEnqueue(ctx, conversationID); err != nil {
		e.logger.Error("压缩任务入队失败",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// TriggerNow 手动触发一次压缩入队, 绕过预算判断但保留去重
// 返回是否真正入队（已有在途任务时为 false）
func (e *Evaluator) TriggerNow(ctx context.Context, conversationID string) (bool, error) {
	return e.tryEnqueue(ctx, conversationID)
}

// tryEnqueue 获取在途标记后入队; 入队失败立即释放标记, 状态机回到 IDLE
func (e *Evaluator) tryEnqueue(ctx context.Context, conversationID string) (bool, error) {
	acquired, err := e.registry.TryAcquire(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if !acquired {
		e.logger.Debug("对话已有在途压缩任务, 跳过入队",
			zap.String("conversation_id", conversationID),
		)
		return false, nil
	}

	if err := e.queue.EnqueueCompaction(conversationID); err != nil {
		if relErr := e.registry.Release(ctx, conversationID); relErr != nil {
			e.logger.Error("入队失败后释放在途标记失败",
				zap.String("conversation_id", conversationID),
				zap.Error(relErr),
			)
		}
		return false, err
	}

	metrics.CompactionEnqueuedTotal.Inc()
	e.logger.Info("压缩任务已入队",
		zap.String("conversation_id", conversationID),
	)
	return true, nil
}
