package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatmemory/internal/cache"
	"chatmemory/internal/conversation"
	"chatmemory/internal/metrics"
	"chatmemory/pkg/aiinterface"
	"chatmemory/pkg/types"

	"go.uber.org/zap"
)

// 错误定义
var (
	ErrEmptyBatch    = errors.New("消息批次为空")
	ErrInvalidDraft  = errors.New("模型输出不符合记忆结构")
	ErrMissingClient = errors.New("未配置模型客户端")
)

// EntryDraft 摘要调用的产物, 经过结构校验后才会被提交
// 模型输出只能以这个带标签的结构跨过摘要器边界, 不允许裸 JSON 向下游渗透
type EntryDraft struct {
	Summary   string     `json:"summary"`
	KeyEvents []KeyEvent `json:"key_events"`
}

// CallRecorder AI 调用记录接口, 由 ai.CallLogger 实现
type CallRecorder interface {
	Record(ctx context.Context, log *types.AICallLog)
}

// SummarizerConfig 摘要器配置
type SummarizerConfig struct {
	Model               string        // 模型标识
	Temperature         float64       // 采样温度, 摘要任务取低值
	SummaryTokenCeiling int           // 摘要 Token 上限（软限制）
	Timeout             time.Duration // 单次调用超时
}

// Summarizer 增量摘要器
// 输入前文记忆(可选)与新消息批次, 输出下一个记忆条目的草稿
type Summarizer struct {
	client    aiinterface.ModelClient
	estimator TokenEstimator
	recorder  CallRecorder
	cache     *cache.SummaryCache // 可选, nil 时不缓存
	cfg       SummarizerConfig
	logger    *zap.Logger
}

// NewSummarizer 创建摘要器
func NewSummarizer(client aiinterface.ModelClient, estimator TokenEstimator, cfg SummarizerConfig, recorder CallRecorder, summaryCache *cache.SummaryCache, log *zap.Logger) *Summarizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	return &Summarizer{
		client:    client,
		estimator: estimator,
		recorder:  recorder,
		cache:     summaryCache,
		cfg:       cfg,
		logger:    log,
	}
}

// Summarize 执行一次增量摘要
// 调用失败、超时或输出结构非法都返回错误, 重试策略由调用方掌握
func (s *Summarizer) Summarize(ctx context.Context, conversationID string, prev *MemoryEntry, batch []*conversation.Message) (*EntryDraft, error) {
	if s.client == nil {
		return nil, ErrMissingClient
	}
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}

	var prevEvents []KeyEvent
	if prev != nil {
		events, err := prev.ParseKeyEvents()
		if err != nil {
			// 旧条目的事件解析失败不阻断压缩, 仅丢失事件上下文
			s.logger.Warn("前文关键事件解析失败, 摘要时忽略",
				zap.String("conversation_id", conversationID),
				zap.String("entry_id", prev.ID),
				zap.Error(err),
			)
		} else {
			prevEvents = events
		}
	}

	userPrompt := buildSummarizationPrompt(prev, prevEvents, batch, s.cfg.SummaryTokenCeiling)

	// 低温采样下同一提示词的输出可复用:
	// 提交失败后的重跑和标记过期后的重复入队会带着完全相同的批次回来
	if draft := s.lookupCache(ctx, conversationID, userPrompt); draft != nil {
		return draft, nil
	}

	req := &aiinterface.ChatCompletionRequest{
		Messages: []aiinterface.Message{
			{Role: "system", Content: summarizationSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    s.cfg.Temperature,
		MaxTokens:      s.cfg.SummaryTokenCeiling + 512, // 关键事件列表的余量
		ResponseFormat: aiinterface.ResponseFormatJSON,
	}

	// 摘要调用是整条流水线唯一的长阻塞点, 必须带硬超时
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.client.ChatCompletion(callCtx, req)
	latency := time.Since(started)

	if err != nil {
		s.recordCall(ctx, conversationID, nil, latency, err)
		return nil, fmt.Errorf("摘要生成调用失败: %w", err)
	}
	s.recordCall(ctx, conversationID, resp, latency, nil)

	draft, err := parseDraft(resp.Content)
	if err != nil {
		s.logger.Warn("模型输出解析失败",
			zap.String("conversation_id", conversationID),
			zap.Int("raw_length", len(resp.Content)),
			zap.Error(err),
		)
		return nil, err
	}

	// 软限制: 超限仍然接受, 但作为质量信号记录
	tokens := s.estimator.EstimateTokens(draft.Summary)
	metrics.SummaryTokens.Observe(float64(tokens))
	if tokens > s.cfg.SummaryTokenCeiling {
		metrics.SummaryOverCeilingTotal.Inc()
		s.logger.Warn("摘要超出 Token 上限, 仍然接受",
			zap.String("conversation_id", conversationID),
			zap.Int("summary_tokens", tokens),
			zap.Int("ceiling", s.cfg.SummaryTokenCeiling),
		)
	}

	s.storeCache(ctx, conversationID, userPrompt, draft, resp.Usage.TotalTokens)

	return draft, nil
}

// lookupCache 查询摘要缓存, 只有能解析回合法草稿的条目才算命中
func (s *Summarizer) lookupCache(ctx context.Context, conversationID, prompt string) *EntryDraft {
	if s.cache == nil {
		return nil
	}

	key := cache.GenerateCacheKey(s.cfg.Model, prompt)
	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("摘要缓存查询失败", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	if entry == nil {
		metrics.SummaryCacheTotal.WithLabelValues("miss").Inc()
		return nil
	}

	draft, err := parseDraft(entry.Draft)
	if err != nil {
		// 缓存里出现解析不了的草稿说明写入路径有 Bug, 删掉换真实调用
		s.logger.Warn("摘要缓存条目损坏, 已删除",
			zap.String("conversation_id", conversationID),
			zap.String("cache_key", key),
			zap.Error(err),
		)
		_ = s.cache.Delete(ctx, key)
		metrics.SummaryCacheTotal.WithLabelValues("miss").Inc()
		return nil
	}

	metrics.SummaryCacheTotal.WithLabelValues("hit").Inc()
	s.logger.Debug("摘要缓存命中",
		zap.String("conversation_id", conversationID),
		zap.String("cache_key", key),
	)
	return draft
}

// storeCache 把校验通过的草稿写入缓存, 失败只记日志
func (s *Summarizer) storeCache(ctx context.Context, conversationID, prompt string, draft *EntryDraft, tokensUsed int) {
	if s.cache == nil {
		return
	}

	data, err := json.Marshal(draft)
	if err != nil {
		return
	}

	key := cache.GenerateCacheKey(s.cfg.Model, prompt)
	err = s.cache.Set(ctx, &cache.Entry{
		CacheKey:   key,
		Model:      s.cfg.Model,
		PromptHash: key,
		Draft:      string(data),
		TokensUsed: tokensUsed,
	})
	if err != nil {
		s.logger.Warn("摘要缓存写入失败", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// recordCall 记录一次摘要调用, 失败只影响观测不影响主流程
func (s *Summarizer) recordCall(ctx context.Context, conversationID string, resp *aiinterface.ChatCompletionResponse, latency time.Duration, callErr error) {
	status := "success"
	if callErr != nil {
		status = "failed"
	}
	metrics.ModelCallsTotal.WithLabelValues(s.client.Name(), s.cfg.Model, status).Inc()
	metrics.ModelCallDuration.WithLabelValues(s.client.Name(), s.cfg.Model).Observe(latency.Seconds())
	if resp != nil {
		if resp.Usage.PromptTokens > 0 {
			metrics.ModelCallTokens.WithLabelValues(s.client.Name(), s.cfg.Model, "prompt").Add(float64(resp.Usage.PromptTokens))
		}
		if resp.Usage.CompletionTokens > 0 {
			metrics.ModelCallTokens.WithLabelValues(s.client.Name(), s.cfg.Model, "completion").Add(float64(resp.Usage.CompletionTokens))
		}
	}

	if s.recorder == nil {
		return
	}

	log := &types.AICallLog{
		ConversationID: conversationID,
		Purpose:        "memory_summarize",
		ModelProvider:  s.client.Name(),
		ModelName:      s.cfg.Model,
		LatencyMS:      latency.Milliseconds(),
		Status:         "success",
		CreatedAt:      time.Now().UTC(),
	}
	if resp != nil {
		log.RequestTokens = resp.Usage.PromptTokens
		log.ResponseTokens = resp.Usage.CompletionTokens
		log.TotalTokens = resp.Usage.TotalTokens
	}
	if callErr != nil {
		log.Status = "error"
		log.ErrorMessage = callErr.Error()
	}

	s.recorder.Record(ctx, log)
}

// parseDraft 解析并校验模型输出
// 解析失败或字段非法一律视为摘要失败, 绝不提交
func parseDraft(raw string) (*EntryDraft, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: 输出中找不到 JSON 对象", ErrInvalidDraft)
	}

	var draft EntryDraft
	if err := json.Unmarshal([]byte(cleaned), &draft); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}

	if err := draft.normalize(); err != nil {
		return nil, err
	}
	return &draft, nil
}

// normalize 校验并规范化草稿字段
func (d *EntryDraft) normalize() error {
	d.Summary = strings.TrimSpace(d.Summary)
	if d.Summary == "" {
		return fmt.Errorf("%w: summary 为空", ErrInvalidDraft)
	}

	for i := range d.KeyEvents {
		ev := &d.KeyEvents[i]

		ev.Description = strings.TrimSpace(ev.Description)
		if ev.Description == "" {
			return fmt.Errorf("%w: 第 %d 个关键事件缺少描述", ErrInvalidDraft, i+1)
		}

		ev.Importance = Importance(strings.ToLower(strings.TrimSpace(string(ev.Importance))))
		if !ev.Importance.IsValid() {
			return fmt.Errorf("%w: 第 %d 个关键事件 importance 非法: %q", ErrInvalidDraft, i+1, ev.Importance)
		}

		// participants 是集合语义: 去重并保序
		seen := make(map[string]struct{}, len(ev.Participants))
		deduped := ev.Participants[:0]
		for _, p := range ev.Participants {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			deduped = append(deduped, p)
		}
		ev.Participants = deduped
	}

	return nil
}

// extractJSON 剥离代码块围栏并截取最外层 JSON 对象
// 部分模型无视指令把 JSON 包进 ```json 块, 这里做容错
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
