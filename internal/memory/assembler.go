package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// 上下文分段标题
const (
	memorySectionHeader = "### 对话历史摘要"
	recentSectionHeader = "### 最近消息"
	emptyRecentNotice   = "（暂无消息）"
)

// PromptContext 组装后的提示上下文
type PromptContext struct {
	ConversationID  string `json:"conversation_id"`
	HasMemory       bool   `json:"has_memory"`       // 是否包含压缩记忆段
	MemorySection   string `json:"memory_section"`   // 压缩记忆段（无记忆时为空）
	RecentSection   string `json:"recent_section"`   // 最近消息段
	RecentCount     int    `json:"recent_count"`     // 最近消息条数
	EstimatedTokens int    `json:"estimated_tokens"` // 全文 Token 估算
	Text            string `json:"text"`             // 渲染后的完整文本
}

// Assembler 上下文组装器
// 把最新记忆条目与最近消息窗口拼成回复生成用的文本。
// 该操作永不失败: 记忆存储不可用时退化为仅最近消息,
// 消息存储也不可用时退化为空窗口, 错误只记日志不上抛
type Assembler struct {
	entries   EntryReader
	messages  MessageReader
	estimator TokenEstimator
	logger    *zap.Logger
}

// NewAssembler 创建上下文组装器
func NewAssembler(entries EntryReader, messages MessageReader, estimator TokenEstimator, log *zap.Logger) *Assembler {
	return &Assembler{
		entries:   entries,
		messages:  messages,
		estimator: estimator,
		logger:    log,
	}
}

// BuildContext 组装对话上下文
// 压缩记忆段在前(无记忆条目时整段省略), 最近 recentWindowSize 条消息原文在后
func (a *Assembler) BuildContext(ctx context.Context, conversationID string, recentWindowSize int) *PromptContext {
	result := &PromptContext{ConversationID: conversationID}

	// 记忆段: 读取失败与不存在同等对待, 静默退化
	latest, err := a.entries.GetLatest(ctx, conversationID)
	if err != nil {
		a.logger.Warn("读取记忆条目失败, 上下文退化为仅最近消息",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		latest = nil
	}
	if latest != nil {
		result.HasMemory = true
		result.MemorySection = a.renderMemorySection(latest)
	}

	// 最近消息段: 永远直接读消息存储, 不经过记忆
	recent, err := a.messages.ListRecent(ctx, conversationID, recentWindowSize)
	if err != nil {
		a.logger.Warn("读取最近消息失败, 上下文退化为空窗口",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		recent = nil
	}
	result.RecentCount = len(recent)
	if len(recent) > 0 {
		result.RecentSection = formatMessages(recent)
	} else {
		result.RecentSection = emptyRecentNotice
	}

	var b strings.Builder
	if result.HasMemory {
		b.WriteString(memorySectionHeader)
		b.WriteString("\n")
		b.WriteString(result.MemorySection)
		b.WriteString("\n\n")
	}
	b.WriteString(recentSectionHeader)
	b.WriteString("\n")
	b.WriteString(result.RecentSection)

	result.Text = b.String()
	result.EstimatedTokens = a.estimator.EstimateTokens(result.Text)

	return result
}

// renderMemorySection 渲染压缩记忆段: 摘要 + 关键事件列表
func (a *Assembler) renderMemorySection(entry *MemoryEntry) string {
	var b strings.Builder
	b.WriteString(entry.Summary)

	events, err := entry.ParseKeyEvents()
	if err != nil {
		a.logger.Warn("关键事件解析失败, 记忆段仅保留摘要",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		return b.String()
	}
	if len(events) > 0 {
		b.WriteString("\n关键事件:\n")
		b.WriteString(formatKeyEvents(events))
	}

	b.WriteString(fmt.Sprintf("\n（覆盖消息 %d-%d）",
		entry.StartMessageSequence, entry.EndMessageSequence))
	return b.String()
}
