package memory

import (
	"context"
	"fmt"

	"chatmemory/internal/conversation"
)

// MessageReader 消息存储读取接口, 由 conversation.Service 实现
// 本包对消息只读, 序号分配归消息存储
type MessageReader interface {
	ListMessagesAfter(ctx context.Context, conversationID string, sequence int64) ([]*conversation.Message, error)
	ListMessagesBetween(ctx context.Context, conversationID string, from, to int64) ([]*conversation.Message, error)
	ListRecent(ctx context.Context, conversationID string, limit int) ([]*conversation.Message, error)
	CountRecent(ctx context.Context, conversationID string, limit int) (int, error)
	MaxSequence(ctx context.Context, conversationID string) (int64, error)
}

// EntryReader 记忆条目读取接口, 由 *Store 实现
type EntryReader interface {
	GetLatest(ctx context.Context, conversationID string) (*MemoryEntry, error)
}

// Stats 对话当前压缩/原文两段的 Token 统计
type Stats struct {
	CompressedTokens      int   `json:"compressed_tokens"`       // 最新摘要的 Token 估算
	RecentTokens          int   `json:"recent_tokens"`           // 未压缩消息后缀的 Token 估算
	TotalTokens           int   `json:"total_tokens"`            // 两者之和
	RecentMessageCount    int   `json:"recent_message_count"`    // 未压缩消息条数
	LastCompactedSequence int64 `json:"last_compacted_sequence"` // 最新条目覆盖到的序号, 无条目时为 0
}

// Accountant Token 记账器
// 读取最新记忆条目与未压缩消息后缀, 汇总两段的 Token 估算
type Accountant struct {
	estimator TokenEstimator
	messages  MessageReader
	entries   EntryReader

	// 每条消息的固定开销（角色标记等）, 与具体分词器无关
	messageOverhead int
}

// NewAccountant 创建 Token 记账器
func NewAccountant(estimator TokenEstimator, messages MessageReader, entries EntryReader, messageOverhead int) *Accountant {
	if messageOverhead < 0 {
		messageOverhead = 0
	}
	return &Accountant{
		estimator:       estimator,
		messages:        messages,
		entries:         entries,
		messageOverhead: messageOverhead,
	}
}

// EstimateTokens 估算一段文本的 Token 数
func (a *Accountant) EstimateTokens(text string) int {
	return a.estimator.EstimateTokens(text)
}

// EstimateMessage 估算一条消息的 Token 数(含固定开销)
func (a *Accountant) EstimateMessage(msg *conversation.Message) int {
	return a.estimator.EstimateTokens(msg.Content) + a.messageOverhead
}

// EstimateMessages 估算一组消息的 Token 总数
func (a *Accountant) EstimateMessages(msgs []*conversation.Message) int {
	total := 0
	for _, msg := range msgs {
		total += a.EstimateMessage(msg)
	}
	return total
}

// ComputeStats 计算对话当前的 Token 统计
// 读取失败时返回错误, 由调用方按"不压缩"处理
func (a *Accountant) ComputeStats(ctx context.Context, conversationID string) (*Stats, error) {
	stats := &Stats{}

	latest, err := a.entries.GetLatest(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("读取最新记忆条目失败: %w", err)
	}
	if latest != nil {
		stats.CompressedTokens = a.estimator.EstimateTokens(latest.Summary)
		stats.LastCompactedSequence = latest.EndMessageSequence
	}

	suffix, err := a.messages.ListMessagesAfter(ctx, conversationID, stats.LastCompactedSequence)
	if err != nil {
		return nil, fmt.Errorf("读取未压缩消息失败: %w", err)
	}

	stats.RecentMessageCount = len(suffix)
	stats.RecentTokens = a.EstimateMessages(suffix)
	stats.TotalTokens = stats.CompressedTokens + stats.RecentTokens

	return stats, nil
}
