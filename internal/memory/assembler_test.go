package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatmemory/internal/conversation"

	"go.uber.org/zap/zaptest"
)

type stubEntryReader struct {
	entry *MemoryEntry
	err   error
}

func (s *stubEntryReader) GetLatest(ctx context.Context, conversationID string) (*MemoryEntry, error) {
	return s.entry, s.err
}

type stubMessageReader struct {
	recent []*conversation.Message
	err    error
}

func (s *stubMessageReader) ListMessagesAfter(ctx context.Context, conversationID string, sequence int64) ([]*conversation.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*conversation.Message
	for _, msg := range s.recent {
		if msg.Sequence > sequence {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *stubMessageReader) ListMessagesBetween(ctx context.Context, conversationID string, from, to int64) ([]*conversation.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*conversation.Message
	for _, msg := range s.recent {
		if msg.Sequence >= from && msg.Sequence <= to {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *stubMessageReader) ListRecent(ctx context.Context, conversationID string, limit int) ([]*conversation.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.recent) {
		return s.recent[len(s.recent)-limit:], nil
	}
	return s.recent, nil
}

func (s *stubMessageReader) CountRecent(ctx context.Context, conversationID string, limit int) (int, error) {
	return len(s.recent), nil
}

func (s *stubMessageReader) MaxSequence(ctx context.Context, conversationID string) (int64, error) {
	return int64(len(s.recent)), nil
}

func testMessages(contents ...string) []*conversation.Message {
	msgs := make([]*conversation.Message, 0, len(contents))
	for i, content := range contents {
		msgs = append(msgs, &conversation.Message{
			Sequence:    int64(i + 1),
			SenderLabel: "小明",
			Content:     content,
		})
	}
	return msgs
}

func TestBuildContextWithoutMemory(t *testing.T) {
	assembler := NewAssembler(
		&stubEntryReader{},
		&stubMessageReader{recent: testMessages("你好", "最近怎么样")},
		NewHeuristicEstimator(4.0),
		zaptest.NewLogger(t),
	)

	result := assembler.BuildContext(context.Background(), "conv-1", 10)

	if result.HasMemory {
		t.Fatal("无记忆条目时 HasMemory 应为 false")
	}
	if strings.Contains(result.Text, memorySectionHeader) {
		t.Fatal("无记忆条目时不应输出记忆段标题")
	}
	if !strings.HasPrefix(result.Text, recentSectionHeader) {
		t.Fatalf("上下文应以最近消息标题开头, 得到: %q", result.Text)
	}
	if !strings.Contains(result.Text, "小明: 你好") {
		t.Fatalf("最近消息段应包含消息原文, 得到: %q", result.Text)
	}
	if result.RecentCount != 2 {
		t.Fatalf("最近消息条数应为 2, 得到 %d", result.RecentCount)
	}
	if result.EstimatedTokens <= 0 {
		t.Fatal("Token 估算应为正数")
	}
}

func TestBuildContextWithMemory(t *testing.T) {
	entry := &MemoryEntry{
		ID:                   "entry-1",
		ConversationID:       "conv-1",
		Summary:              "小明和小红讨论了周末的出游计划。",
		StartMessageSequence: 1,
		EndMessageSequence:   60,
	}
	if err := entry.SetKeyEvents([]KeyEvent{
		{Description: "确定去爬山", Participants: []string{"小明", "小红"}, Importance: ImportanceHigh},
	}); err != nil {
		t.Fatalf("序列化关键事件失败: %v", err)
	}

	assembler := NewAssembler(
		&stubEntryReader{entry: entry},
		&stubMessageReader{recent: testMessages("出发时间定了吗", "周六早上八点")},
		NewHeuristicEstimator(4.0),
		zaptest.NewLogger(t),
	)

	result := assembler.BuildContext(context.Background(), "conv-1", 10)

	if !result.HasMemory {
		t.Fatal("有记忆条目时 HasMemory 应为 true")
	}
	text := result.Text
	memoryIdx := strings.Index(text, memorySectionHeader)
	recentIdx := strings.Index(text, recentSectionHeader)
	if memoryIdx < 0 || recentIdx < 0 {
		t.Fatalf("上下文应包含两段标题, 得到: %q", text)
	}
	if memoryIdx > recentIdx {
		t.Fatal("记忆段应位于最近消息段之前")
	}
	if !strings.Contains(text, entry.Summary) {
		t.Fatal("记忆段应包含摘要原文")
	}
	if !strings.Contains(text, "- [high] 确定去爬山（参与者: 小明、小红）") {
		t.Fatalf("记忆段应包含关键事件列表, 得到: %q", text)
	}
	if !strings.Contains(text, "（覆盖消息 1-60）") {
		t.Fatalf("记忆段应标注覆盖区间, 得到: %q", text)
	}
}

func TestBuildContextRespectsWindowSize(t *testing.T) {
	assembler := NewAssembler(
		&stubEntryReader{},
		&stubMessageReader{recent: testMessages("一", "二", "三", "四", "五")},
		NewHeuristicEstimator(4.0),
		zaptest.NewLogger(t),
	)

	result := assembler.BuildContext(context.Background(), "conv-1", 2)

	if result.RecentCount != 2 {
		t.Fatalf("窗口为 2 时应只取 2 条, 得到 %d", result.RecentCount)
	}
	if strings.Contains(result.RecentSection, "三") {
		t.Fatal("窗口之外的消息不应出现")
	}
	if !strings.Contains(result.RecentSection, "五") {
		t.Fatal("应保留最新的消息")
	}
}

func TestBuildContextNeverFails(t *testing.T) {
	// 记忆存储故障: 退化为仅最近消息
	assembler := NewAssembler(
		&stubEntryReader{err: errors.New("存储不可用")},
		&stubMessageReader{recent: testMessages("你好")},
		NewHeuristicEstimator(4.0),
		zaptest.NewLogger(t),
	)
	result := assembler.BuildContext(context.Background(), "conv-1", 10)
	if result.HasMemory {
		t.Fatal("记忆读取失败时应退化为无记忆")
	}
	if !strings.Contains(result.Text, "小明: 你好") {
		t.Fatal("最近消息段应正常输出")
	}

	// 两个存储都故障: 退化为空窗口, 仍返回可用结构
	assembler = NewAssembler(
		&stubEntryReader{err: errors.New("存储不可用")},
		&stubMessageReader{err: errors.New("存储不可用")},
		NewHeuristicEstimator(4.0),
		zaptest.NewLogger(t),
	)
	result = assembler.BuildContext(context.Background(), "conv-1", 10)
	if result == nil {
		t.Fatal("组装永不失败, 不应返回 nil")
	}
	if result.RecentSection != emptyRecentNotice {
		t.Fatalf("空窗口应输出占位提示, 得到: %q", result.RecentSection)
	}
	if result.RecentCount != 0 {
		t.Fatalf("空窗口消息条数应为 0, 得到 %d", result.RecentCount)
	}
}

func TestBuildContextEmptyConversation(t *testing.T) {
	assembler := NewAssembler(
		&stubEntryReader{},
		&stubMessageReader{},
		NewHeuristicEstimator(4.0),
		zaptest.NewLogger(t),
	)

	result := assembler.BuildContext(context.Background(), "conv-1", 10)

	if result.HasMemory {
		t.Fatal("空对话不应有记忆段")
	}
	expected := recentSectionHeader + "\n" + emptyRecentNotice
	if result.Text != expected {
		t.Fatalf("空对话上下文应为标题加占位, 得到: %q", result.Text)
	}
}
