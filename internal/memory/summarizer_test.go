package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatmemory/internal/cache"
	"chatmemory/internal/conversation"
	"chatmemory/pkg/aiinterface"
	"chatmemory/pkg/types"

	"go.uber.org/zap/zaptest"
)

type fakeModelClient struct {
	response string
	err      error
	requests []*aiinterface.ChatCompletionRequest
}

func (f *fakeModelClient) ChatCompletion(ctx context.Context, req *aiinterface.ChatCompletionRequest) (*aiinterface.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &aiinterface.ChatCompletionResponse{
		ID:      "resp-1",
		Model:   "fake-model",
		Content: f.response,
		Usage:   aiinterface.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (f *fakeModelClient) Name() string { return "fake" }
func (f *fakeModelClient) Close() error { return nil }

type captureRecorder struct {
	logs []*types.AICallLog
}

func (c *captureRecorder) Record(ctx context.Context, log *types.AICallLog) {
	c.logs = append(c.logs, log)
}

func seqMessages(start int64, contents ...string) []*conversation.Message {
	msgs := make([]*conversation.Message, 0, len(contents))
	for i, content := range contents {
		label := "小明"
		if i%2 == 1 {
			label = "小红"
		}
		msgs = append(msgs, &conversation.Message{
			Sequence:    start + int64(i),
			SenderLabel: label,
			Content:     content,
		})
	}
	return msgs
}

func newTestSummarizer(t *testing.T, client aiinterface.ModelClient, recorder CallRecorder) *Summarizer {
	t.Helper()
	return NewSummarizer(client, NewHeuristicEstimator(4.0), SummarizerConfig{
		Model:               "fake-model",
		Temperature:         0.3,
		SummaryTokenCeiling: 256,
		Timeout:             time.Second,
	}, recorder, nil, zaptest.NewLogger(t))
}

func TestSummarizeValidOutput(t *testing.T) {
	client := &fakeModelClient{
		response: `{
			"summary": "小明和小红约好周六去爬山。",
			"key_events": [
				{"description": "确定周六爬山", "participants": ["小明", "小红", "小明"], "importance": "High"}
			]
		}`,
	}
	recorder := &captureRecorder{}
	summarizer := newTestSummarizer(t, client, recorder)

	draft, err := summarizer.Summarize(context.Background(), "conv-1", nil,
		seqMessages(1, "周六去爬山吗", "好啊，一起去"))
	if err != nil {
		t.Fatalf("摘要应成功: %v", err)
	}

	if draft.Summary != "小明和小红约好周六去爬山。" {
		t.Fatalf("摘要内容不符: %q", draft.Summary)
	}
	if len(draft.KeyEvents) != 1 {
		t.Fatalf("关键事件应为 1 个, 得到 %d", len(draft.KeyEvents))
	}
	ev := draft.KeyEvents[0]
	if ev.Importance != ImportanceHigh {
		t.Fatalf("importance 应规范化为 high, 得到 %q", ev.Importance)
	}
	if len(ev.Participants) != 2 {
		t.Fatalf("参与者应去重为 2 人, 得到 %v", ev.Participants)
	}

	if len(client.requests) != 1 {
		t.Fatalf("应只调用模型一次, 得到 %d", len(client.requests))
	}
	req := client.requests[0]
	if req.ResponseFormat != aiinterface.ResponseFormatJSON {
		t.Fatalf("应请求 JSON 输出格式, 得到 %q", req.ResponseFormat)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatal("请求应包含 system + user 两条消息")
	}
	if !strings.Contains(req.Messages[1].Content, "第一次压缩") {
		t.Fatal("无前文记忆时提示词应声明首次压缩")
	}

	if len(recorder.logs) != 1 {
		t.Fatalf("应记录一次调用, 得到 %d", len(recorder.logs))
	}
	log := recorder.logs[0]
	if log.Status != "success" || log.Purpose != "memory_summarize" {
		t.Fatalf("调用记录不符: status=%q purpose=%q", log.Status, log.Purpose)
	}
	if log.TotalTokens != 150 {
		t.Fatalf("调用记录应带 Token 用量, 得到 %d", log.TotalTokens)
	}
}

func TestSummarizePromptEmbedsPreviousMemory(t *testing.T) {
	prev := &MemoryEntry{
		ID:                   "entry-1",
		ConversationID:       "conv-1",
		Summary:              "小明和小红讨论了出游计划。",
		StartMessageSequence: 1,
		EndMessageSequence:   60,
	}
	if err := prev.SetKeyEvents([]KeyEvent{
		{Description: "确定去爬山", Participants: []string{"小明"}, Importance: ImportanceHigh},
	}); err != nil {
		t.Fatalf("序列化关键事件失败: %v", err)
	}

	client := &fakeModelClient{response: `{"summary": "计划推进中。", "key_events": []}`}
	summarizer := newTestSummarizer(t, client, nil)

	if _, err := summarizer.Summarize(context.Background(), "conv-1", prev,
		seqMessages(61, "装备买好了", "我也准备好了")); err != nil {
		t.Fatalf("摘要应成功: %v", err)
	}

	prompt := client.requests[0].Messages[1].Content
	if !strings.Contains(prompt, "前文记忆") {
		t.Fatal("提示词应包含前文记忆段")
	}
	if !strings.Contains(prompt, prev.Summary) {
		t.Fatal("提示词应嵌入上一条摘要原文")
	}
	if !strings.Contains(prompt, "- [high] 确定去爬山") {
		t.Fatal("提示词应嵌入上一条的关键事件")
	}
	if !strings.Contains(prompt, "新增消息（序号 61-62）") {
		t.Fatalf("提示词应标注新增消息区间, 得到: %q", prompt)
	}
	if !strings.Contains(prompt, "小明: 装备买好了") {
		t.Fatal("提示词应包含新增消息原文")
	}
}

func TestSummarizeToleratesCodeFence(t *testing.T) {
	client := &fakeModelClient{
		response: "```json\n{\"summary\": \"进展顺利。\", \"key_events\": []}\n```",
	}
	summarizer := newTestSummarizer(t, client, nil)

	draft, err := summarizer.Summarize(context.Background(), "conv-1", nil, seqMessages(1, "你好"))
	if err != nil {
		t.Fatalf("代码块包裹的 JSON 应被容错解析: %v", err)
	}
	if draft.Summary != "进展顺利。" {
		t.Fatalf("摘要内容不符: %q", draft.Summary)
	}
}

func TestSummarizeRejectsMalformedOutput(t *testing.T) {
	cases := []struct {
		name     string
		response string
	}{
		{"纯文本输出", "抱歉，我无法完成这个任务。"},
		{"summary 为空", `{"summary": "  ", "key_events": []}`},
		{"importance 非法", `{"summary": "ok", "key_events": [{"description": "事件", "participants": [], "importance": "critical"}]}`},
		{"事件缺少描述", `{"summary": "ok", "key_events": [{"description": "", "participants": [], "importance": "high"}]}`},
		{"JSON 语法错误", `{"summary": "ok", "key_events": [`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeModelClient{response: tc.response}
			summarizer := newTestSummarizer(t, client, nil)

			_, err := summarizer.Summarize(context.Background(), "conv-1", nil, seqMessages(1, "你好"))
			if !errors.Is(err, ErrInvalidDraft) {
				t.Fatalf("非法输出应返回 ErrInvalidDraft, 得到: %v", err)
			}
		})
	}
}

func TestSummarizeEmptyBatch(t *testing.T) {
	summarizer := newTestSummarizer(t, &fakeModelClient{}, nil)

	if _, err := summarizer.Summarize(context.Background(), "conv-1", nil, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("空批次应返回 ErrEmptyBatch, 得到: %v", err)
	}
}

func TestSummarizeMissingClient(t *testing.T) {
	summarizer := newTestSummarizer(t, nil, nil)

	if _, err := summarizer.Summarize(context.Background(), "conv-1", nil, seqMessages(1, "你好")); !errors.Is(err, ErrMissingClient) {
		t.Fatalf("未配置客户端应返回 ErrMissingClient, 得到: %v", err)
	}
}

func TestSummarizeCeilingIsSoftLimit(t *testing.T) {
	longSummary := strings.Repeat("这段摘要写得特别长。", 200)
	client := &fakeModelClient{response: `{"summary": "` + longSummary + `", "key_events": []}`}

	summarizer := NewSummarizer(client, NewHeuristicEstimator(4.0), SummarizerConfig{
		Model:               "fake-model",
		SummaryTokenCeiling: 16,
		Timeout:             time.Second,
	}, nil, nil, zaptest.NewLogger(t))

	draft, err := summarizer.Summarize(context.Background(), "conv-1", nil, seqMessages(1, "你好"))
	if err != nil {
		t.Fatalf("超出上限是软限制, 不应报错: %v", err)
	}
	if draft.Summary != longSummary {
		t.Fatal("超限的摘要应原样接受")
	}
}

func TestSummarizeClientErrorRecorded(t *testing.T) {
	client := &fakeModelClient{err: errors.New("连接超时")}
	recorder := &captureRecorder{}
	summarizer := newTestSummarizer(t, client, recorder)

	if _, err := summarizer.Summarize(context.Background(), "conv-1", nil, seqMessages(1, "你好")); err == nil {
		t.Fatal("客户端调用失败应返回错误")
	}

	if len(recorder.logs) != 1 {
		t.Fatalf("失败调用也应记录, 得到 %d 条", len(recorder.logs))
	}
	log := recorder.logs[0]
	if log.Status != "error" {
		t.Fatalf("记录状态应为 error, 得到 %q", log.Status)
	}
	if log.ErrorMessage == "" {
		t.Fatal("记录应包含错误信息")
	}
}

func TestSummarizeReusesCachedDraft(t *testing.T) {
	summaryCache, err := cache.NewSummaryCache(
		filepath.Join(t.TempDir(), "summary_cache.db"), time.Minute, 1)
	if err != nil {
		t.Fatalf("创建摘要缓存失败: %v", err)
	}
	defer summaryCache.Close()

	client := &fakeModelClient{
		response: `{"summary": "小明和小红约好周六去爬山。", "key_events": []}`,
	}
	recorder := &captureRecorder{}
	summarizer := NewSummarizer(client, NewHeuristicEstimator(4.0), SummarizerConfig{
		Model:               "fake-model",
		Temperature:         0.3,
		SummaryTokenCeiling: 256,
		Timeout:             time.Second,
	}, recorder, summaryCache, zaptest.NewLogger(t))

	batch := seqMessages(1, "周六去爬山吗", "好啊，一起去")

	first, err := summarizer.Summarize(context.Background(), "conv-1", nil, batch)
	if err != nil {
		t.Fatalf("首次摘要应成功: %v", err)
	}

	// 相同前文与批次再来一次: 命中缓存, 不再调用模型
	second, err := summarizer.Summarize(context.Background(), "conv-1", nil, batch)
	if err != nil {
		t.Fatalf("第二次摘要应成功: %v", err)
	}

	if len(client.requests) != 1 {
		t.Fatalf("第二次调用应命中缓存, 模型请求数应为 1, 得到 %d", len(client.requests))
	}
	if second.Summary != first.Summary {
		t.Fatalf("缓存草稿内容不符: %q vs %q", second.Summary, first.Summary)
	}
	if len(recorder.logs) != 1 {
		t.Fatalf("缓存命中不应产生调用记录, 得到 %d 条", len(recorder.logs))
	}

	// 批次变化会改变提示词, 不会错误命中
	if _, err := summarizer.Summarize(context.Background(), "conv-1", nil,
		seqMessages(3, "装备我来准备")); err != nil {
		t.Fatalf("新批次摘要应成功: %v", err)
	}
	if len(client.requests) != 2 {
		t.Fatalf("新批次应触发真实调用, 模型请求数应为 2, 得到 %d", len(client.requests))
	}
}
