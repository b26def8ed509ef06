package memory

import (
	"fmt"
	"strings"

	"chatmemory/internal/conversation"
)

// summarizationSystemPrompt 摘要生成的系统提示词
// 增量式: 新摘要在前文记忆的基础上延续, 而不是从头重写
const summarizationSystemPrompt = `你是对话记忆压缩助手，负责把较早的对话消息折叠为结构化记忆，供后续回复生成复用。
你的任务是：
1. 通读新增消息，结合前文记忆（如有）生成一份连贯的增量摘要
2. 延续前文记忆中仍然有效的事实，不得凭空丢弃
3. 提取值得长期记住的关键事件，标注参与者与重要度
4. 忽略寒暄和无信息量的往来，保留事实、决定、承诺与情感转折
5. 用第三人称过去时叙述，不要逐句复述原文

输出格式（JSON）：
{
  "summary": "连贯的散文式摘要",
  "key_events": [
    {"description": "事件描述", "participants": ["参与者名"], "importance": "high"}
  ]
}

约束：
- 只输出 JSON，不要输出任何其他文字或代码块标记
- importance 只能取 high、medium、low
- participants 为参与该事件的发言者名称列表`

// buildSummarizationPrompt 构造用户提示词
// 前文记忆（摘要+关键事件）先行, 新增消息随后, 便于模型做增量合并
func buildSummarizationPrompt(prev *MemoryEntry, prevEvents []KeyEvent, batch []*conversation.Message, summaryTokenCeiling int) string {
	var b strings.Builder

	if prev != nil && prev.Summary != "" {
		b.WriteString("前文记忆：\n")
		b.WriteString("摘要：")
		b.WriteString(prev.Summary)
		b.WriteString("\n")
		if len(prevEvents) > 0 {
			b.WriteString("关键事件：\n")
			b.WriteString(formatKeyEvents(prevEvents))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	} else {
		b.WriteString("（这是该对话的第一次压缩，没有前文记忆）\n\n")
	}

	if len(batch) > 0 {
		b.WriteString(fmt.Sprintf("新增消息（序号 %d-%d）：\n",
			batch[0].Sequence, batch[len(batch)-1].Sequence))
		b.WriteString(formatMessages(batch))
		b.WriteString("\n\n")
	}

	b.WriteString(fmt.Sprintf("请在前文记忆的基础上更新记忆，摘要控制在 %d 个 Token 以内。", summaryTokenCeiling))

	return b.String()
}

// formatMessages 把消息渲染为 "发言者: 内容" 的逐行文本
func formatMessages(msgs []*conversation.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.SenderLabel, msg.Content))
	}
	return strings.Join(lines, "\n")
}

// formatKeyEvents 把关键事件渲染为带重要度标注的列表
func formatKeyEvents(events []KeyEvent) string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		line := fmt.Sprintf("- [%s] %s", ev.Importance, ev.Description)
		if len(ev.Participants) > 0 {
			line += fmt.Sprintf("（参与者: %s）", strings.Join(ev.Participants, "、"))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
