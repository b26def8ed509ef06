package tasks

// Task Types
const (
	TypeCompactConversation = "memory:compact_conversation"
)

// CompactConversationPayload 对话记忆压缩任务载荷
type CompactConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	// EnqueuedAtUnix 入队时间戳（秒），用于观测排队延迟
	EnqueuedAtUnix int64 `json:"enqueued_at_unix"`
}
