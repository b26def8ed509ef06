package types

import "time"

// AICallLog AI调用日志数据模型
// 纯数据结构,不依赖任何internal包
type AICallLog struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Purpose        string                 `json:"purpose"`        // memory_summarize 等
	ModelProvider  string                 `json:"model_provider"` // openai 或兼容服务
	ModelName      string                 `json:"model_name"`     // gpt-4o-mini 等
	RequestTokens  int                    `json:"request_tokens"`
	ResponseTokens int                    `json:"response_tokens"`
	TotalTokens    int                    `json:"total_tokens"`
	LatencyMS      int64                  `json:"latency_ms"`
	Status         string                 `json:"status"` // success, error
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}
