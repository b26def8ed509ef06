package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Importance 关键事件重要度
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// IsValid 校验重要度取值
func (i Importance) IsValid() bool {
	switch i {
	case ImportanceHigh, ImportanceMedium, ImportanceLow:
		return true
	}
	return false
}

// KeyEvent 关键事件（用于JSON存储）
type KeyEvent struct {
	Description  string     `json:"description"`  // 事件描述
	Participants []string   `json:"participants"` // 参与者集合（去重后保序）
	Importance   Importance `json:"importance"`   // high, medium, low
}

// MemoryEntry 一次压缩的产物
// 条目创建后不可变更; 区间按对话连续且互不重叠，构成仅追加的记忆链
type MemoryEntry struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string         `gorm:"type:varchar(36);not null;index:idx_memory_entries_conv_end,priority:1" json:"conversation_id"`
	Summary        string         `gorm:"type:text;not null" json:"summary"`
	KeyEvents      datatypes.JSON `gorm:"type:jsonb" json:"key_events"`

	StartMessageSequence int64 `gorm:"not null" json:"start_message_sequence"`
	EndMessageSequence   int64 `gorm:"not null;index:idx_memory_entries_conv_end,priority:2" json:"end_message_sequence"`
	// MessageCount 派生字段: end - start + 1, 提交时计算
	MessageCount int `gorm:"not null" json:"message_count"`

	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate GORM Hook
func (e *MemoryEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (MemoryEntry) TableName() string {
	return "memory_entries"
}

// ParseKeyEvents 解析 JSON 存储的关键事件
func (e *MemoryEntry) ParseKeyEvents() ([]KeyEvent, error) {
	if len(e.KeyEvents) == 0 {
		return nil, nil
	}
	var events []KeyEvent
	if err := json.Unmarshal(e.KeyEvents, &events); err != nil {
		return nil, fmt.Errorf("解析关键事件失败: %w", err)
	}
	return events, nil
}

// SetKeyEvents 序列化关键事件到 JSON 列
func (e *MemoryEntry) SetKeyEvents(events []KeyEvent) error {
	if events == nil {
		events = []KeyEvent{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("序列化关键事件失败: %w", err)
	}
	e.KeyEvents = raw
	return nil
}

// ConversationMemoryState 对话的记忆状态（每个对话一行）
type ConversationMemoryState struct {
	ConversationID  string     `gorm:"type:varchar(36);primaryKey" json:"conversation_id"`
	LastCompactedAt *time.Time `json:"last_compacted_at,omitempty"`
	LatestEntryID   string     `gorm:"type:varchar(36)" json:"latest_entry_id,omitempty"`
	EntryCount      int        `gorm:"not null;default:0" json:"entry_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (ConversationMemoryState) TableName() string {
	return "conversation_memory_states"
}

// MemoryEntryResponse 记忆条目响应（包含解析后的关键事件）
type MemoryEntryResponse struct {
	*MemoryEntry
	ParsedKeyEvents []KeyEvent `json:"parsed_key_events"`
}

// NewEntryResponse 构造响应, 关键事件解析失败时退化为空列表
func NewEntryResponse(entry *MemoryEntry) *MemoryEntryResponse {
	events, err := entry.ParseKeyEvents()
	if err != nil {
		events = nil
	}
	return &MemoryEntryResponse{
		MemoryEntry:     entry,
		ParsedKeyEvents: events,
	}
}
