package conversation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Conversation 对话
type Conversation struct {
	ID       string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Title    string         `gorm:"type:varchar(200)" json:"title,omitempty"`
	Metadata datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"` // 角色设定等扩展信息

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate GORM Hook
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (Conversation) TableName() string {
	return "conversations"
}

// Message 对话消息
// 创建后不可变更; sequence 按对话单调递增，由追加操作在事务内分配
type Message struct {
	ID             string `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_messages_conv_seq,priority:1" json:"conversation_id"`
	Sequence       int64  `gorm:"not null;uniqueIndex:idx_messages_conv_seq,priority:2" json:"sequence"`
	SenderLabel    string `gorm:"type:varchar(100);not null" json:"sender_label"` // 发言者标签（角色名/用户名）
	Content        string `gorm:"type:text;not null" json:"content"`

	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate GORM Hook
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (Message) TableName() string {
	return "messages"
}

// CreateConversationRequest 创建对话请求
type CreateConversationRequest struct {
	Title    string         `json:"title" binding:"max=200"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AppendMessageRequest 追加消息请求
type AppendMessageRequest struct {
	SenderLabel string `json:"sender_label" binding:"required,max=100"`
	Content     string `json:"content" binding:"required"`
}
