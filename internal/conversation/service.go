package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chatmemory/pkg/types"

	"gorm.io/gorm"
)

// 错误定义
var (
	ErrConversationNotFound = errors.New("对话不存在")
)

// Service 消息存储服务
// 负责对话与消息的追加/读取; 消息序号在此分配，记忆核心只读
type Service struct {
	db *gorm.DB
}

// NewService 创建消息存储服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateConversation 创建对话
func (s *Service) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	conv := &Conversation{Title: req.Title}

	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("序列化对话元数据失败: %w", err)
		}
		conv.Metadata = raw
	}

	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("创建对话失败: %w", err)
	}
	return conv, nil
}

// GetConversation 获取对话
func (s *Service) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("查询对话失败: %w", err)
	}
	return &conv, nil
}

// AppendMessage 追加一条消息并分配序号
// 序号分配与插入在同一事务内完成，保证按对话单调递增且无空洞
func (s *Service) AppendMessage(ctx context.Context, conversationID string, req *AppendMessageRequest) (*Message, error) {
	msg := &Message{
		ConversationID: conversationID,
		SenderLabel:    req.SenderLabel,
		Content:        req.Content,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Conversation{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
			return fmt.Errorf("查询对话失败: %w", err)
		}
		if count == 0 {
			return ErrConversationNotFound
		}

		var maxSeq int64
		row := tx.Model(&Message{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(sequence), 0)").
			Row()
		if err := row.Scan(&maxSeq); err != nil {
			return fmt.Errorf("查询最大序号失败: %w", err)
		}

		msg.Sequence = maxSeq + 1
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("追加消息失败: %w", err)
	}

	return msg, nil
}

// ListMessages 分页查询消息，按序号升序
func (s *Service) ListMessages(ctx context.Context, conversationID string, page *types.PaginationRequest) ([]*Message, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计消息数失败: %w", err)
	}

	var messages []*Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sequence ASC").
		Offset(page.Offset()).
		Limit(page.PageSize).
		Find(&messages).Error; err != nil {
		return nil, 0, fmt.Errorf("查询消息失败: %w", err)
	}

	return messages, total, nil
}

// ListMessagesAfter 查询序号大于 sequence 的全部消息，按序号升序
func (s *Service) ListMessagesAfter(ctx context.Context, conversationID string, sequence int64) ([]*Message, error) {
	var messages []*Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence > ?", conversationID, sequence).
		Order("sequence ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("查询消息失败: %w", err)
	}
	return messages, nil
}

// ListMessagesBetween 查询序号位于 [from, to] 区间的消息，按序号升序
func (s *Service) ListMessagesBetween(ctx context.Context, conversationID string, from, to int64) ([]*Message, error) {
	var messages []*Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence >= ? AND sequence <= ?", conversationID, from, to).
		Order("sequence ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("查询消息区间失败: %w", err)
	}
	return messages, nil
}

// ListRecent 查询最近 limit 条消息，返回时按序号升序
func (s *Service) ListRecent(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var messages []*Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sequence DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("查询最近消息失败: %w", err)
	}

	// 倒序取出后翻转为时间顺序
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountRecent 统计最近消息条数，最多计入 limit 条
func (s *Service) CountRecent(ctx context.Context, conversationID string, limit int) (int, error) {
	var count int64
	sub := s.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ?", conversationID).
		Order("sequence DESC").
		Limit(limit).
		Select("id")
	if err := s.db.WithContext(ctx).Table("(?) AS recent", sub).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("统计最近消息失败: %w", err)
	}
	return int(count), nil
}

// MaxSequence 查询对话当前最大序号, 无消息时返回 0
func (s *Service) MaxSequence(ctx context.Context, conversationID string) (int64, error) {
	var maxSeq int64
	row := s.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(sequence), 0)").
		Row()
	if err := row.Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("查询最大序号失败: %w", err)
	}
	return maxSeq, nil
}
