package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatmemory/pkg/types"

	"gorm.io/gorm"
)

// 错误定义
var (
	ErrRangeGap     = errors.New("条目区间与前序条目不连续")
	ErrRangeOverlap = errors.New("条目区间与已提交区间重叠")
	ErrInvalidEntry = errors.New("条目字段不合法")
)

// Store 记忆存储
// 条目链仅追加, 提交与状态推进在同一事务内完成
type Store struct {
	db *gorm.DB
}

// NewStore 创建记忆存储
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Commit 原子提交一个记忆条目
// 同一事务内: 校验区间连续性 → 插入条目 → 推进 ConversationMemoryState。
// 任一步失败则整体回滚, 读者永远看不到半成品
func (s *Store) Commit(ctx context.Context, entry *MemoryEntry) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	if entry.ConversationID == "" || entry.Summary == "" {
		return fmt.Errorf("%w: conversation_id 与 summary 不能为空", ErrInvalidEntry)
	}
	if entry.StartMessageSequence < 1 || entry.EndMessageSequence < entry.StartMessageSequence {
		return fmt.Errorf("%w: 非法区间 [%d, %d]", ErrInvalidEntry,
			entry.StartMessageSequence, entry.EndMessageSequence)
	}

	// 派生字段统一在提交时计算
	entry.MessageCount = int(entry.EndMessageSequence - entry.StartMessageSequence + 1)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 以提交时刻的最新条目为准校验连续性
		var latest MemoryEntry
		expectedStart := int64(1)
		err := tx.Where("conversation_id = ?", entry.ConversationID).
			Order("end_message_sequence DESC").
			First(&latest).Error
		switch {
		case err == nil:
			expectedStart = latest.EndMessageSequence + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			// 首个条目, 从 1 开始
		default:
			return fmt.Errorf("查询最新条目失败: %w", err)
		}

		if entry.StartMessageSequence < expectedStart {
			return fmt.Errorf("%w: start=%d, 已覆盖到 %d",
				ErrRangeOverlap, entry.StartMessageSequence, expectedStart-1)
		}
		if entry.StartMessageSequence > expectedStart {
			return fmt.Errorf("%w: start=%d, 期望 %d",
				ErrRangeGap, entry.StartMessageSequence, expectedStart)
		}

		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("写入记忆条目失败: %w", err)
		}

		now := time.Now().UTC()
		var state ConversationMemoryState
		err = tx.Where("conversation_id = ?", entry.ConversationID).First(&state).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			state = ConversationMemoryState{
				ConversationID:  entry.ConversationID,
				LastCompactedAt: &now,
				LatestEntryID:   entry.ID,
				EntryCount:      1,
			}
			if err := tx.Create(&state).Error; err != nil {
				return fmt.Errorf("创建记忆状态失败: %w", err)
			}
		case err != nil:
			return fmt.Errorf("查询记忆状态失败: %w", err)
		default:
			updates := map[string]any{
				"last_compacted_at": &now,
				"latest_entry_id":   entry.ID,
				"entry_count":       state.EntryCount + 1,
			}
			if err := tx.Model(&ConversationMemoryState{}).
				Where("conversation_id = ?", entry.ConversationID).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("更新记忆状态失败: %w", err)
			}
		}

		return nil
	})
}

// GetLatest 获取最新记忆条目, 无条目时返回 (nil, nil)
func (s *Store) GetLatest(ctx context.Context, conversationID string) (*MemoryEntry, error) {
	var entry MemoryEntry
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("end_message_sequence DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询最新记忆条目失败: %w", err)
	}
	return &entry, nil
}

// GetState 获取对话的记忆状态, 从未压缩过时返回 (nil, nil)
func (s *Store) GetState(ctx context.Context, conversationID string) (*ConversationMemoryState, error) {
	var state ConversationMemoryState
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询记忆状态失败: %w", err)
	}
	return &state, nil
}

// ListEntries 分页查询记忆链, 按起始序号升序
func (s *Store) ListEntries(ctx context.Context, conversationID string, page *types.PaginationRequest) ([]*MemoryEntry, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&MemoryEntry{}).
		Where("conversation_id = ?", conversationID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计记忆条目失败: %w", err)
	}

	var entries []*MemoryEntry
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("start_message_sequence ASC").
		Offset(page.Offset()).
		Limit(page.PageSize).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("查询记忆条目失败: %w", err)
	}

	return entries, total, nil
}
