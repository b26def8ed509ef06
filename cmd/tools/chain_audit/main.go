package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"chatmemory/internal/config"
	"chatmemory/internal/conversation"
	"chatmemory/internal/infra"
	"chatmemory/internal/memory"

	"gorm.io/gorm"
)

// 校验记忆链的离线审计工具:
// 每条链必须从序号 1 开始、区间连续不重叠、状态表与条目一致、
// 覆盖范围不超过对话的实际消息数。提交路径保证这些性质,
// 本工具用于升级或手工修数后的核对。
func main() {
	env := flag.String("env", "dev", "配置环境 dev/prod/test")
	conversationID := flag.String("conversation", "", "仅审计指定对话, 为空则审计全部")
	verbose := flag.Bool("verbose", false, "打印通过审计的对话与条目区间")
	flag.Parse()

	cfg, err := config.Load(*env, "")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	db, err := infra.InitDatabase(&cfg.Database)
	if err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer infra.CloseDatabase()

	ctx := context.Background()

	var conversationIDs []string
	if *conversationID != "" {
		conversationIDs = []string{*conversationID}
	} else {
		if err := db.WithContext(ctx).
			Model(&memory.MemoryEntry{}).
			Distinct("conversation_id").
			Order("conversation_id ASC").
			Pluck("conversation_id", &conversationIDs).Error; err != nil {
			log.Fatalf("查询待审计对话失败: %v", err)
		}
	}

	if len(conversationIDs) == 0 {
		fmt.Println("没有需要审计的记忆链")
		return
	}

	convService := conversation.NewService(db)

	broken := 0
	for _, id := range conversationIDs {
		problems := auditChain(ctx, db, convService, id, *verbose)
		if len(problems) > 0 {
			broken++
			fmt.Printf("[异常] %s\n", id)
			for _, p := range problems {
				fmt.Printf("  - %s\n", p)
			}
		} else if *verbose {
			fmt.Printf("[正常] %s\n", id)
		}
	}

	fmt.Printf("审计完成: 共 %d 条记忆链, %d 条异常\n", len(conversationIDs), broken)
	if broken > 0 {
		os.Exit(1)
	}
}

// auditChain 审计单个对话的记忆链, 返回发现的问题
func auditChain(ctx context.Context, db *gorm.DB, convService *conversation.Service, conversationID string, verbose bool) []string {
	var problems []string

	var entries []memory.MemoryEntry
	if err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("start_message_sequence ASC").
		Find(&entries).Error; err != nil {
		return []string{fmt.Sprintf("查询记忆条目失败: %v", err)}
	}

	if len(entries) == 0 {
		return nil
	}

	if entries[0].StartMessageSequence != 1 {
		problems = append(problems, fmt.Sprintf(
			"首个条目起始序号应为 1, 实际为 %d", entries[0].StartMessageSequence))
	}

	var prevEnd int64
	for i, entry := range entries {
		if verbose {
			fmt.Printf("  条目 %s 覆盖 [%d, %d]\n",
				entry.ID, entry.StartMessageSequence, entry.EndMessageSequence)
		}

		if entry.EndMessageSequence < entry.StartMessageSequence {
			problems = append(problems, fmt.Sprintf(
				"条目 %s 区间非法: [%d, %d]",
				entry.ID, entry.StartMessageSequence, entry.EndMessageSequence))
		}

		expected := int(entry.EndMessageSequence - entry.StartMessageSequence + 1)
		if entry.MessageCount != expected {
			problems = append(problems, fmt.Sprintf(
				"条目 %s 消息数不符: 记录 %d, 区间推算 %d",
				entry.ID, entry.MessageCount, expected))
		}

		if i > 0 {
			switch {
			case entry.StartMessageSequence <= prevEnd:
				problems = append(problems, fmt.Sprintf(
					"条目 %s 与前序条目重叠: start=%d, 前序已覆盖到 %d",
					entry.ID, entry.StartMessageSequence, prevEnd))
			case entry.StartMessageSequence > prevEnd+1:
				problems = append(problems, fmt.Sprintf(
					"条目 %s 与前序条目存在空洞: start=%d, 期望 %d",
					entry.ID, entry.StartMessageSequence, prevEnd+1))
			}
		}
		prevEnd = entry.EndMessageSequence
	}

	// 状态表必须与条目链一致
	var state memory.ConversationMemoryState
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&state).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		problems = append(problems, "存在记忆条目但缺少状态记录")
	case err != nil:
		problems = append(problems, fmt.Sprintf("查询记忆状态失败: %v", err))
	default:
		if state.EntryCount != len(entries) {
			problems = append(problems, fmt.Sprintf(
				"状态条目计数不符: 记录 %d, 实际 %d", state.EntryCount, len(entries)))
		}
		last := entries[len(entries)-1]
		if state.LatestEntryID != last.ID {
			problems = append(problems, fmt.Sprintf(
				"状态最新条目指向 %s, 实际最新为 %s", state.LatestEntryID, last.ID))
		}
	}

	// 记忆链不能覆盖尚不存在的消息
	maxSeq, err := convService.MaxSequence(ctx, conversationID)
	if err != nil {
		problems = append(problems, fmt.Sprintf("查询消息最大序号失败: %v", err))
	} else if prevEnd > maxSeq {
		problems = append(problems, fmt.Sprintf(
			"记忆链覆盖到序号 %d, 但消息最大序号仅为 %d", prevEnd, maxSeq))
	}

	return problems
}
