package memories

import (
	"errors"
	"net/http"
	"strconv"

	"chatmemory/internal/config"
	"chatmemory/internal/conversation"
	"chatmemory/internal/memory"
	"chatmemory/pkg/types"

	"github.com/gin-gonic/gin"
)

// Handler 记忆 Handler
type Handler struct {
	service    *conversation.Service
	store      *memory.Store
	accountant *memory.Accountant
	evaluator  *memory.Evaluator
	registry   memory.InflightRegistry
	memCfg     config.MemoryConfig
}

// NewHandler 创建 Handler
func NewHandler(service *conversation.Service, store *memory.Store, accountant *memory.Accountant, evaluator *memory.Evaluator, registry memory.InflightRegistry, memCfg config.MemoryConfig) *Handler {
	return &Handler{
		service:    service,
		store:      store,
		accountant: accountant,
		evaluator:  evaluator,
		registry:   registry,
		memCfg:     memCfg,
	}
}

// checkConversation 确认对话存在, 不存在时直接写响应
func (h *Handler) checkConversation(c *gin.Context) bool {
	if _, err := h.service.GetConversation(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "对话不存在"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// GetMemory 获取压缩记忆
// @Summary 获取压缩记忆
// @Description 获取对话的最新记忆条目, all=true 时分页返回全部条目
// @Tags Memory
// @Produce json
// @Param id path string true "对话ID"
// @Param all query bool false "是否返回全部条目"
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]string
// @Router /api/conversations/{id}/memory [get]
func (h *Handler) GetMemory(c *gin.Context) {
	if !h.checkConversation(c) {
		return
	}
	conversationID := c.Param("id")

	if c.Query("all") == "true" {
		page := &types.PaginationRequest{}
		page.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
		page.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
		page.Normalize(20, 100)

		entries, total, err := h.store.ListEntries(c.Request.Context(), conversationID, page)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entries":    entries,
			"pagination": types.NewPaginationResponse(page.Page, page.PageSize, total),
		})
		return
	}

	entry, err := h.store.GetLatest(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entry == nil {
		c.JSON(http.StatusOK, gin.H{"entry": nil, "has_memory": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entry": entry, "has_memory": true})
}

// GetStats 获取 Token 统计
// @Summary 获取 Token 统计
// @Description 获取对话压缩段与原文段的 Token 统计、压缩判定与在途任务状态
// @Tags Memory
// @Produce json
// @Param id path string true "对话ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]string
// @Router /api/conversations/{id}/memory/stats [get]
func (h *Handler) GetStats(c *gin.Context) {
	if !h.checkConversation(c) {
		return
	}

	conversationID := c.Param("id")
	stats, err := h.accountant.ComputeStats(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// 在途状态读取失败按 idle 处理
	inflight, err := h.registry.State(c.Request.Context(), conversationID)
	if err != nil {
		inflight = memory.StateIdle
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":              stats,
		"max_context_tokens": h.memCfg.MaxContextTokens,
		"recent_window_size": h.memCfg.RecentWindowSize,
		"should_compact":     memory.ShouldCompact(stats, h.memCfg.MaxContextTokens, h.memCfg.RecentWindowSize),
		"inflight_state":     inflight,
	})
}

// Compact 手动触发压缩
// @Summary 手动触发压缩
// @Description 立即评估并入队一次压缩任务, 已有任务在途时幂等返回
// @Tags Memory
// @Produce json
// @Param id path string true "对话ID"
// @Success 202 {object} map[string]any
// @Failure 404 {object} map[string]string
// @Router /api/conversations/{id}/memory/compact [post]
func (h *Handler) Compact(c *gin.Context) {
	if !h.checkConversation(c) {
		return
	}

	enqueued, err := h.evaluator.TriggerNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !enqueued {
		c.JSON(http.StatusOK, gin.H{"enqueued": false, "message": "压缩任务已在处理中"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"enqueued": true})
}
