package conversations

import (
	"errors"
	"net/http"
	"strconv"

	"chatmemory/internal/conversation"
	"chatmemory/internal/memory"
	"chatmemory/pkg/types"

	"github.com/gin-gonic/gin"
)

// Handler 对话 Handler
type Handler struct {
	service    *conversation.Service
	assembler  *memory.Assembler
	evaluator  *memory.Evaluator
	windowSize int
}

// NewHandler 创建 Handler
func NewHandler(service *conversation.Service, assembler *memory.Assembler, evaluator *memory.Evaluator, windowSize int) *Handler {
	return &Handler{
		service:    service,
		assembler:  assembler,
		evaluator:  evaluator,
		windowSize: windowSize,
	}
}

// Create 创建对话
// @Summary 创建对话
// @Description 创建新的对话
// @Tags Conversation
// @Accept json
// @Produce json
// @Param request body conversation.CreateConversationRequest true "对话信息"
// @Success 201 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Router /api/conversations [post]
func (h *Handler) Create(c *gin.Context) {
	var req conversation.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.service.CreateConversation(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// Get 获取对话详情
// @Summary 获取对话详情
// @Description 根据ID获取对话详情
// @Tags Conversation
// @Produce json
// @Param id path string true "对话ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]string
// @Router /api/conversations/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	conv, err := h.service.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "对话不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// AppendMessage 追加消息
// @Summary 追加消息
// @Description 向对话追加一条消息并触发压缩评估
// @Tags Conversation
// @Accept json
// @Produce json
// @Param id path string true "对话ID"
// @Param request body conversation.AppendMessageRequest true "消息内容"
// @Success 201 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/conversations/{id}/messages [post]
func (h *Handler) AppendMessage(c *gin.Context) {
	conversationID := c.Param("id")

	var req conversation.AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.service.AppendMessage(c.Request.Context(), conversationID, &req)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "对话不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// 写入成功后通知评估器, 满不满足压缩条件由后台判断
	h.evaluator.Notify(conversationID)

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages 列出消息
// @Summary 列出消息
// @Description 分页获取对话的消息列表
// @Tags Conversation
// @Produce json
// @Param id path string true "对话ID"
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]string
// @Router /api/conversations/{id}/messages [get]
func (h *Handler) ListMessages(c *gin.Context) {
	page := &types.PaginationRequest{}
	page.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	page.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "50"))
	page.Normalize(50, 200)

	msgs, total, err := h.service.ListMessages(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "对话不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages":   msgs,
		"pagination": types.NewPaginationResponse(page.Page, page.PageSize, total),
	})
}

// GetContext 获取组装上下文
// @Summary 获取组装上下文
// @Description 获取压缩记忆与最近消息组装后的提示上下文
// @Tags Conversation
// @Produce json
// @Param id path string true "对话ID"
// @Param window query int false "最近消息窗口大小"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]string
// @Router /api/conversations/{id}/context [get]
func (h *Handler) GetContext(c *gin.Context) {
	conversationID := c.Param("id")

	if _, err := h.service.GetConversation(c.Request.Context(), conversationID); err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "对话不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	window := h.windowSize
	if raw := c.Query("window"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			window = n
		}
	}

	promptCtx := h.assembler.BuildContext(c.Request.Context(), conversationID, window)
	c.JSON(http.StatusOK, gin.H{"context": promptCtx})
}
