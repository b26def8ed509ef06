package system

import (
	"net/http"
	"strconv"

	"chatmemory/internal/cache"
	"chatmemory/internal/infra/queue"
	"chatmemory/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Handler 系统观测 Handler
type Handler struct {
	inspector    *queue.Inspector
	summaryCache *cache.SummaryCache
	limiter      *middleware.RateLimiter
}

// NewHandler 创建 Handler
// summaryCache 与 limiter 允许为 nil, 对应端点返回 503
func NewHandler(inspector *queue.Inspector, summaryCache *cache.SummaryCache, limiter *middleware.RateLimiter) *Handler {
	return &Handler{
		inspector:    inspector,
		summaryCache: summaryCache,
		limiter:      limiter,
	}
}

// GetQueues 获取任务队列统计
// @Summary 获取任务队列统计
// @Description 读取压缩任务队列的在队/执行中/失败等计数
// @Tags System
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]string
// @Router /api/system/queues [get]
func (h *Handler) GetQueues(c *gin.Context) {
	if h.inspector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "队列观测不可用"})
		return
	}

	snapshots, err := h.inspector.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"queues": snapshots})
}

// ListPendingTasks 列出待执行的压缩任务
// @Summary 列出待执行的压缩任务
// @Description 分页查看指定队列中尚未被工作进程领取的任务
// @Tags System
// @Produce json
// @Param queue query string false "队列名" default(compaction)
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]string
// @Router /api/system/queues/pending [get]
func (h *Handler) ListPendingTasks(c *gin.Context) {
	if h.inspector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "队列观测不可用"})
		return
	}

	queueName := c.DefaultQuery("queue", "compaction")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	tasks, err := h.inspector.ListPending(c.Request.Context(), queueName, page, pageSize)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queue": queueName,
		"tasks": tasks,
		"page":  page,
	})
}

// GetSummaryCacheStats 获取摘要缓存统计
// @Summary 获取摘要缓存统计
// @Description 查看摘要缓存的条目数、命中率与占用空间
// @Tags System
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]string
// @Router /api/system/summary-cache [get]
func (h *Handler) GetSummaryCacheStats(c *gin.Context) {
	if h.summaryCache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "摘要缓存未启用"})
		return
	}

	stats, err := h.summaryCache.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetRateLimitStats 获取 HTTP 限流统计
// @Summary 获取 HTTP 限流统计
// @Description 查看限流器当前跟踪的客户端数与限流配置
// @Tags System
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]string
// @Router /api/system/rate-limit [get]
func (h *Handler) GetRateLimitStats(c *gin.Context) {
	if h.limiter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "限流器未启用"})
		return
	}

	c.JSON(http.StatusOK, h.limiter.GetStats())
}
