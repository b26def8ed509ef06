package api

import (
	"time"

	_ "chatmemory/api/docs"
	"chatmemory/api/handlers/conversations"
	"chatmemory/api/handlers/memories"
	"chatmemory/api/handlers/system"
	"chatmemory/internal/ai"
	"chatmemory/internal/cache"
	"chatmemory/internal/config"
	"chatmemory/internal/conversation"
	"chatmemory/internal/infra"
	"chatmemory/internal/infra/queue"
	"chatmemory/internal/logger"
	"chatmemory/internal/memory"
	"chatmemory/internal/metrics"
	middlewarepkg "chatmemory/internal/middleware"
	"chatmemory/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupRouter 设置并返回 Gin 路由、Worker 服务器与压缩评估器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server, *memory.Evaluator) {
	router := gin.New()

	// 统一归一化 Redis 配置，优先使用 cfg.Redis，再回退到环境变量
	redisCfg := normalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg

	// 初始化队列客户端
	queueClient := queue.NewClient(redisCfg)

	// 初始化 Redis 客户端（跨进程在途标记）
	redisClient, err := infra.InitRedis(&redisCfg)
	if err != nil {
		logger.Warn("Redis 不可用，在途标记将退回进程内实现", zap.Error(err))
		redisClient = nil
	}

	// Token 估算器与消息/记忆存储
	estimator := memory.NewEstimator(&cfg.Memory, cfg.AI.Model, logger.Get())
	convService := conversation.NewService(db)
	store := memory.NewStore(db)
	accountant := memory.NewAccountant(estimator, convService, store, cfg.Memory.MessageOverheadTokens)
	assembler := memory.NewAssembler(store, convService, estimator, logger.Get())

	// AI 模型客户端与调用日志
	modelClient, err := ai.NewModelClient(&cfg.AI)
	if err != nil {
		logger.Fatal("初始化模型客户端失败", zap.Error(err))
	}
	callLogger := ai.NewDBLogger(db, logger.Get())

	// 摘要缓存（可选）
	var summaryCache *cache.SummaryCache
	if cfg.Memory.SummaryCachePath != "" {
		summaryCache, err = cache.NewSummaryCache(
			cfg.Memory.SummaryCachePath,
			time.Duration(cfg.Memory.SummaryCacheTTL)*time.Second,
			cfg.Memory.SummaryCacheMaxSizeGB,
		)
		if err != nil {
			logger.Warn("摘要缓存初始化失败，本次运行不启用", zap.Error(err))
			summaryCache = nil
		}
	}

	// 增量摘要器
	summarizer := memory.NewSummarizer(modelClient, estimator, memory.SummarizerConfig{
		Model:               cfg.AI.Model,
		Temperature:         cfg.AI.Temperature,
		SummaryTokenCeiling: cfg.Memory.SummaryTokenCeiling(),
		Timeout:             time.Duration(cfg.Memory.SummarizeTimeout) * time.Second,
	}, callLogger, summaryCache, logger.Get())

	// 在途标记：Redis 可用时跨进程共享，否则退回进程内实现
	markerTTL := time.Duration(cfg.Memory.MarkerTTL) * time.Second
	var registry memory.InflightRegistry
	if redisClient != nil {
		registry = memory.NewRedisInflightRegistry(redisClient, markerTTL)
	} else {
		registry = memory.NewMemoryInflightRegistry(markerTTL)
	}

	// 全局压缩速率限制
	limiter := memory.NewRateLimiter(cfg.Memory.RatePerMinute, cfg.Memory.RateBurst)

	// 压缩评估器（消息写入后异步判断是否入队）
	evaluator := memory.NewEvaluator(accountant, registry, limiter, queueClient, memory.EvaluatorConfig{
		MaxContextTokens: cfg.Memory.MaxContextTokens,
		RecentWindowSize: cfg.Memory.RecentWindowSize,
		BufferSize:       cfg.Memory.EvaluatorBuffer,
	}, logger.Get())
	evaluator.Start()

	// 压缩执行器（Worker 侧流水线）
	compactor := memory.NewCompactor(store, convService, summarizer, registry, memory.CompactorConfig{
		RecentWindowSize: cfg.Memory.RecentWindowSize,
		MaxAttempts:      cfg.Memory.MaxAttempts,
		RetryBaseDelay:   time.Duration(cfg.Memory.RetryBaseDelay) * time.Second,
	}, logger.Get())

	// HTTP 限流器（按 IP 全局 + 按对话的写入限流）
	httpLimiter := middlewarepkg.NewRateLimiter(nil)

	// 队列观测
	inspector := queue.NewInspector(redisCfg)

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(middlewarepkg.RateLimitMiddleware(httpLimiter))

	// Prometheus 指标收集中间件
	router.Use(metrics.PrometheusMiddleware())

	// 公开端点
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger 文档（按配置开放）
	if cfg.Server.EnableDocs {
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// 初始化 Handlers
	convHandler := conversations.NewHandler(convService, assembler, evaluator, cfg.Memory.RecentWindowSize)
	memoryHandler := memories.NewHandler(convService, store, accountant, evaluator, registry, cfg.Memory)
	systemHandler := system.NewHandler(inspector, summaryCache, httpLimiter)

	// 路由注册器，方便同时挂载 /api 与 /api/v1
	registerAPIRoutes := func(apiGroup *gin.RouterGroup) {
		convGroup := apiGroup.Group("/conversations")
		{
			convGroup.POST("", convHandler.Create)
			convGroup.GET("/:id", convHandler.Get)
			convGroup.POST("/:id/messages", middlewarepkg.RateLimitByConversation(httpLimiter), convHandler.AppendMessage)
			convGroup.GET("/:id/messages", convHandler.ListMessages)
			convGroup.GET("/:id/context", convHandler.GetContext)

			// 压缩记忆 API（挂载在对话下）
			convGroup.GET("/:id/memory", memoryHandler.GetMemory)
			convGroup.GET("/:id/memory/stats", memoryHandler.GetStats)
			convGroup.POST("/:id/memory/compact", middlewarepkg.RateLimitByConversation(httpLimiter), memoryHandler.Compact)
		}

		systemGroup := apiGroup.Group("/system")
		{
			systemGroup.GET("/queues", systemHandler.GetQueues)
			systemGroup.GET("/queues/pending", systemHandler.ListPendingTasks)
			systemGroup.GET("/summary-cache", systemHandler.GetSummaryCacheStats)
			systemGroup.GET("/rate-limit", systemHandler.GetRateLimitStats)
		}
	}

	// 主 API 组（向后兼容）
	api := router.Group("/api")
	registerAPIRoutes(api)

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	registerAPIRoutes(apiV1)

	// 初始化 Worker 服务器
	workerServer := worker.NewServer(redisCfg, cfg.Asynq, compactor, logger.Get())

	return router, workerServer, evaluator
}
