package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmemory_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatmemory_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets, // 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10
		},
		[]string{"method", "path"},
	)

	// APIRequestSize API 请求体大小（字节）
	APIRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatmemory_api_request_size_bytes",
			Help:    "API 请求体大小分布",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6), // 100B ~ 10MB
		},
		[]string{"method", "path"},
	)

	// APIResponseSize API 响应体大小（字节）
	APIResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatmemory_api_response_size_bytes",
			Help:    "API 响应体大小分布",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6), // 100B ~ 10MB
		},
		[]string{"method", "path"},
	)
)

// 压缩流水线指标
var (
	// CompactionEnqueuedTotal 成功入队的压缩任务数
	CompactionEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmemory_compaction_enqueued_total",
			Help: "压缩任务入队总数",
		},
	)

	// CompactionThrottledTotal 被限流推迟的压缩触发数
	CompactionThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmemory_compaction_throttled_total",
			Help: "被限流推迟的压缩触发总数",
		},
	)

	// EvaluatorDroppedTotal 评估通道满载丢弃的通知数
	EvaluatorDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmemory_evaluator_dropped_total",
			Help: "评估通道满载丢弃的触发通知总数",
		},
	)

	// CompactionJobsTotal 压缩任务执行总数
	CompactionJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmemory_compaction_jobs_total",
			Help: "压缩任务执行总数",
		},
		[]string{"outcome"}, // outcome: success, abandoned, empty
	)

	// CompactionJobDuration 压缩任务耗时（秒）
	CompactionJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatmemory_compaction_job_duration_seconds",
			Help:    "压缩任务耗时分布",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	// CompactionBatchSize 单次压缩折叠的消息条数
	CompactionBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatmemory_compaction_batch_size",
			Help:    "单次压缩折叠的消息条数分布",
			Buckets: []float64{10, 25, 50, 100, 200, 500},
		},
	)

	// CompactionRetriesTotal 摘要重试次数
	CompactionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmemory_compaction_retries_total",
			Help: "摘要失败后的重试总数",
		},
	)

	// CompactionRunning 正在执行的压缩任务数
	CompactionRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmemory_compaction_running",
			Help: "正在执行的压缩任务数",
		},
	)

	// SummaryTokens 摘要 Token 数
	SummaryTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatmemory_summary_tokens",
			Help:    "生成摘要的 Token 估算分布",
			Buckets: []float64{200, 500, 1000, 1500, 2400, 4000, 8000},
		},
	)

	// SummaryOverCeilingTotal 超出 Token 上限的摘要数（软限制质量信号）
	SummaryOverCeilingTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmemory_summary_over_ceiling_total",
			Help: "超出 Token 上限仍被接受的摘要总数",
		},
	)

	// SummaryCacheTotal 摘要缓存查询结果
	SummaryCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmemory_summary_cache_total",
			Help: "摘要缓存查询总数",
		},
		[]string{"result"}, // result: hit, miss
	)
)

// AI 模型调用指标
var (
	// ModelCallsTotal 模型调用总数
	ModelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmemory_model_calls_total",
			Help: "AI 模型调用总数",
		},
		[]string{"provider", "model", "status"},
	)

	// ModelCallDuration 模型调用耗时（秒）
	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatmemory_model_call_duration_seconds",
			Help:    "AI 模型调用耗时分布",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "model"},
	)

	// ModelCallTokens 模型调用 Token 数量
	ModelCallTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmemory_model_call_tokens_total",
			Help: "AI 模型调用 Token 总数",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)
)

// 数据库指标
var (
	// DBConnections 数据库连接数
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatmemory_db_connections",
			Help: "数据库连接数",
		},
		[]string{"state"}, // state: open, in_use, idle
	)
)

// 系统指标
var (
	// BuildInfo 构建信息
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatmemory_build_info",
			Help: "ChatMemory 构建信息",
		},
		[]string{"version", "go_version", "commit"},
	)
)

// RecordBuildInfo 记录构建信息
func RecordBuildInfo(version, goVersion, commit string) {
	BuildInfo.WithLabelValues(version, goVersion, commit).Set(1)
}
