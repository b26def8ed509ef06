package metrics

import (
	"database/sql"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SystemCollector 系统指标收集器
type SystemCollector struct {
	db *sql.DB
}

// NewSystemCollector 创建系统指标收集器
func NewSystemCollector(db *sql.DB) *SystemCollector {
	collector := &SystemCollector{
		db: db,
	}

	// 启动定期收集
	go collector.collectPeriodically()

	return collector
}

// collectPeriodically 定期收集系统指标
func (c *SystemCollector) collectPeriodically() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		c.collectOnce()
	}
}

// collectOnce 收集一次系统指标
func (c *SystemCollector) collectOnce() {
	// 收集数据库连接数
	if c.db != nil {
		c.collectDBStats()
	}

	// 收集 Go 运行时指标（内存、goroutine）
	c.collectRuntimeStats()
}

// collectDBStats 收集数据库统计信息
func (c *SystemCollector) collectDBStats() {
	stats := c.db.Stats()

	// 更新数据库连接指标
	DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
}

// collectRuntimeStats 收集 Go 运行时统计信息
func (c *SystemCollector) collectRuntimeStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	// 记录内存指标
	goMemoryUsage.Set(float64(m.Alloc))
	goMemoryTotal.Set(float64(m.TotalAlloc))
	goMemorySys.Set(float64(m.Sys))

	// 记录 Goroutine 数量
	goGoroutines.Set(float64(runtime.NumGoroutine()))

	// 记录 GC 信息
	goGCCount.Set(float64(m.NumGC))
}

// Go 运行时指标
var (
	// goMemoryUsage 当前内存使用量（字节）
	goMemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmemory_go_memory_usage_bytes",
			Help: "当前 Go 内存使用量",
		},
	)

	// goMemoryTotal 累计内存分配量（字节）
	goMemoryTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmemory_go_memory_total_bytes",
			Help: "累计 Go 内存分配量",
		},
	)

	// goMemorySys 系统内存占用（字节）
	goMemorySys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmemory_go_memory_sys_bytes",
			Help: "Go 从系统获取的内存",
		},
	)

	// goGoroutines Goroutine 数量
	goGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmemory_go_goroutines",
			Help: "当前 Goroutine 数量",
		},
	)

	// goGCCount GC 执行次数
	goGCCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmemory_go_gc_count",
			Help: "GC 执行总次数",
		},
	)
)

// RecordCompactionJob 记录压缩任务指标
// 包装任务执行函数，在任务前后维护运行中计数、耗时与结果计数
func RecordCompactionJob(fn func() (outcome string, err error)) error {
	// 增加运行中计数
	CompactionRunning.Inc()
	defer CompactionRunning.Dec()

	// 记录开始时间
	start := time.Now()

	// 执行任务
	outcome, err := fn()

	// 记录耗时
	duration := time.Since(start).Seconds()
	CompactionJobDuration.Observe(duration)

	// 记录执行结果
	if outcome == "" {
		outcome = "abandoned"
	}
	CompactionJobsTotal.WithLabelValues(outcome).Inc()

	return err
}

