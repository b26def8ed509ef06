package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Asynq    AsynqConfig    `mapstructure:"asynq"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	AI       AIConfig       `mapstructure:"ai"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	EnableDocs   bool   `mapstructure:"enable_docs"` // 是否开放 swagger 文档路由
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	SQLitePath      string `mapstructure:"sqlite_path"` // driver=sqlite 时的文件路径
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	// 单节点模式配置
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 哨兵模式配置
	MasterName       string   `mapstructure:"master_name"`       // 主节点名称
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`    // 哨兵地址列表
	SentinelPassword string   `mapstructure:"sentinel_password"` // 哨兵密码（可选）

	// 集群模式配置
	ClusterAddrs []string `mapstructure:"cluster_addrs"` // 集群节点地址列表

	// 通用配置
	PoolSize     int `mapstructure:"pool_size"`      // 连接池大小
	MinIdleConns int `mapstructure:"min_idle_conns"` // 最小空闲连接数
}

// AsynqConfig 异步任务队列配置
type AsynqConfig struct {
	Concurrency int `mapstructure:"concurrency"` // 工作协程数
}

// MemoryConfig 对话记忆与上下文压缩配置
type MemoryConfig struct {
	MaxContextTokens      int     `mapstructure:"max_context_tokens"`      // 上下文 Token 预算上限
	CompressedBudgetRatio float64 `mapstructure:"compressed_budget_ratio"` // 摘要占预算的比例
	RecentWindowSize      int     `mapstructure:"recent_window_size"`      // 保留原文的最近消息条数
	Estimator             string  `mapstructure:"estimator"`               // heuristic, tiktoken
	CharsPerToken         float64 `mapstructure:"chars_per_token"`         // 启发式估算的平均字符/Token
	MessageOverheadTokens int     `mapstructure:"message_overhead_tokens"` // 每条消息的固定开销
	SummarizeTimeout      int     `mapstructure:"summarize_timeout"`       // 单次摘要调用超时（秒）
	MaxAttempts           int     `mapstructure:"max_attempts"`            // 摘要失败重试上限
	RetryBaseDelay        int     `mapstructure:"retry_base_delay"`        // 摘要重试的首次退避延迟（秒）, 之后指数递增
	MarkerTTL             int     `mapstructure:"marker_ttl"`              // 在途标记兜底过期时间（秒）
	EvaluatorBuffer       int     `mapstructure:"evaluator_buffer"`        // 触发评估通道容量
	RatePerMinute         float64 `mapstructure:"rate_per_minute"`         // 全局压缩速率限制（次/分钟）
	RateBurst             int     `mapstructure:"rate_burst"`              // 速率限制突发容量
	SummaryCachePath      string  `mapstructure:"summary_cache_path"`      // 摘要缓存 SQLite 路径, 为空则禁用
	SummaryCacheTTL       int     `mapstructure:"summary_cache_ttl"`       // 摘要缓存过期时间（秒）
	SummaryCacheMaxSizeGB int     `mapstructure:"summary_cache_max_size"`  // 摘要缓存容量上限（GB）
}

// AIConfig AI 模型配置
type AIConfig struct {
	Provider    string  `mapstructure:"provider"` // openai 或任意兼容服务
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	OrgID       string  `mapstructure:"org_id"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxRetries  int     `mapstructure:"max_retries"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_DATABASE_HOST

	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Memory.Validate(); err != nil {
		return nil, fmt.Errorf("记忆配置无效: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// setDefaults 设置默认值，配置文件和环境变量可覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("asynq.concurrency", 10)

	v.SetDefault("memory.max_context_tokens", 8000)
	v.SetDefault("memory.compressed_budget_ratio", 0.30)
	v.SetDefault("memory.recent_window_size", 10)
	v.SetDefault("memory.estimator", "heuristic")
	v.SetDefault("memory.chars_per_token", 4.0)
	v.SetDefault("memory.message_overhead_tokens", 4)
	v.SetDefault("memory.summarize_timeout", 8)
	v.SetDefault("memory.max_attempts", 3)
	v.SetDefault("memory.retry_base_delay", 1)
	v.SetDefault("memory.marker_ttl", 600)
	v.SetDefault("memory.evaluator_buffer", 256)
	v.SetDefault("memory.rate_per_minute", 60)
	v.SetDefault("memory.rate_burst", 10)
	v.SetDefault("memory.summary_cache_ttl", 86400)
	v.SetDefault("memory.summary_cache_max_size", 1)

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.temperature", 0.3)
	v.SetDefault("ai.max_retries", 2)
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Addr 获取单节点模式的 Redis 地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate 校验记忆配置的合法性
func (c *MemoryConfig) Validate() error {
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("max_context_tokens 必须大于 0, 当前值: %d", c.MaxContextTokens)
	}
	if c.CompressedBudgetRatio <= 0 || c.CompressedBudgetRatio >= 1 {
		return fmt.Errorf("compressed_budget_ratio 必须位于 (0, 1) 区间, 当前值: %f", c.CompressedBudgetRatio)
	}
	if c.RecentWindowSize <= 0 {
		return fmt.Errorf("recent_window_size 必须大于 0, 当前值: %d", c.RecentWindowSize)
	}
	if c.Estimator != "heuristic" && c.Estimator != "tiktoken" {
		return fmt.Errorf("不支持的估算器类型: %s (可选: heuristic, tiktoken)", c.Estimator)
	}
	if c.CharsPerToken <= 0 {
		return fmt.Errorf("chars_per_token 必须大于 0, 当前值: %f", c.CharsPerToken)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts 必须至少为 1, 当前值: %d", c.MaxAttempts)
	}
	return nil
}

// SummaryTokenCeiling 摘要的 Token 上限（软限制）
func (c *MemoryConfig) SummaryTokenCeiling() int {
	return int(float64(c.MaxContextTokens) * c.CompressedBudgetRatio)
}
