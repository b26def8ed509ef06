// Package cache 摘要结果的硬盘缓存
// 同一批消息的摘要调用是确定性的低温采样, 重复调用只是烧钱;
// 提交失败后的重跑与标记过期后的重复入队都能命中这里
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// 压缩相关常量
const (
	// CompressionThreshold 压缩阈值：超过此大小的草稿才进行压缩（1KB）
	CompressionThreshold = 1024
	// CompressionLevel gzip 压缩级别
	CompressionLevel = gzip.DefaultCompression
)

// SummaryCache 摘要草稿的硬盘缓存
// 独立于业务库的本地 SQLite 文件, 丢失只影响成本不影响正确性
type SummaryCache struct {
	db      *sql.DB
	dbPath  string
	ttl     time.Duration
	maxSize int64

	// 统计指标
	totalRequests int64
	cacheHits     int64
	cacheMisses   int64
	statsMu       sync.RWMutex
}

// Entry 缓存条目
type Entry struct {
	CacheKey       string     `json:"cache_key"`
	Model          string     `json:"model"`
	PromptHash     string     `json:"prompt_hash"`
	Draft          string     `json:"draft"` // 校验通过的草稿 JSON
	TokensUsed     int        `json:"tokens_used"`
	HitCount       int        `json:"hit_count"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// NewSummaryCache 创建摘要缓存
func NewSummaryCache(dbPath string, ttl time.Duration, maxSizeGB int) (*SummaryCache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开缓存数据库失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	// 单文件本地缓存, WAL 模式换取并发读写
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=10000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置数据库参数失败 [%s]: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	cache := &SummaryCache{
		db:      db,
		dbPath:  dbPath,
		ttl:     ttl,
		maxSize: int64(maxSizeGB) * 1024 * 1024 * 1024,
	}

	go cache.cleanupLoop(context.Background())

	return cache, nil
}

// initSchema 初始化表结构
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS summary_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cache_key TEXT NOT NULL UNIQUE,
		model TEXT NOT NULL,
		prompt_hash TEXT NOT NULL,
		draft TEXT NOT NULL,
		tokens_used INTEGER DEFAULT 0,
		hit_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_accessed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME,
		compressed BOOLEAN DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_summary_cache_key ON summary_cache(cache_key);
	CREATE INDEX IF NOT EXISTS idx_summary_cache_expires ON summary_cache(expires_at);
	CREATE INDEX IF NOT EXISTS idx_summary_cache_accessed ON summary_cache(last_accessed_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("初始化缓存表结构失败: %w", err)
	}
	return nil
}

// GenerateCacheKey 生成缓存键
// 键由模型与完整提示词决定: 前文记忆或批次变了键就变, 不存在脏命中
func GenerateCacheKey(model, prompt string) string {
	data := fmt.Sprintf("%s:%s", model, prompt)
	hash := md5.Sum([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Get 读取缓存, 未命中时返回 (nil, nil)
func (c *SummaryCache) Get(ctx context.Context, key string) (*Entry, error) {
	c.statsMu.Lock()
	c.totalRequests++
	c.statsMu.Unlock()

	query := `
		SELECT cache_key, model, prompt_hash, draft, tokens_used,
		       hit_count, created_at, last_accessed_at, expires_at, compressed
		FROM summary_cache
		WHERE cache_key = ? AND (expires_at IS NULL OR expires_at > datetime('now'))
	`

	var entry Entry
	var expiresAt sql.NullTime
	var compressed bool
	var draftData []byte

	err := c.db.QueryRowContext(ctx, query, key).Scan(
		&entry.CacheKey,
		&entry.Model,
		&entry.PromptHash,
		&draftData,
		&entry.TokensUsed,
		&entry.HitCount,
		&entry.CreatedAt,
		&entry.LastAccessedAt,
		&expiresAt,
		&compressed,
	)

	if err == sql.ErrNoRows {
		c.statsMu.Lock()
		c.cacheMisses++
		c.statsMu.Unlock()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询缓存失败: %w", err)
	}

	c.statsMu.Lock()
	c.cacheHits++
	c.statsMu.Unlock()

	if compressed {
		decompressed, err := decompress(draftData)
		if err != nil {
			return nil, fmt.Errorf("解压缓存数据失败: %w", err)
		}
		entry.Draft = string(decompressed)
	} else {
		entry.Draft = string(draftData)
	}

	if expiresAt.Valid {
		entry.ExpiresAt = &expiresAt.Time
	}

	c.incrementHitCount(key)

	return &entry, nil
}

// Set 写入缓存
func (c *SummaryCache) Set(ctx context.Context, entry *Entry) error {
	expiresAt := sql.NullTime{}
	if entry.ExpiresAt != nil {
		expiresAt.Valid = true
		expiresAt.Time = *entry.ExpiresAt
	} else if c.ttl > 0 {
		expiresAt.Valid = true
		expiresAt.Time = time.Now().Add(c.ttl)
	}

	draftData := []byte(entry.Draft)
	compressed := false
	if len(draftData) >= CompressionThreshold {
		if compressedData, err := compress(draftData); err == nil && len(compressedData) < len(draftData) {
			draftData = compressedData
			compressed = true
		}
	}

	query := `
		INSERT INTO summary_cache (
			cache_key, model, prompt_hash, draft, tokens_used, expires_at, compressed
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			draft = excluded.draft,
			tokens_used = excluded.tokens_used,
			compressed = excluded.compressed,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := c.db.ExecContext(ctx, query,
		entry.CacheKey,
		entry.Model,
		entry.PromptHash,
		draftData,
		entry.TokensUsed,
		expiresAt,
		compressed,
	)
	if err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}

	go c.checkAndEvict()

	return nil
}

// incrementHitCount 更新命中计数与访问时间
func (c *SummaryCache) incrementHitCount(key string) {
	query := `
		UPDATE summary_cache
		SET hit_count = hit_count + 1,
		    last_accessed_at = CURRENT_TIMESTAMP
		WHERE cache_key = ?
	`
	_, _ = c.db.Exec(query, key)
}

// Delete 删除缓存条目
func (c *SummaryCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM summary_cache WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("删除缓存失败: %w", err)
	}
	return nil
}

// Clear 清空所有缓存
func (c *SummaryCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM summary_cache"); err != nil {
		return fmt.Errorf("清空缓存失败: %w", err)
	}
	return nil
}

// cleanupLoop 定期清理过期条目
func (c *SummaryCache) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup 删除过期条目并回收空间
func (c *SummaryCache) cleanup() {
	_, _ = c.db.Exec(`
		DELETE FROM summary_cache
		WHERE expires_at IS NOT NULL AND expires_at < datetime('now')
	`)
	_, _ = c.db.Exec("VACUUM")
}

// checkAndEvict 超出容量时按 LRU 淘汰最旧的 10%
func (c *SummaryCache) checkAndEvict() {
	var totalSize int64
	err := c.db.QueryRow(`
		SELECT COALESCE(SUM(length(draft)), 0)
		FROM summary_cache
	`).Scan(&totalSize)
	if err != nil || totalSize < c.maxSize {
		return
	}

	_, _ = c.db.Exec(`
		DELETE FROM summary_cache
		WHERE id IN (
			SELECT id FROM summary_cache
			ORDER BY last_accessed_at ASC
			LIMIT (SELECT COUNT(*) / 10 FROM summary_cache)
		)
	`)
}

// GetStats 获取缓存统计
func (c *SummaryCache) GetStats(ctx context.Context) (map[string]any, error) {
	var stats struct {
		TotalEntries      int
		TotalHits         int64
		TotalSizeKB       int64
		CompressedEntries int
	}

	query := `
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(hit_count), 0) as total_hits,
			COALESCE(SUM(length(draft))/1024, 0) as total_size_kb,
			COALESCE(SUM(CASE WHEN compressed = 1 THEN 1 ELSE 0 END), 0) as compressed_entries
		FROM summary_cache
	`

	err := c.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalEntries,
		&stats.TotalHits,
		&stats.TotalSizeKB,
		&stats.CompressedEntries,
	)
	if err != nil {
		return nil, fmt.Errorf("获取缓存统计失败: %w", err)
	}

	c.statsMu.RLock()
	totalReqs := c.totalRequests
	cacheHits := c.cacheHits
	cacheMisses := c.cacheMisses
	c.statsMu.RUnlock()

	var hitRate float64
	if totalReqs > 0 {
		hitRate = float64(cacheHits) / float64(totalReqs) * 100
	}

	return map[string]any{
		"total_entries":      stats.TotalEntries,
		"total_hits":         stats.TotalHits,
		"total_size_mb":      float64(stats.TotalSizeKB) / 1024,
		"total_requests":     totalReqs,
		"cache_hits":         cacheHits,
		"cache_misses":       cacheMisses,
		"hit_rate_percent":   hitRate,
		"compressed_entries": stats.CompressedEntries,
	}, nil
}

// Close 关闭数据库连接
func (c *SummaryCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// compress 使用 gzip 压缩数据
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("创建gzip写入器失败: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip写入失败: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip关闭失败: %w", err)
	}

	return buf.Bytes(), nil
}

// decompress 解压 gzip 数据
func decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建gzip读取器失败: %w", err)
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip解压失败: %w", err)
	}

	return result, nil
}
