package memory

import (
	"fmt"
	"math"
	"unicode/utf8"

	"chatmemory/internal/config"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// conservativeCharsPerToken 估算器初始化失败时的兜底比例
// 取偏小值使估算结果偏大，宁可多算不可少算
const conservativeCharsPerToken = 3.0

// TokenEstimator Token 估算器
// 同一输入必须返回相同结果, 且输入越长结果不减（单调）
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// HeuristicEstimator 启发式估算器
// 按平均字符数折算, 不依赖具体分词器
type HeuristicEstimator struct {
	CharsPerToken float64
}

// NewHeuristicEstimator 创建启发式估算器
func NewHeuristicEstimator(charsPerToken float64) *HeuristicEstimator {
	if charsPerToken <= 0 {
		charsPerToken = conservativeCharsPerToken
	}
	return &HeuristicEstimator{CharsPerToken: charsPerToken}
}

// EstimateTokens 估算文本的 Token 数
func (e *HeuristicEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	return int(math.Ceil(float64(runes) / e.CharsPerToken))
}

// TiktokenEstimator 精确估算器, 基于 tiktoken 分词
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEstimator 创建 tiktoken 估算器
// 模型无对应编码时回退 cl100k_base
func NewTiktokenEstimator(model string) (*TiktokenEstimator, error) {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("初始化 tiktoken 编码失败: %w", err)
		}
	}
	return &TiktokenEstimator{encoding: tkm}, nil
}

// EstimateTokens 估算文本的 Token 数
func (e *TiktokenEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// NewEstimator 按配置创建估算器
// tiktoken 初始化失败时回退到保守的启发式估算（只会高估不会低估）
func NewEstimator(cfg *config.MemoryConfig, model string, log *zap.Logger) TokenEstimator {
	switch cfg.Estimator {
	case "tiktoken":
		est, err := NewTiktokenEstimator(model)
		if err != nil {
			log.Warn("tiktoken 估算器初始化失败, 回退启发式估算",
				zap.String("model", model),
				zap.Error(err),
			)
			return NewHeuristicEstimator(conservativeCharsPerToken)
		}
		return est
	default:
		return NewHeuristicEstimator(cfg.CharsPerToken)
	}
}
