package ai

import (
	"fmt"
	"strings"

	"chatmemory/internal/ai/deepseek"
	"chatmemory/internal/ai/openai"
	"chatmemory/internal/config"
	"chatmemory/pkg/aiinterface"
)

// providerEnvKeys Provider 对应的缺省凭证环境变量
var providerEnvKeys = map[string]string{
	"openai":   "OPENAI_API_KEY",
	"deepseek": "DEEPSEEK_API_KEY",
}

// NewModelClient 根据配置创建模型客户端
// 未识别的 Provider 按 OpenAI 兼容协议处理
func NewModelClient(cfg *config.AIConfig) (aiinterface.ModelClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("AI 配置为空")
	}

	clientConfig := &aiinterface.ClientConfig{
		Provider:   cfg.Provider,
		APIKey:     strings.TrimSpace(cfg.APIKey),
		BaseURL:    strings.TrimSpace(cfg.BaseURL),
		Model:      cfg.Model,
		OrgID:      cfg.OrgID,
		MaxRetries: cfg.MaxRetries,
	}

	// 配置未给出密钥时回退到约定的环境变量
	if clientConfig.APIKey == "" {
		if envVar, ok := providerEnvKeys[cfg.Provider]; ok {
			clientConfig.APIKey = getAPIKey(envVar)
		}
	}

	client, err := createClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("创建模型客户端失败: %w", err)
	}
	return client, nil
}

// createClient 按 Provider 选择驱动
func createClient(config *aiinterface.ClientConfig) (aiinterface.ModelClient, error) {
	switch config.Provider {
	case "openai":
		return openai.NewClient(config)
	case "deepseek":
		return deepseek.NewClient(config)
	default:
		// 默认尝试 OpenAI 兼容
		return openai.NewClient(config)
	}
}
