package openai

import (
	"context"
	"errors"
	"net"
	"time"

	"chatmemory/pkg/aiinterface"

	openai "github.com/sashabaranov/go-openai"
)

// Client OpenAI 客户端适配器
// DeepSeek、Qwen 等 OpenAI 兼容服务通过 BaseURL 复用本驱动
type Client struct {
	client     *openai.Client
	modelID    string
	maxRetries int
	name       string
}

// NewClient 创建 OpenAI 客户端
func NewClient(config *aiinterface.ClientConfig) (*Client, error) {
	// 验证配置
	if config.APIKey == "" {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeAuth,
			Message: "OpenAI API Key 不能为空",
		}
	}

	// 创建配置
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	// 设置默认值
	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	name := config.Provider
	if name == "" {
		name = "openai"
	}

	return &Client{
		client:     openai.NewClientWithConfig(clientConfig),
		modelID:    config.Model,
		maxRetries: maxRetries,
		name:       name,
	}, nil
}

// ChatCompletion 对话补全（非流式）
func (c *Client) ChatCompletion(ctx context.Context, req *aiinterface.ChatCompletionRequest) (*aiinterface.ChatCompletionResponse, error) {
	// 转换消息格式
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	// 构建请求
	openaiReq := openai.ChatCompletionRequest{
		Model:       c.modelID,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		TopP:        float32(req.TopP),
	}
	if req.ResponseFormat == aiinterface.ResponseFormatJSON {
		openaiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	// 调用 API（带重试）
	var resp openai.ChatCompletionResponse
	var lastErr *aiinterface.ClientError
	for i := 0; i <= c.maxRetries; i++ {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, openaiReq)
		if err == nil {
			lastErr = nil
			break
		}

		// 判断是否可重试
		lastErr = wrapError(err)
		if !lastErr.IsRetryable() {
			break
		}

		// 指数退避, 调用方的超时不能被退避吞掉
		if i < c.maxRetries {
			backoff := time.Duration(1<<uint(i)) * time.Second
			select {
			case <-ctx.Done():
				return nil, wrapError(ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}

	// 转换响应
	if len(resp.Choices) == 0 {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeServerError,
			Message: "API 返回空响应",
		}
	}

	return &aiinterface.ChatCompletionResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: resp.Choices[0].Message.Content,
		Usage: aiinterface.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Name 返回客户端名称
func (c *Client) Name() string {
	return c.name
}

// Close 关闭客户端
func (c *Client) Close() error {
	// OpenAI 客户端无需显式关闭
	return nil
}

// wrapError 包装错误并按状态码归类
func wrapError(err error) *aiinterface.ClientError {
	var clientErr *aiinterface.ClientError
	if errors.As(err, &clientErr) {
		return clientErr
	}

	errType := aiinterface.ErrorTypeUnknown

	var apiErr *openai.APIError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			errType = aiinterface.ErrorTypeAuth
		case apiErr.HTTPStatusCode == 429:
			errType = aiinterface.ErrorTypeRateLimit
		case apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 404 || apiErr.HTTPStatusCode == 422:
			errType = aiinterface.ErrorTypeInvalidParams
		case apiErr.HTTPStatusCode >= 500:
			errType = aiinterface.ErrorTypeServerError
		}
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		errType = aiinterface.ErrorTypeNetwork
	}

	return &aiinterface.ClientError{
		Type:    errType,
		Message: "OpenAI API 错误",
		Err:     err,
	}
}
