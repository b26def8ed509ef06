package conversations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatmemory/internal/conversation"
	"chatmemory/internal/memory"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type stubEnqueuer struct {
	calls []string
}

func (s *stubEnqueuer) EnqueueCompaction(conversationID string) error {
	s.calls = append(s.calls, conversationID)
	return nil
}

type convHandlerEnv struct {
	router *gin.Engine
	svc    *conversation.Service
	store  *memory.Store
}

func setupConvHandler(t *testing.T) *convHandlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:conv_handler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err, "打开测试数据库失败")
	require.NoError(t, db.AutoMigrate(
		&conversation.Conversation{},
		&conversation.Message{},
		&memory.MemoryEntry{},
		&memory.ConversationMemoryState{},
	), "迁移测试表失败")

	svc := conversation.NewService(db)
	store := memory.NewStore(db)
	estimator := memory.NewHeuristicEstimator(4.0)
	log := zaptest.NewLogger(t)

	assembler := memory.NewAssembler(store, svc, estimator, log)
	accountant := memory.NewAccountant(estimator, svc, store, 4)
	registry := memory.NewMemoryInflightRegistry(time.Minute)
	evaluator := memory.NewEvaluator(accountant, registry, nil, &stubEnqueuer{}, memory.EvaluatorConfig{
		MaxContextTokens: 8000,
		RecentWindowSize: 10,
	}, log)

	h := NewHandler(svc, assembler, evaluator, 10)
	router := gin.New()
	group := router.Group("/api/conversations")
	{
		group.POST("", h.Create)
		group.GET("/:id", h.Get)
		group.POST("/:id/messages", h.AppendMessage)
		group.GET("/:id/messages", h.ListMessages)
		group.GET("/:id/context", h.GetContext)
	}

	return &convHandlerEnv{router: router, svc: svc, store: store}
}

func (e *convHandlerEnv) do(method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestCreateConversationHTTP(t *testing.T) {
	env := setupConvHandler(t)

	w := env.do(http.MethodPost, "/api/conversations", `{"title":"周末出行计划"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Conversation conversation.Conversation `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Conversation.ID)
	assert.Equal(t, "周末出行计划", resp.Conversation.Title)

	// 非法 JSON 返回 400
	w = env.do(http.MethodPost, "/api/conversations", `{invalid`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetConversationHTTP(t *testing.T) {
	env := setupConvHandler(t)
	ctx := context.Background()

	conv, err := env.svc.CreateConversation(ctx, &conversation.CreateConversationRequest{Title: "测试对话"})
	require.NoError(t, err)

	w := env.do(http.MethodGet, "/api/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/conversations/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAppendMessageHTTP(t *testing.T) {
	env := setupConvHandler(t)
	ctx := context.Background()

	conv, err := env.svc.CreateConversation(ctx, &conversation.CreateConversationRequest{})
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		`{"sender_label":"小明","content":"我们周末去爬山吧"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Message conversation.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Message.Sequence)
	assert.Equal(t, "小明", resp.Message.SenderLabel)

	// 序号按对话递增
	w = env.do(http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		`{"sender_label":"小红","content":"好啊，周六早上出发"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Message.Sequence)

	// 对话不存在
	w = env.do(http.MethodPost, "/api/conversations/no-such-id/messages",
		`{"sender_label":"小明","content":"测试"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 缺少必填字段
	w = env.do(http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		`{"sender_label":"小明"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListMessagesHTTP(t *testing.T) {
	env := setupConvHandler(t)
	ctx := context.Background()

	conv, err := env.svc.CreateConversation(ctx, &conversation.CreateConversationRequest{})
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := env.svc.AppendMessage(ctx, conv.ID, &conversation.AppendMessageRequest{
			SenderLabel: "小明",
			Content:     fmt.Sprintf("第 %d 条", i),
		})
		require.NoError(t, err)
	}

	w := env.do(http.MethodGet, "/api/conversations/"+conv.ID+"/messages?page=2&page_size=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Messages   []conversation.Message `json:"messages"`
		Pagination struct {
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(3), resp.Messages[0].Sequence)
	assert.Equal(t, int64(4), resp.Messages[1].Sequence)
	assert.Equal(t, int64(5), resp.Pagination.Total)
}

func TestGetContextHTTP(t *testing.T) {
	env := setupConvHandler(t)
	ctx := context.Background()

	conv, err := env.svc.CreateConversation(ctx, &conversation.CreateConversationRequest{})
	require.NoError(t, err)
	for _, content := range []string{"我们周末去爬山吧", "好啊，周六早上出发", "我来带水和零食"} {
		_, err := env.svc.AppendMessage(ctx, conv.ID, &conversation.AppendMessageRequest{
			SenderLabel: "小明",
			Content:     content,
		})
		require.NoError(t, err)
	}

	var resp struct {
		Context struct {
			HasMemory       bool   `json:"has_memory"`
			RecentCount     int    `json:"recent_count"`
			EstimatedTokens int    `json:"estimated_tokens"`
			Text            string `json:"text"`
		} `json:"context"`
	}

	// 未压缩过: 仅最近消息段
	w := env.do(http.MethodGet, "/api/conversations/"+conv.ID+"/context", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Context.HasMemory)
	assert.Equal(t, 3, resp.Context.RecentCount)
	assert.Contains(t, resp.Context.Text, "### 最近消息")
	assert.Contains(t, resp.Context.Text, "我们周末去爬山吧")
	assert.Greater(t, resp.Context.EstimatedTokens, 0)

	// 提交一个记忆条目后: 摘要段在前
	entry := &memory.MemoryEntry{
		ConversationID:       conv.ID,
		Summary:              "小明提议周末去爬山。",
		StartMessageSequence: 1,
		EndMessageSequence:   2,
	}
	require.NoError(t, entry.SetKeyEvents(nil))
	require.NoError(t, env.store.Commit(ctx, entry))

	w = env.do(http.MethodGet, "/api/conversations/"+conv.ID+"/context", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Context.HasMemory)
	assert.Contains(t, resp.Context.Text, "### 对话历史摘要")
	assert.Contains(t, resp.Context.Text, "小明提议周末去爬山。")

	// 对话不存在
	w = env.do(http.MethodGet, "/api/conversations/no-such-id/context", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
