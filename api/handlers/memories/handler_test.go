package memories

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatmemory/internal/config"
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

type memHandlerEnv struct {
	router   *gin.Engine
	svc      *conversation.Service
	store    *memory.Store
	registry *memory.MemoryInflightRegistry
	enqueuer *stubEnqueuer
}

func setupMemHandler(t *testing.T) *memHandlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:mem_handler_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	memCfg := config.MemoryConfig{
		MaxContextTokens:      8000,
		CompressedBudgetRatio: 0.3,
		RecentWindowSize:      10,
		Estimator:             "heuristic",
		CharsPerToken:         4.0,
	}

	accountant := memory.NewAccountant(estimator, svc, store, 4)
	registry := memory.NewMemoryInflightRegistry(time.Minute)
	enqueuer := &stubEnqueuer{}
	evaluator := memory.NewEvaluator(accountant, registry, nil, enqueuer, memory.EvaluatorConfig{
		MaxContextTokens: memCfg.MaxContextTokens,
		RecentWindowSize: memCfg.RecentWindowSize,
	}, log)

	h := NewHandler(svc, store, accountant, evaluator, registry, memCfg)
	router := gin.New()
	group := router.Group("/api/conversations")
	{
		group.GET("/:id/memory", h.GetMemory)
		group.GET("/:id/memory/stats", h.GetStats)
		group.POST("/:id/memory/compact", h.Compact)
	}

	return &memHandlerEnv{
		router:   router,
		svc:      svc,
		store:    store,
		registry: registry,
		enqueuer: enqueuer,
	}
}

func (e *memHandlerEnv) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, &bytes.Buffer{})
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *memHandlerEnv) seedConversation(t *testing.T, messageCount int) string {
	t.Helper()
	ctx := context.Background()

	conv, err := e.svc.CreateConversation(ctx, &conversation.CreateConversationRequest{Title: "记忆接口测试"})
	require.NoError(t, err)
	for i := 1; i <= messageCount; i++ {
		_, err := e.svc.AppendMessage(ctx, conv.ID, &conversation.AppendMessageRequest{
			SenderLabel: "小明",
			Content:     fmt.Sprintf("这是第 %d 条消息", i),
		})
		require.NoError(t, err)
	}
	return conv.ID
}

func TestGetMemoryHTTP(t *testing.T) {
	env := setupMemHandler(t)
	ctx := context.Background()

	convID := env.seedConversation(t, 3)

	// 从未压缩过
	w := env.do(http.MethodGet, "/api/conversations/"+convID+"/memory")
	require.Equal(t, http.StatusOK, w.Code)

	var emptyResp struct {
		HasMemory bool        `json:"has_memory"`
		Entry     interface{} `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &emptyResp))
	assert.False(t, emptyResp.HasMemory)
	assert.Nil(t, emptyResp.Entry)

	// 提交条目后返回最新记忆
	entry := &memory.MemoryEntry{
		ConversationID:       convID,
		Summary:              "小明连发了三条消息。",
		StartMessageSequence: 1,
		EndMessageSequence:   2,
	}
	require.NoError(t, entry.SetKeyEvents([]memory.KeyEvent{
		{Description: "开始聊天", Participants: []string{"小明"}, Importance: memory.ImportanceLow},
	}))
	require.NoError(t, env.store.Commit(ctx, entry))

	w = env.do(http.MethodGet, "/api/conversations/"+convID+"/memory")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		HasMemory bool               `json:"has_memory"`
		Entry     memory.MemoryEntry `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.HasMemory)
	assert.Equal(t, "小明连发了三条消息。", resp.Entry.Summary)
	assert.Equal(t, int64(2), resp.Entry.EndMessageSequence)

	// all=true 分页返回完整记忆链
	w = env.do(http.MethodGet, "/api/conversations/"+convID+"/memory?all=true")
	require.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Entries    []memory.MemoryEntry `json:"entries"`
		Pagination struct {
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Entries, 1)
	assert.Equal(t, int64(1), listResp.Pagination.Total)

	// 对话不存在
	w = env.do(http.MethodGet, "/api/conversations/no-such-id/memory")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStatsHTTP(t *testing.T) {
	env := setupMemHandler(t)
	ctx := context.Background()

	convID := env.seedConversation(t, 4)

	w := env.do(http.MethodGet, "/api/conversations/"+convID+"/memory/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Stats struct {
			TotalTokens        int `json:"total_tokens"`
			RecentMessageCount int `json:"recent_message_count"`
		} `json:"stats"`
		MaxContextTokens int    `json:"max_context_tokens"`
		ShouldCompact    bool   `json:"should_compact"`
		InflightState    string `json:"inflight_state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Greater(t, resp.Stats.TotalTokens, 0)
	assert.Equal(t, 4, resp.Stats.RecentMessageCount)
	assert.Equal(t, 8000, resp.MaxContextTokens)
	assert.False(t, resp.ShouldCompact)
	assert.Equal(t, "idle", resp.InflightState)

	// 在途标记被持有时状态可见
	acquired, err := env.registry.TryAcquire(ctx, convID)
	require.NoError(t, err)
	require.True(t, acquired)

	w = env.do(http.MethodGet, "/api/conversations/"+convID+"/memory/stats")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.InflightState)
}

func TestCompactHTTP(t *testing.T) {
	env := setupMemHandler(t)

	convID := env.seedConversation(t, 3)

	// 首次触发入队
	w := env.do(http.MethodPost, "/api/conversations/"+convID+"/memory/compact")
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Enqueued bool `json:"enqueued"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Enqueued)
	require.Len(t, env.enqueuer.calls, 1)
	assert.Equal(t, convID, env.enqueuer.calls[0])

	// 标记在途期间重复触发是幂等的
	w = env.do(http.MethodPost, "/api/conversations/"+convID+"/memory/compact")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Enqueued)
	assert.Len(t, env.enqueuer.calls, 1)

	// 对话不存在
	w = env.do(http.MethodPost, "/api/conversations/no-such-id/memory/compact")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
