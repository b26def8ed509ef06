package ai

import (
	"context"
	"encoding/json"
	"time"

	"chatmemory/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CallLogRecord ai_call_logs 表模型
type CallLogRecord struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string         `gorm:"type:varchar(36);index" json:"conversation_id"`
	Purpose        string         `gorm:"type:varchar(50);index" json:"purpose"`
	ModelProvider  string         `gorm:"type:varchar(50)" json:"model_provider"`
	ModelName      string         `gorm:"type:varchar(100)" json:"model_name"`
	RequestTokens  int            `gorm:"default:0" json:"request_tokens"`
	ResponseTokens int            `gorm:"default:0" json:"response_tokens"`
	TotalTokens    int            `gorm:"default:0" json:"total_tokens"`
	LatencyMS      int64          `gorm:"default:0" json:"latency_ms"`
	Status         string         `gorm:"type:varchar(20)" json:"status"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message"`
	Metadata       datatypes.JSON `gorm:"type:jsonb" json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TableName 指定表名
func (CallLogRecord) TableName() string {
	return "ai_call_logs"
}

// DBLogger 模型调用日志落库
// 写入失败只记录日志, 不影响主流程
type DBLogger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDBLogger 创建数据库日志记录器
func NewDBLogger(db *gorm.DB, log *zap.Logger) *DBLogger {
	return &DBLogger{db: db, logger: log}
}

// Record 记录一次模型调用
func (l *DBLogger) Record(ctx context.Context, log *types.AICallLog) {
	record := &CallLogRecord{
		ID:             log.ID,
		ConversationID: log.ConversationID,
		Purpose:        log.Purpose,
		ModelProvider:  log.ModelProvider,
		ModelName:      log.ModelName,
		RequestTokens:  log.RequestTokens,
		ResponseTokens: log.ResponseTokens,
		TotalTokens:    log.TotalTokens,
		LatencyMS:      log.LatencyMS,
		Status:         log.Status,
		ErrorMessage:   log.ErrorMessage,
		CreatedAt:      log.CreatedAt,
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if len(log.Metadata) > 0 {
		if data, err := json.Marshal(log.Metadata); err == nil {
			record.Metadata = data
		}
	}

	if err := l.db.WithContext(ctx).Create(record).Error; err != nil {
		l.logger.Warn("AI 调用日志写入失败",
			zap.String("conversation_id", record.ConversationID),
			zap.String("purpose", record.Purpose),
			zap.Error(err),
		)
	}
}
