package queue

import (
	"context"
	"fmt"

	"chatmemory/internal/config"

	"github.com/hibiken/asynq"
)

// 工作进程消费的队列, 权重与 worker.Server 的声明一致
var inspectedQueues = []string{"compaction", "default"}

// QueueSnapshot 单个队列的即时统计
type QueueSnapshot struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused"`
}

// PendingTask 待执行任务的摘要信息
type PendingTask struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Queue   string `json:"queue"`
	Payload string `json:"payload"`
	Retried int    `json:"retried"`
}

// Inspector 队列观测器
// 只读访问 asynq 的队列状态, 供运维接口与排障使用
type Inspector struct {
	inspector *asynq.Inspector
}

// NewInspector 创建队列观测器
func NewInspector(cfg config.RedisConfig) *Inspector {
	return &Inspector{
		inspector: asynq.NewInspector(asynq.RedisClientOpt{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// Snapshot 读取压缩相关队列的统计
// 尚未有任务经过的队列在 asynq 中不存在, 静默跳过
func (i *Inspector) Snapshot(ctx context.Context) ([]QueueSnapshot, error) {
	snapshots := make([]QueueSnapshot, 0, len(inspectedQueues))
	for _, q := range inspectedQueues {
		info, err := i.inspector.GetQueueInfo(q)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, QueueSnapshot{
			Queue:     q,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Completed: info.Completed,
			Processed: info.Processed,
			Failed:    info.Failed,
			Paused:    info.Paused,
		})
	}

	if len(snapshots) == 0 {
		return nil, fmt.Errorf("无法读取任何队列信息")
	}
	return snapshots, nil
}

// ListPending 列出指定队列中的待执行任务
func (i *Inspector) ListPending(ctx context.Context, queue string, page, pageSize int) ([]PendingTask, error) {
	infos, err := i.inspector.ListPendingTasks(queue, asynq.PageSize(pageSize), asynq.Page(page))
	if err != nil {
		return nil, fmt.Errorf("查询待执行任务失败: %w", err)
	}

	tasks := make([]PendingTask, 0, len(infos))
	for _, info := range infos {
		tasks = append(tasks, PendingTask{
			ID:      info.ID,
			Type:    info.Type,
			Queue:   info.Queue,
			Payload: string(info.Payload),
			Retried: info.Retried,
		})
	}
	return tasks, nil
}

// Close 关闭观测器
func (i *Inspector) Close() error {
	return i.inspector.Close()
}
