package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailadmin/backend/internal/monitoring"
)

// Pusher 任务列表写入端，由 redis.Client 实现
type Pusher interface {
	Push(ctx context.Context, key string, values ...interface{}) error
}

// RedisQueue 基于 Redis 列表的任务分发器
type RedisQueue struct {
	client  Pusher
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewRedisQueue 创建 Redis 任务分发器
func NewRedisQueue(client Pusher, metrics *monitoring.Metrics, log *zap.Logger) *RedisQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisQueue{client: client, metrics: metrics, log: log}
}

// Enqueue 把任务追加到队列尾部
func (q *RedisQueue) Enqueue(ctx context.Context, queue, name string, args map[string]string) error {
	task := NewTask(queue, name, args)
	raw, err := task.Encode()
	if err == nil {
		err = q.client.Push(ctx, Key(queue), raw)
	}
	q.metrics.RecordEnqueue(queue, name, err)
	if err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", name, queue, err)
	}

	q.log.Debug("task enqueued",
		zap.String("queue", queue),
		zap.String("task", name),
		zap.String("task_id", task.ID),
	)
	return nil
}
