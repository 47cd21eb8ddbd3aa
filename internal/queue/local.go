package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LocalQueue 进程内任务分发器，任务直接交给消费者的协程池执行。
// 没有配置 Redis 时使用。
type LocalQueue struct {
	consumer *Consumer
}

// NewLocalQueue 创建进程内分发器，consumer 需要先 Start
func NewLocalQueue(consumer *Consumer) *LocalQueue {
	return &LocalQueue{consumer: consumer}
}

// Enqueue 提交任务，协程池队列已满时返回 ErrQueueFull
func (q *LocalQueue) Enqueue(ctx context.Context, queue, name string, args map[string]string) error {
	task := NewTask(queue, name, args)
	accepted := q.consumer.pool.TrySubmit(func() {
		_ = q.consumer.Process(context.WithoutCancel(ctx), task)
	})

	if !accepted {
		q.consumer.metrics.RecordEnqueue(queue, name, ErrQueueFull)
		return fmt.Errorf("enqueue %s on %s: %w", name, queue, ErrQueueFull)
	}
	q.consumer.metrics.RecordEnqueue(queue, name, nil)
	q.consumer.log.Debug("task submitted locally",
		zap.String("queue", queue),
		zap.String("task", name),
		zap.String("task_id", task.ID),
	)
	return nil
}
