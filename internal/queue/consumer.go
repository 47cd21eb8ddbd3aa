package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"mailadmin/backend/internal/monitoring"
	"mailadmin/backend/internal/pool"
	redisstore "mailadmin/backend/internal/storage/redis"
)

// Source 任务列表读取端，由 redis.Client 实现。超时无数据时返回 redis.ErrEmpty。
type Source interface {
	BlockingPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, err error)
}

// depthSource 可以查询队列长度的任务来源
type depthSource interface {
	Len(ctx context.Context, key string) (int64, error)
}

// ConsumerOptions 消费者配置
type ConsumerOptions struct {
	Queues         []string
	Concurrency    int
	QueueSize      int
	TasksPerSecond float64 // <= 0 表示不限速
	Burst          int
	PollTimeout    time.Duration
	RetryDelay     time.Duration // 读取失败后的等待时间
}

// Consumer 任务消费者
//
// 从队列取出任务，经过限速后交给协程池执行。身份相同的任务在执行期间合并为一次。
type Consumer struct {
	source   Source
	handlers *Handlers
	pool     *pool.WorkerPool
	limiter  *rate.Limiter
	group    singleflight.Group
	metrics  *monitoring.Metrics
	log      *zap.Logger

	queues      []string
	pollTimeout time.Duration
	retryDelay  time.Duration
}

// NewConsumer 创建任务消费者。source 为 nil 时只能配合 LocalQueue 使用。
func NewConsumer(source Source, handlers *Handlers, opts ConsumerOptions, metrics *monitoring.Metrics, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if handlers == nil {
		handlers = NewHandlers()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	limit := rate.Inf
	if opts.TasksPerSecond > 0 {
		limit = rate.Limit(opts.TasksPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(opts.TasksPerSecond)))
	}

	return &Consumer{
		source:      source,
		handlers:    handlers,
		pool:        pool.NewWorkerPool(opts.Concurrency, opts.QueueSize, log),
		limiter:     rate.NewLimiter(limit, burst),
		metrics:     metrics,
		log:         log,
		queues:      opts.Queues,
		pollTimeout: opts.PollTimeout,
		retryDelay:  opts.RetryDelay,
	}
}

// Handlers 返回处理器注册表
func (c *Consumer) Handlers() *Handlers {
	return c.handlers
}

// Start 启动协程池。ctx 取消后已提交的任务仍会执行完。
func (c *Consumer) Start(ctx context.Context) {
	c.pool.Start(context.WithoutCancel(ctx))
}

// Stop 等待已提交的任务执行完毕
func (c *Consumer) Stop() {
	c.pool.Stop()
}

// Run 循环消费队列直到 ctx 取消
func (c *Consumer) Run(ctx context.Context) error {
	if c.source == nil {
		return errors.New("consumer has no task source")
	}
	if len(c.queues) == 0 {
		return errors.New("consumer has no queues")
	}

	keys := make([]string, 0, len(c.queues))
	for _, q := range c.queues {
		keys = append(keys, Key(q))
	}

	c.Start(ctx)
	defer c.Stop()

	c.log.Info("task consumer started", zap.Strings("queues", c.queues))
	for {
		if ctx.Err() != nil {
			c.log.Info("task consumer stopping")
			return nil
		}

		key, raw, err := c.source.BlockingPop(ctx, c.pollTimeout, keys...)
		if errors.Is(err, redisstore.ErrEmpty) {
			for _, q := range c.queues {
				c.metrics.SetQueueDepth(q, 0)
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Error("failed to pop task", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.retryDelay):
			}
			continue
		}

		c.recordDepth(ctx, key)

		task, err := Decode(raw)
		if err != nil {
			c.log.Warn("dropping malformed task", zap.Error(err))
			c.metrics.RecordTask("malformed", 0, err)
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			continue
		}
		if err := c.pool.Submit(ctx, func() { _ = c.Process(ctx, task) }); err != nil {
			c.log.Warn("task dropped on shutdown",
				zap.String("task", task.Name),
				zap.String("task_id", task.ID),
			)
		}
	}
}

func (c *Consumer) recordDepth(ctx context.Context, key string) {
	src, ok := c.source.(depthSource)
	if !ok {
		return
	}
	depth, err := src.Len(ctx, key)
	if err != nil {
		return
	}
	c.metrics.SetQueueDepth(strings.TrimPrefix(key, KeyPrefix), depth)
}

// Process 执行单个任务
func (c *Consumer) Process(ctx context.Context, task *Task) error {
	handler, ok := c.handlers.Lookup(task.Name)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
		c.log.Warn("no handler for task", zap.String("task", task.Name), zap.String("task_id", task.ID))
		c.metrics.RecordTask(task.Name, 0, err)
		return err
	}

	_, err, shared := c.group.Do(task.Identity(), func() (interface{}, error) {
		return nil, c.invoke(ctx, handler, task)
	})
	if shared {
		c.log.Debug("task merged with in-flight duplicate",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
		)
	}
	return err
}

func (c *Consumer) invoke(ctx context.Context, handler Handler, task *Task) (err error) {
	start := time.Now()
	c.metrics.TaskStarted()
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordPanic()
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
		c.metrics.TaskFinished()
		c.metrics.RecordTask(task.Name, time.Since(start), err)

		if err != nil {
			c.log.Error("task failed",
				zap.String("task", task.Name),
				zap.String("task_id", task.ID),
				zap.Any("args", task.Args),
				zap.Error(err),
			)
			return
		}
		c.log.Info("task completed",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	return handler(ctx, task.Args)
}
