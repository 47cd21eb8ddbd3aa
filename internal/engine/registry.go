package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailadmin/backend/internal/logger"
	"mailadmin/backend/internal/monitoring"
	"mailadmin/backend/internal/storage"
)

// Reactor 在触发变更的事务中同步执行的处理函数
type Reactor func(ctx context.Context, tx storage.Store, ev *Event) error

type namedReactor struct {
	name string
	fn   Reactor
}

// Registry 显式的反应器注册表，按注册顺序执行
type Registry struct {
	reactors map[Kind][]namedReactor
	log      *zap.Logger
	metrics  *monitoring.Metrics
}

// NewRegistry 创建注册表，metrics 可以为 nil
func NewRegistry(log *zap.Logger, metrics *monitoring.Metrics) *Registry {
	return &Registry{
		reactors: make(map[Kind][]namedReactor),
		log:      logger.OrNop(log),
		metrics:  metrics,
	}
}

// On 为事件类型追加一个反应器
func (r *Registry) On(kind Kind, name string, fn Reactor) {
	r.reactors[kind] = append(r.reactors[kind], namedReactor{name: name, fn: fn})
}

// Reactors 返回事件类型已注册的反应器名称
func (r *Registry) Reactors(kind Kind) []string {
	names := make([]string, 0, len(r.reactors[kind]))
	for _, nr := range r.reactors[kind] {
		names = append(names, nr.name)
	}
	return names
}

// Fire 依次执行事件的全部反应器，遇到错误立即返回。
// 调用方负责在事务中调用，错误会让整个事务回滚。
func (r *Registry) Fire(ctx context.Context, tx storage.Store, ev *Event) error {
	start := time.Now()
	defer func() {
		r.metrics.ObserveCascade(string(ev.Kind), time.Since(start))
	}()

	for _, nr := range r.reactors[ev.Kind] {
		fields := logger.Cascade(string(ev.Kind), nr.name, ev.EntityID())

		err := nr.fn(ctx, tx, ev)
		r.metrics.RecordCascade(string(ev.Kind), nr.name, err)
		if err != nil {
			r.log.Error("cascade step failed", append(fields, zap.Error(err))...)
			return fmt.Errorf("%s/%s: %w", ev.Kind, nr.name, err)
		}
		r.log.Debug("cascade step done", fields...)
	}
	return nil
}
