package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。每个实例使用独立的 registry，可以在同一进程中多次创建。
type Metrics struct {
	registry *prometheus.Registry

	// 级联处理指标
	CascadeRuns     *prometheus.CounterVec
	CascadeFailures *prometheus.CounterVec
	CascadeDuration *prometheus.HistogramVec

	// 异步任务指标
	TasksEnqueued  *prometheus.CounterVec
	TasksProcessed *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TasksInFlight  prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec

	// 导入指标
	ImportRows *prometheus.CounterVec

	// 系统指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CascadeRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailadmin_cascade_runs_total",
				Help: "Total number of consistency reactor runs",
			},
			[]string{"event", "reactor"},
		),

		CascadeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailadmin_cascade_failures_total",
				Help: "Total number of failed consistency reactor runs",
			},
			[]string{"event", "reactor"},
		),

		CascadeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailadmin_cascade_duration_seconds",
				Help:    "Consistency reactor duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),

		TasksEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailadmin_tasks_enqueued_total",
				Help: "Total number of async tasks enqueued",
			},
			[]string{"queue", "task", "result"},
		),

		TasksProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailadmin_tasks_processed_total",
				Help: "Total number of async tasks processed",
			},
			[]string{"task", "result"},
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailadmin_task_duration_seconds",
				Help:    "Async task processing duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"task"},
		),

		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailadmin_tasks_in_flight",
				Help: "Number of async tasks being processed",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailadmin_queue_depth",
				Help: "Number of tasks waiting in a queue",
			},
			[]string{"queue"},
		),

		ImportRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailadmin_import_rows_total",
				Help: "Total number of imported rows",
			},
			[]string{"type", "result"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailadmin_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// Registry 返回指标 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCascade 记录一次级联处理
func (m *Metrics) RecordCascade(event, reactor string, err error) {
	if m == nil {
		return
	}
	m.CascadeRuns.WithLabelValues(event, reactor).Inc()
	if err != nil {
		m.CascadeFailures.WithLabelValues(event, reactor).Inc()
	}
}

// ObserveCascade 记录一次事件的整体处理时间
func (m *Metrics) ObserveCascade(event string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CascadeDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordEnqueue 记录任务入队结果
func (m *Metrics) RecordEnqueue(queue, task string, err error) {
	if m == nil {
		return
	}
	m.TasksEnqueued.WithLabelValues(queue, task, result(err)).Inc()
}

// RecordTask 记录任务处理结果
func (m *Metrics) RecordTask(task string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.TasksProcessed.WithLabelValues(task, result(err)).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// TaskStarted 任务开始处理
func (m *Metrics) TaskStarted() {
	if m != nil {
		m.TasksInFlight.Inc()
	}
}

// TaskFinished 任务处理结束
func (m *Metrics) TaskFinished() {
	if m != nil {
		m.TasksInFlight.Dec()
	}
}

// SetQueueDepth 记录队列积压
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	if m != nil {
		m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}

// RecordImportRow 记录一行导入结果
func (m *Metrics) RecordImportRow(objectType string, err error) {
	if m == nil {
		return
	}
	m.ImportRows.WithLabelValues(objectType, result(err)).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m != nil {
		m.PanicsTotal.Inc()
	}
}

// HTTPHandler 返回 /metrics 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
