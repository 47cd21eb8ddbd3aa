package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix Redis 中任务列表的键前缀
const KeyPrefix = "mailadmin:queue:"

var (
	// ErrUnknownTask 没有注册对应的任务处理器
	ErrUnknownTask = errors.New("unknown task")
	// ErrQueueFull 本地队列已满
	ErrQueueFull = errors.New("task queue is full")
)

// Task 异步任务
type Task struct {
	ID         string            `json:"id"`
	Queue      string            `json:"queue"`
	Name       string            `json:"name"`
	Args       map[string]string `json:"args"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// NewTask 创建任务
func NewTask(queue, name string, args map[string]string) *Task {
	copied := make(map[string]string, len(args))
	for k, v := range args {
		copied[k] = v
	}
	return &Task{
		ID:         uuid.New().String(),
		Queue:      queue,
		Name:       name,
		Args:       copied,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Identity 任务身份：任务名加排序后的参数。身份相同的任务同一时刻只执行一次。
func (t *Task) Identity() string {
	keys := make([]string, 0, len(t.Args))
	for k := range t.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(t.Name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(t.Args[k])
	}
	return b.String()
}

// Encode 序列化任务
func (t *Task) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", t.Name, err)
	}
	return string(data), nil
}

// Decode 反序列化任务
func Decode(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if t.Name == "" {
		return nil, errors.New("decode task: missing name")
	}
	return &t, nil
}

// Key 返回队列对应的 Redis 键
func Key(queue string) string {
	return KeyPrefix + queue
}

// Handler 任务处理函数
type Handler func(ctx context.Context, args map[string]string) error

// Handlers 任务处理器注册表
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlers 创建处理器注册表
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]Handler)}
}

// Register 注册任务处理器，同名处理器会被替换
func (h *Handlers) Register(name string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = fn
}

// Lookup 查找任务处理器
func (h *Handlers) Lookup(name string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[name]
	return fn, ok
}
