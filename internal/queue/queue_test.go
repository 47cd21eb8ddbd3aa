package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailadmin/backend/internal/monitoring"
	redisstore "mailadmin/backend/internal/storage/redis"
)

// listStore 模拟 Redis 列表
type listStore struct {
	mu    sync.Mutex
	lists map[string][]string
	ready chan struct{}
}

func newListStore() *listStore {
	return &listStore{lists: map[string][]string{}, ready: make(chan struct{}, 100)}
}

func (s *listStore) Push(_ context.Context, key string, values ...interface{}) error {
	s.mu.Lock()
	for _, v := range values {
		s.lists[key] = append(s.lists[key], v.(string))
	}
	s.mu.Unlock()
	s.ready <- struct{}{}
	return nil
}

func (s *listStore) BlockingPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		for _, key := range keys {
			if items := s.lists[key]; len(items) > 0 {
				s.lists[key] = items[1:]
				s.mu.Unlock()
				return key, items[0], nil
			}
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-deadline:
			return "", "", redisstore.ErrEmpty
		case <-s.ready:
		}
	}
}

func (s *listStore) Len(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *listStore) items(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[key]...)
}

func TestTask(t *testing.T) {
	args := map[string]string{"domain": "example.com", "selector": "modoboa"}
	task := NewTask("dkim", "manage_dkim_keys", args)
	args["domain"] = "changed.com"

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "example.com", task.Args["domain"])

	t.Run("身份与参数顺序无关", func(t *testing.T) {
		other := NewTask("other", "manage_dkim_keys", map[string]string{"selector": "modoboa", "domain": "example.com"})
		assert.Equal(t, task.Identity(), other.Identity())
		assert.NotEqual(t, task.ID, other.ID)
	})

	t.Run("编码解码", func(t *testing.T) {
		raw, err := task.Encode()
		require.NoError(t, err)
		decoded, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, task.ID, decoded.ID)
		assert.Equal(t, task.Args, decoded.Args)
	})

	t.Run("缺少任务名", func(t *testing.T) {
		_, err := Decode(`{"id":"1"}`)
		assert.Error(t, err)
		_, err = Decode("not json")
		assert.Error(t, err)
	})
}

func TestRedisQueue(t *testing.T) {
	store := newListStore()
	metrics := monitoring.NewMetrics()
	q := NewRedisQueue(store, metrics, nil)

	require.NoError(t, q.Enqueue(context.Background(), "dkim", "manage_dkim_keys", map[string]string{"domain": "a.tld"}))

	items := store.items(Key("dkim"))
	require.Len(t, items, 1)
	task, err := Decode(items[0])
	require.NoError(t, err)
	assert.Equal(t, "dkim", task.Queue)
	assert.Equal(t, "manage_dkim_keys", task.Name)
	assert.Equal(t, "a.tld", task.Args["domain"])
}

func TestConsumer(t *testing.T) {
	t.Run("消费队列中的任务", func(t *testing.T) {
		store := newListStore()
		handlers := NewHandlers()

		var mu sync.Mutex
		var seen []string
		done := make(chan struct{}, 3)
		handlers.Register("manage_dkim_keys", func(_ context.Context, args map[string]string) error {
			mu.Lock()
			seen = append(seen, args["domain"])
			mu.Unlock()
			done <- struct{}{}
			return nil
		})

		c := NewConsumer(store, handlers, ConsumerOptions{
			Queues:      []string{"dkim"},
			Concurrency: 2,
			PollTimeout: 20 * time.Millisecond,
		}, monitoring.NewMetrics(), nil)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- c.Run(ctx) }()

		q := NewRedisQueue(store, nil, nil)
		for _, name := range []string{"a.tld", "b.tld", "c.tld"} {
			require.NoError(t, q.Enqueue(ctx, "dkim", "manage_dkim_keys", map[string]string{"domain": name}))
		}
		for i := 0; i < 3; i++ {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("task not processed")
			}
		}

		cancel()
		require.NoError(t, <-errCh)
		mu.Lock()
		assert.ElementsMatch(t, []string{"a.tld", "b.tld", "c.tld"}, seen)
		mu.Unlock()
	})

	t.Run("未注册的任务", func(t *testing.T) {
		c := NewConsumer(nil, nil, ConsumerOptions{}, nil, nil)
		err := c.Process(context.Background(), NewTask("dkim", "unknown", nil))
		assert.ErrorIs(t, err, ErrUnknownTask)
	})

	t.Run("处理器 panic 转为错误", func(t *testing.T) {
		handlers := NewHandlers()
		handlers.Register("boom", func(context.Context, map[string]string) error { panic("boom") })
		c := NewConsumer(nil, handlers, ConsumerOptions{}, monitoring.NewMetrics(), nil)

		err := c.Process(context.Background(), NewTask("q", "boom", nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked")
	})

	t.Run("处理器错误原样返回", func(t *testing.T) {
		sentinel := errors.New("key generation failed")
		handlers := NewHandlers()
		handlers.Register("fail", func(context.Context, map[string]string) error { return sentinel })
		c := NewConsumer(nil, handlers, ConsumerOptions{}, nil, nil)

		assert.ErrorIs(t, c.Process(context.Background(), NewTask("q", "fail", nil)), sentinel)
	})

	t.Run("执行中的相同任务合并", func(t *testing.T) {
		var calls atomic.Int32
		started := make(chan struct{})
		release := make(chan struct{})

		handlers := NewHandlers()
		handlers.Register("slow", func(context.Context, map[string]string) error {
			if calls.Add(1) == 1 {
				close(started)
			}
			<-release
			return nil
		})
		c := NewConsumer(nil, handlers, ConsumerOptions{}, nil, nil)
		args := map[string]string{"domain": "a.tld"}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Process(context.Background(), NewTask("q", "slow", args)))
		}()
		<-started
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Process(context.Background(), NewTask("q", "slow", args)))
		}()

		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("缺少任务来源", func(t *testing.T) {
		c := NewConsumer(nil, nil, ConsumerOptions{Queues: []string{"dkim"}}, nil, nil)
		assert.Error(t, c.Run(context.Background()))
	})
}

func TestLocalQueue(t *testing.T) {
	handlers := NewHandlers()
	done := make(chan string, 1)
	handlers.Register("manage_dkim_keys", func(_ context.Context, args map[string]string) error {
		done <- args["domain"]
		return nil
	})

	c := NewConsumer(nil, handlers, ConsumerOptions{Concurrency: 1, QueueSize: 1}, nil, nil)
	c.Start(context.Background())
	defer c.Stop()

	q := NewLocalQueue(c)
	require.NoError(t, q.Enqueue(context.Background(), "dkim", "manage_dkim_keys", map[string]string{"domain": "a.tld"}))

	select {
	case domain := <-done:
		assert.Equal(t, "a.tld", domain)
	case <-time.After(2 * time.Second):
		t.Fatal("task not processed")
	}
}
