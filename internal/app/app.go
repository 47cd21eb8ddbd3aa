// Package app 组装命令行程序共用的依赖：配置、日志、存储、级联引擎和各个服务
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailadmin/backend/internal/cache"
	"mailadmin/backend/internal/config"
	"mailadmin/backend/internal/dkim"
	"mailadmin/backend/internal/engine"
	"mailadmin/backend/internal/health"
	"mailadmin/backend/internal/logger"
	"mailadmin/backend/internal/monitoring"
	"mailadmin/backend/internal/params"
	"mailadmin/backend/internal/queue"
	"mailadmin/backend/internal/service"
	"mailadmin/backend/internal/storage"
	"mailadmin/backend/internal/storage/filesystem"
	"mailadmin/backend/internal/storage/memory"
	"mailadmin/backend/internal/storage/postgres"
	redisstore "mailadmin/backend/internal/storage/redis"
)

// Options 组装选项
type Options struct {
	// RequireRedis 为 true 时 Redis 不可用直接失败，否则退回进程内任务队列
	RequireRedis bool
	// Probes 为 true 时额外建立 pgx 连接池用于就绪检查
	Probes bool
	// Queues 消费的队列，默认只有 DKIM 队列
	Queues []string
}

// App 已组装的依赖
type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Store    storage.Store
	Metrics  *monitoring.Metrics
	Params   *params.Global
	Engine   *engine.Engine
	Redis    *redisstore.Client
	Consumer *queue.Consumer
	DKIM     *dkim.Manager
	Health   *health.Checker

	Domains       *service.DomainService
	DomainAliases *service.DomainAliasService
	Mailboxes     *service.MailboxService
	Aliases       *service.AliasService
	Accounts      *service.AccountService
	Import        *service.ImportService
	Export        *service.ExportService

	closers []func() error
}

// NewLogger 按配置创建日志
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.NewLogger(logger.FromConfig(cfg.Log))
}

// OpenStore 根据配置打开存储，未配置数据库时使用内存存储
func OpenStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" {
		log.Warn("no database configured, using memory storage")
		return memory.NewStore(), nil
	}
	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("database storage initialized", zap.String("database_type", cfg.Database.Type))
	return store, nil
}

// New 组装全部依赖
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (*App, error) {
	log = logger.OrNop(log)
	a := &App{Config: cfg, Log: log, Metrics: monitoring.NewMetrics()}

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	a.Health = health.NewChecker(store, log)

	paramsCache := cache.NewLocalCache(cfg.Admin.ParamsCacheTTL, time.Minute)
	a.closers = append(a.closers, func() error { paramsCache.Close(); return nil })
	a.Params = params.NewGlobal(store, params.DefaultsFromConfig(cfg.Admin), paramsCache)

	if err := a.setupQueue(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	if opts.Probes && cfg.Database.Type == "postgres" {
		pg, err := postgres.New(&cfg.Database, log)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("create postgres probe: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.Health.AddReadiness("postgres", health.PingCheck(pg))
	}

	deps := engine.Deps{
		Params:     a.Params,
		Dispatcher: a.dispatcher(),
		DKIMQueue:  cfg.DKIM.Queue,
		Log:        log,
	}
	if cfg.Admin.MailHomeRoot != "" {
		homes, err := filesystem.NewMailHomes(cfg.Admin.MailHomeRoot, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		deps.Homes = homes
	}
	a.Engine = engine.New(deps)
	a.Engine.Register(engine.NewRegistry(log, a.Metrics))

	a.Domains = service.NewDomainService(store, a.Engine, log)
	a.DomainAliases = service.NewDomainAliasService(store, a.Engine, a.Domains)
	a.Mailboxes = service.NewMailboxService(store, a.Engine, log)
	a.Aliases = service.NewAliasService(store, a.Engine, log)
	a.Accounts = service.NewAccountService(store, a.Engine, a.Mailboxes, log)
	a.Import = service.NewImportService(store, a.Engine, a.Domains, a.DomainAliases,
		a.Accounts, a.Mailboxes, a.Aliases, a.Metrics, log)
	a.Export = service.NewExportService(store, a.Engine, log)

	return a, nil
}

// setupQueue 连接 Redis 并创建任务消费者；Redis 不可用且允许时改用进程内队列
func (a *App) setupQueue(ctx context.Context, opts Options) error {
	cfg := a.Config

	handlers := queue.NewHandlers()
	manager, err := dkim.NewManager(a.Store, cfg.DKIM, a.Log)
	if err != nil {
		a.Log.Warn("DKIM key manager disabled", zap.Error(err))
	} else {
		a.DKIM = manager
		handlers.Register(engine.ManageDKIMKeysTask, manager.Handle)
	}

	queues := opts.Queues
	if len(queues) == 0 {
		queues = []string{cfg.DKIM.Queue}
	}
	consumerOpts := queue.ConsumerOptions{
		Queues:         queues,
		Concurrency:    cfg.Worker.Concurrency,
		QueueSize:      cfg.Worker.QueueSize,
		TasksPerSecond: cfg.Worker.TasksPerSecond,
		Burst:          cfg.Worker.Burst,
	}

	var client *redisstore.Client
	if cfg.Redis.Address == "" {
		err = errors.New("redis address not configured")
	} else {
		client, err = redisstore.New(&cfg.Redis, a.Log)
	}
	if err != nil {
		if opts.RequireRedis {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.Log.Warn("redis unavailable, running tasks in process", zap.Error(err))
		a.Consumer = queue.NewConsumer(nil, handlers, consumerOpts, a.Metrics, a.Log)
		a.Consumer.Start(ctx)
		a.closers = append(a.closers, func() error { a.Consumer.Stop(); return nil })
		return nil
	}

	a.Redis = client
	a.closers = append(a.closers, client.Close)
	a.Health.AddLiveness("redis", health.PingCheck(client))
	a.Consumer = queue.NewConsumer(client, handlers, consumerOpts, a.Metrics, a.Log)
	return nil
}

func (a *App) dispatcher() engine.Dispatcher {
	if a.Redis != nil {
		return queue.NewRedisQueue(a.Redis, a.Metrics, a.Log)
	}
	return queue.NewLocalQueue(a.Consumer)
}

// Close 按创建的逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
