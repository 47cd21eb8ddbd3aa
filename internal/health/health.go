package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"mailadmin/backend/internal/storage"
)

const checkTimeout = 5 * time.Second

// Pinger 可以探测连通性的依赖，例如 Redis 和 pgx 连接池
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker 健康检查器
type Checker struct {
	health healthcheck.Handler
	checks map[string]healthcheck.Check
	logger *zap.Logger
}

// NewChecker 创建健康检查器，默认包含数据库检查
func NewChecker(store storage.Store, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{
		health: healthcheck.NewHandler(),
		checks: make(map[string]healthcheck.Check),
		logger: logger,
	}
	c.AddLiveness("database", DatabaseCheck(store))
	return c
}

// AddLiveness 添加存活检查
func (c *Checker) AddLiveness(name string, check healthcheck.Check) {
	c.checks[name] = check
	c.health.AddLivenessCheck(name, check)
}

// AddReadiness 添加就绪检查
func (c *Checker) AddReadiness(name string, check healthcheck.Check) {
	c.checks[name] = check
	c.health.AddReadinessCheck(name, check)
}

// Handler 返回健康检查处理器，提供 /live 和 /ready
func (c *Checker) Handler() http.Handler {
	return c.health
}

// CheckHealth 执行全部检查并返回结果
func (c *Checker) CheckHealth() map[string]string {
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names)+1)
	for _, name := range names {
		if err := c.checks[name](); err != nil {
			c.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			results[name] = fmt.Sprintf("ERROR: %v", err)
			continue
		}
		results[name] = "OK"
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

// DatabaseCheck 存储健康检查
func DatabaseCheck(store storage.Store) healthcheck.Check {
	return func() error {
		return store.Health()
	}
}

// PingCheck 带超时的连通性检查
func PingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}
