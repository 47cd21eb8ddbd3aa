package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailadmin/backend/internal/app"
	"mailadmin/backend/internal/config"
)

// main 启动异步任务 worker：消费 Redis 队列，并提供指标和健康检查端点。
func main() {
	queues := flag.String("queues", "", "逗号分隔的队列名，默认为 DKIM 队列")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{
		RequireRedis: true,
		Probes:       true,
		Queues:       config.ParseList(*queues),
	})
	if err != nil {
		log.Fatal("failed to initialize worker", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to release resources", zap.Error(err))
		}
	}()
	if a.DKIM == nil {
		log.Warn("DKIM key manager is disabled, manage_dkim_keys tasks will fail")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.HTTPHandler())
	mux.Handle("/live", a.Health.Handler())
	mux.Handle("/ready", a.Health.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Worker.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting metrics server", zap.String("address", cfg.Worker.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		return a.Consumer.Run(groupCtx)
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, stopping worker...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker error", zap.Error(err))
		return
	}
	log.Info("worker exited cleanly")
}
