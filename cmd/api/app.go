package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/docstream/internal/config"
	"github.com/yourusername/docstream/internal/dispatch"
	"github.com/yourusername/docstream/internal/jobs"
	"github.com/yourusername/docstream/internal/parser"
	"github.com/yourusername/docstream/internal/pipeline"
	"github.com/yourusername/docstream/internal/storage"
)

// app はプロセス全体で共有するコンポーネントをまとめたものです。
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	scratch      *storage.Local
	pool         *dispatch.Pool
	registry     *jobs.Registry
	scheduler    jobs.Scheduler
	orchestrator *pipeline.Orchestrator
	store        *jobs.RedisStore
}

// appOptions は serve と extract で異なる配線を指定します。
type appOptions struct {
	queueBackend string
	jobStore     string
	mirror       jobs.Mirror // jobStore が memory の場合に使うミラー
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ttl := time.Duration(cfg.JobExpireMinutes) * time.Minute

	scratch, err := storage.NewLocal(cfg.TempDir, cfg.PersistBufferBytes, cfg.MaxFileSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare temp dir: %w", err)
	}
	if removed := scratch.SweepStale(ttl); removed > 0 {
		logger.Info("removed stale temp files", zap.Int("count", removed))
	}
	a.scratch = scratch

	mirror := opts.mirror
	if opts.jobStore == config.BackendRedis {
		store, err := setupRedisStore(ctx, a.cfg.QueueRedisURL, ttl)
		if err != nil {
			return nil, err
		}
		a.store = store
		mirror = store
	}
	registryOpts := []jobs.Option{jobs.WithLogger(logger), jobs.WithTTL(ttl)}
	if mirror != nil {
		registryOpts = append(registryOpts, jobs.WithMirror(mirror))
	}
	a.registry = jobs.NewRegistry(registryOpts...)

	fitz := parser.NewFitzParser()
	a.pool = dispatch.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, logger)
	dispatcher := dispatch.NewDispatcher(
		a.pool,
		fitz,
		parser.NewPDFSplitter(),
		scratch,
		cfg.SplitThresholdPages,
		logger,
	)

	scheduler, err := newScheduler(cfg, opts.queueBackend, logger)
	if err != nil {
		a.closeResources(ctx)
		return nil, err
	}
	a.scheduler = scheduler

	a.orchestrator, err = pipeline.NewOrchestrator(a.registry, scratch, fitz, dispatcher, scheduler, pipeline.Options{
		FastPathWindowBytes: int(cfg.FastPathWindowBytes),
		FastPathProgress:    cfg.FastPathProgress,
		TOCPreviewLimit:     cfg.TOCPreviewLimit,
		DefaultChunkSize:    cfg.DefaultChunkSize,
		MaxChunkSize:        cfg.MaxChunkSize,
		MaxPages:            cfg.MaxPages,
	}, logger)
	if err != nil {
		_ = scheduler.Shutdown(ctx)
		a.closeResources(ctx)
		return nil, err
	}
	return a, nil
}

func setupRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*jobs.RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse QUEUE_REDIS_URL: %w", err)
	}
	store := jobs.NewRedisStore(redis.NewClient(opt), ttl)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to connect job store: %w", err)
	}
	return store, nil
}

func newScheduler(cfg *config.Config, backend string, logger *zap.Logger) (jobs.Scheduler, error) {
	if backend != config.BackendAsynq {
		return jobs.NewInlineScheduler(logger), nil
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "docstream"
	}
	instance := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	return jobs.NewAsynqScheduler(cfg.QueueRedisURL, instance, cfg.WorkerCount, logger)
}

// runJanitor は期限切れのジョブを定期的に削除します。ctx が終了するまで戻りません。
func (a *app) runJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := a.registry.Sweep(now); removed > 0 {
				a.logger.Debug("expired jobs removed", zap.Int("count", removed))
			}
		}
	}
}

// shutdown は新規受付を止めたあとに呼びます。
// 実行中のバックグラウンド処理を待ち、開始前のジョブを失敗させてからワーカーを止めます。
// ミラーへの書き込みが残っている間はジョブストアを閉じません。
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	a.orchestrator.Shutdown(ctx)
	if err := a.registry.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job mirror: %w", err))
	}
	a.closeResources(ctx)
	return errors.Join(errs...)
}

func (a *app) closeResources(ctx context.Context) {
	if err := a.pool.Shutdown(ctx); err != nil {
		a.logger.Warn("worker pool did not drain", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close job store", zap.Error(err))
		}
	}
}
