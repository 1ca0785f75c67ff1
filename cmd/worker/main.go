package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/shepherd-ops/shepherd/internal/app"
	jobmetrics "github.com/shepherd-ops/shepherd/internal/jobs"
	"github.com/shepherd-ops/shepherd/internal/platform/cache"
	"github.com/shepherd-ops/shepherd/internal/platform/db"
	"github.com/shepherd-ops/shepherd/internal/rbac"
	"github.com/shepherd-ops/shepherd/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 {
		if err := runCommand(ctx, cfg.RedisOptions().AsynqOpt(), os.Args[1:], os.Stdout); err != nil {
			logger.Error("worker command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	var backend rbac.Backend = rbac.NewRedisBackend(redisClient)
	if cfg.PermissionCacheBackend == app.CacheBackendMemory {
		logger.Warn("memory permission cache is process local; warmup only affects the worker")
		backend = rbac.NewMemoryBackend(nil)
	}
	permCache := rbac.NewPermissionCache(rbac.NewRepository(pool), backend,
		rbac.WithTTL(cfg.PermissionCacheTTL),
		rbac.WithCacheLogger(logger),
	)
	warmupJob := jobs.NewPermissionWarmupJob(permCache, logger, jobmetrics.NewMetrics(nil))

	warmupTask, err := jobs.NewPermissionWarmupTask(false)
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: cfg.RedisOptions().AsynqOpt(),
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPermissionWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.PermissionWarmupCron, Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, redisOpt asynq.RedisClientOpt, args []string, out *os.File) error {
	cli := NewJobsCLI(redisOpt)
	defer func() { _ = cli.Close() }()

	switch args[0] {
	case "trigger":
		name := jobs.TaskPermissionWarmup
		if len(args) > 1 {
			name = args[1]
		}
		info, err := cli.Trigger(ctx, name, len(args) > 2 && args[2] == "refresh")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return err
	case "stats":
		stats, err := cli.InspectQueue(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return err
	default:
		return fmt.Errorf("unknown command %q (want trigger|stats)", args[0])
	}
}
