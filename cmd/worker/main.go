package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/progami/WMS-EcomOS-sub000/internal/app"
	"github.com/progami/WMS-EcomOS-sub000/internal/billing"
	jobmetrics "github.com/progami/WMS-EcomOS-sub000/internal/jobs"
	"github.com/progami/WMS-EcomOS-sub000/internal/masterdata"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
	"github.com/progami/WMS-EcomOS-sub000/jobs"
)

func main() {
	_ = godotenv.Load()

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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	billingService := billing.NewService(
		billing.NewRepository(pool),
		masterdata.NewRepository(pool),
		billing.NewMetrics(prometheus.DefaultRegisterer),
		logger,
		billing.ServiceConfig{Parallelism: cfg.CostRunParallelism},
	)
	costsJob := jobs.NewStorageCostsJob(billingService, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, metrics)

	costsTask, err := jobs.NewStorageCostsTask()
	if err != nil {
		logger.Error("build storage costs task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStorageCosts, Handler: costsJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.StorageCostCron, Task: costsTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IdempotencyCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started",
		slog.String("storage_cost_cron", cfg.StorageCostCron),
		slog.String("idempotency_cleanup_cron", cfg.IdempotencyCron),
	)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
