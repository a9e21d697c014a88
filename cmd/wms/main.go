package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/progami/WMS-EcomOS-sub000/internal/app"
	"github.com/progami/WMS-EcomOS-sub000/internal/audit"
	"github.com/progami/WMS-EcomOS-sub000/internal/billing"
	"github.com/progami/WMS-EcomOS-sub000/internal/invoice"
	"github.com/progami/WMS-EcomOS-sub000/internal/ledger"
	"github.com/progami/WMS-EcomOS-sub000/internal/masterdata"
	"github.com/progami/WMS-EcomOS-sub000/internal/observability"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/cache"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/rbac"
	"github.com/progami/WMS-EcomOS-sub000/jobs"
)

func main() {
	_ = godotenv.Load()

	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, balances will be read from postgres", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	registerer := metrics.Registerer()

	var checker rbac.Checker = rbac.NewPgChecker(pool)
	if cfg.RBACGrants != "" {
		static, err := rbac.ParseGrants(cfg.RBACGrants)
		if err != nil {
			logger.Error("parse RBAC_GRANTS", slog.Any("error", err))
			os.Exit(1)
		}
		checker = static
	}
	rbacMiddleware := rbac.Middleware{Checker: checker, Logger: logger}

	lookup := masterdata.NewRepository(pool)
	billingMetrics := billing.NewMetrics(registerer)

	handlingHook := billing.NewHandlingHook(billing.BindStore, logger).WithMetrics(billingMetrics)
	ledgerService := ledger.NewService(
		ledger.NewRepository(pool),
		lookup,
		ledger.NewCache(redisClient, cfg.BalanceCacheTTL),
		handlingHook,
		ledger.NewMetrics(registerer),
		logger,
		ledger.ServiceConfig{AllocationOrder: cfg.Allocation()},
	)
	billingService := billing.NewService(billing.NewRepository(pool), lookup, billingMetrics, logger,
		billing.ServiceConfig{Parallelism: cfg.CostRunParallelism})
	invoiceService := invoice.NewService(invoice.NewRepository(pool), lookup, invoice.NewMetrics(registerer), logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		RBAC:           rbacMiddleware,
		Database:       pool,
		LedgerHandler:  ledger.NewHandler(logger, ledgerService, rbacMiddleware),
		BillingHandler: billing.NewHandler(logger, billingService, rbacMiddleware),
		InvoiceHandler: invoice.NewHandler(logger, invoiceService, rbacMiddleware),
		AuditHandler:   audit.NewHandler(logger, audit.NewService(audit.NewRepository(pool)), rbacMiddleware),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
}
