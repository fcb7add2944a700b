package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/internal/cron"
	"github.com/printventory/printventory-backend/internal/entitlements"
	"github.com/printventory/printventory-backend/internal/grace"
	"github.com/printventory/printventory-backend/internal/ledger"
	stripewebhook "github.com/printventory/printventory-backend/internal/webhooks/stripe"
	"github.com/printventory/printventory-backend/pkg/config"
	"github.com/printventory/printventory-backend/pkg/db"
	"github.com/printventory/printventory-backend/pkg/logger"
	"github.com/printventory/printventory-backend/pkg/metrics"
	"github.com/printventory/printventory-backend/pkg/migrate"
	"github.com/printventory/printventory-backend/pkg/redis"
	"github.com/printventory/printventory-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, cfg.Billing, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe client", err)
		os.Exit(1)
	}

	subsRepo := entitlements.NewRepository(dbClient.DB())

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		DB:     dbClient,
		Repo:   ledger.NewRepository(dbClient.DB()),
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	graceManager, err := grace.NewManager(grace.ManagerParams{
		DB: dbClient,
		Subs: func(tx *gorm.DB) grace.SubscriptionStore {
			if tx == nil {
				return subsRepo
			}
			return subsRepo.WithTx(tx)
		},
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create grace manager", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		DB:        dbClient,
		Subs:      subsRepo,
		Ledger:    ledgerService,
		Logger:    logg,
		GraceDays: cfg.Billing.GracePeriodDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	graceSweepJob, err := cron.NewGraceSweepJob(cron.GraceSweepJobParams{
		Logger:    logg,
		Manager:   graceManager,
		BatchSize: cfg.Cron.GraceSweepBatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create grace sweep job", err)
		os.Exit(1)
	}

	reconcileJob, err := cron.NewBillingReconcileJob(cron.BillingReconcileJobParams{
		Logger:     logg,
		Subs:       subsRepo,
		Processor:  stripeClient,
		Reconciler: webhookService,
		Limit:      cfg.Cron.ReconcileLimit,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing reconcile job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker"), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(graceSweepJob, reconcileJob),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
