package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/api/routes"
	"github.com/printventory/printventory-backend/internal/adminops"
	"github.com/printventory/printventory-backend/internal/codes"
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
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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
	ledgerRepo := ledger.NewRepository(dbClient.DB())

	entitlementService, err := entitlements.NewService(entitlements.ServiceParams{
		DB:     dbClient,
		Repo:   subsRepo,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create entitlement service", err)
		os.Exit(1)
	}

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		DB:     dbClient,
		Repo:   ledgerRepo,
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

	codeService, err := codes.NewService(codes.ServiceParams{
		DB:        dbClient,
		Repo:      codes.NewRepository(dbClient.DB()),
		Subs:      subsRepo,
		Processor: stripeClient,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create code redemption service", err)
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

	webhookGuard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Cron.WebhookDedupeTTL, "stripe")
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook idempotency guard", err)
		os.Exit(1)
	}

	adminService, err := adminops.NewService(adminops.ServiceParams{
		DB:           dbClient,
		Subs:         subsRepo,
		Entitlements: entitlementService,
		Ledger:       ledgerService,
		LedgerRepo:   ledgerRepo,
		Grace:        graceManager,
		Processor:    stripeClient,
		Prices:       cfg.Stripe,
		Logger:       logg,
		GraceDays:    cfg.Billing.GracePeriodDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create admin billing service", err)
		os.Exit(1)
	}

	webhookMetrics := metrics.NewWebhookMetrics(prometheus.DefaultRegisterer)

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:         cfg,
			Logger:         logg,
			DB:             dbClient,
			Redis:          redisClient,
			Subscriptions:  entitlementService,
			Codes:          codeService,
			AdminBilling:   adminService,
			StripeClient:   stripeClient,
			WebhookService: webhookService,
			WebhookGuard:   webhookGuard,
			WebhookMetrics: webhookMetrics,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
