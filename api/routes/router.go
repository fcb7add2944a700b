package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/printventory/printventory-backend/api/controllers"
	webhookcontrollers "github.com/printventory/printventory-backend/api/controllers/webhooks"
	"github.com/printventory/printventory-backend/api/middleware"
	stripewebhook "github.com/printventory/printventory-backend/internal/webhooks/stripe"
	"github.com/printventory/printventory-backend/pkg/config"
	"github.com/printventory/printventory-backend/pkg/db"
	"github.com/printventory/printventory-backend/pkg/enums"
	"github.com/printventory/printventory-backend/pkg/logger"
	"github.com/printventory/printventory-backend/pkg/metrics"
	"github.com/printventory/printventory-backend/pkg/redis"
	"github.com/printventory/printventory-backend/pkg/stripe"
)

// RouterParams carries everything the HTTP surface depends on.
type RouterParams struct {
	Config         *config.Config
	Logger         *logger.Logger
	DB             db.Pinger
	Redis          *redis.Client
	Subscriptions  controllers.SubscriptionService
	Codes          controllers.CodeRedemptionService
	AdminBilling   controllers.AdminBillingService
	StripeClient   *stripe.Client
	WebhookService *stripewebhook.Service
	WebhookGuard   *stripewebhook.IdempotencyGuard
	WebhookMetrics *metrics.WebhookMetrics
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, params.DB, params.Redis))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(
			params.WebhookService,
			params.StripeClient,
			params.WebhookGuard,
			params.WebhookMetrics,
			logg,
		))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Post("/codes/redeem", controllers.RedeemCode(params.Codes, logg))
		r.Get("/billing/subscription", controllers.GetSubscription(params.Subscriptions, logg))
	})

	r.Route("/api/admin/v1/billing", func(r chi.Router) {
		r.Use(
			middleware.Auth(cfg.JWT, logg),
			middleware.RequireRole(string(enums.MemberRoleAdmin), logg),
		)

		r.Post("/change-tier", controllers.AdminChangeTier(params.AdminBilling, logg))
		r.Post("/change-billing-period", controllers.AdminChangeBillingPeriod(params.AdminBilling, logg))
		r.Post("/refund-requests/{id}/process", controllers.AdminProcessRefundRequest(params.AdminBilling, logg))
		r.Post("/grace/extend", controllers.AdminExtendGrace(params.AdminBilling, logg))
		r.Get("/subscriptions/{userID}", controllers.AdminGetSubscription(params.AdminBilling, logg))
		r.Get("/invoices/{userID}", controllers.AdminListInvoices(params.AdminBilling, logg))
	})

	return r
}
