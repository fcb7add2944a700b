package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	stripewebhook "github.com/printventory/printventory-backend/internal/webhooks/stripe"
	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/logger"
	pkgstripe "github.com/printventory/printventory-backend/pkg/stripe"
)

const defaultReconcileLimit = 250

type paidSubscriptionLister interface {
	ListPaidSubscriptions(ctx context.Context, limit int) ([]models.Subscription, error)
}

type processorSubscriptions interface {
	GetSubscriptionState(ctx context.Context, subscriptionID string) (*pkgstripe.SubscriptionState, error)
}

type eventReconciler interface {
	HandleEvent(ctx context.Context, event stripewebhook.Event) error
}

// BillingReconcileJobParams configures the billing drift check.
type BillingReconcileJobParams struct {
	Logger     *logger.Logger
	Subs       paidSubscriptionLister
	Processor  processorSubscriptions
	Reconciler eventReconciler
	Limit      int
}

// NewBillingReconcileJob builds the job that re-syncs local paid
// subscriptions against the processor. Externally observed state is replayed
// through the webhook reconciler, so a missed delivery heals on the next
// cycle without a second code path.
func NewBillingReconcileJob(params BillingReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Subs == nil {
		return nil, fmt.Errorf("subscription repository required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("processor client required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("event reconciler required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &billingReconcileJob{
		logg:       params.Logger,
		subs:       params.Subs,
		processor:  params.Processor,
		reconciler: params.Reconciler,
		limit:      limit,
	}, nil
}

type billingReconcileJob struct {
	logg       *logger.Logger
	subs       paidSubscriptionLister
	processor  processorSubscriptions
	reconciler eventReconciler
	limit      int
}

func (j *billingReconcileJob) Name() string { return "billing-reconcile" }

func (j *billingReconcileJob) Run(ctx context.Context) error {
	subs, err := j.subs.ListPaidSubscriptions(ctx, j.limit)
	if err != nil {
		return fmt.Errorf("listing paid subscriptions: %w", err)
	}

	var errs error
	checked := 0
	for _, sub := range subs {
		if sub.StripeSubscriptionID == nil {
			continue
		}
		if err := j.reconcileOne(ctx, *sub.StripeSubscriptionID); err != nil {
			errs = multierr.Append(errs, err)
			j.logg.Error(j.logg.WithUserID(ctx, sub.UserID.String()), "reconciling paid subscription", err)
			continue
		}
		checked++
	}
	j.logg.Info(j.logg.WithField(ctx, "checked", checked), "billing reconcile finished")
	return errs
}

func (j *billingReconcileJob) reconcileOne(ctx context.Context, subscriptionID string) error {
	state, err := j.processor.GetSubscriptionState(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("fetching external state for %s: %w", subscriptionID, err)
	}

	eventID := "reconcile:" + subscriptionID
	var event stripewebhook.Event
	switch state.Status {
	case "canceled", "incomplete_expired":
		event = stripewebhook.NewSubscriptionDeleted(eventID, subscriptionID)
	default:
		event = stripewebhook.NewSubscriptionUpdated(eventID, subscriptionID, state.Status, state.PeriodEnd)
	}
	return j.reconciler.HandleEvent(ctx, event)
}
