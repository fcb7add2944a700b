package stripewebhook

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/internal/entitlements"
	"github.com/printventory/printventory-backend/internal/grace"
	"github.com/printventory/printventory-backend/internal/ledger"
	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type invoiceLedger interface {
	RecordPaid(ctx context.Context, params ledger.RecordPaymentParams) (*models.Invoice, bool, error)
	RecordFailed(ctx context.Context, params ledger.RecordFailedParams) (*models.Invoice, bool, error)
	MarkLatestPendingFailed(ctx context.Context, userID uuid.UUID, note string) (*models.Invoice, error)
	RecordRefund(ctx context.Context, params ledger.RecordRefundParams) (*models.Invoice, bool, error)
}

// Service reconciles processor events into local billing state. Every handler
// is idempotent and safe under out-of-order delivery; replaying an event is
// always a no-op.
type Service struct {
	db        txRunner
	subs      entitlements.Repository
	ledger    invoiceLedger
	logg      *logger.Logger
	graceDays int
	now       func() time.Time
}

// ServiceParams carries the dependencies for NewService.
type ServiceParams struct {
	DB        txRunner
	Subs      entitlements.Repository
	Ledger    invoiceLedger
	Logger    *logger.Logger
	GraceDays int
	NowFunc   func() time.Time
}

// Validate ensures all required dependencies are present.
func (p ServiceParams) Validate() error {
	if p.DB == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "webhook service requires a transaction runner")
	}
	if p.Subs == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "webhook service requires a subscription repository")
	}
	if p.Ledger == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "webhook service requires the invoice ledger")
	}
	if p.Logger == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "webhook service requires a logger")
	}
	if p.GraceDays < 0 {
		return pkgerrors.New(pkgerrors.CodeInternal, "grace days must not be negative")
	}
	return nil
}

// NewService builds a Service from validated params.
func NewService(params ServiceParams) (*Service, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	now := params.NowFunc
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:        params.DB,
		subs:      params.Subs,
		ledger:    params.Ledger,
		logg:      params.Logger,
		graceDays: params.GraceDays,
		now:       now,
	}, nil
}

// HandleEvent dispatches one mapped event to its handler. A nil event is an
// unknown type and is acknowledged without work.
func (s *Service) HandleEvent(ctx context.Context, event Event) error {
	if event == nil {
		return nil
	}
	ctx = s.logg.WithEventID(ctx, event.EventID())

	switch e := event.(type) {
	case *CheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, e)
	case *InvoicePaymentSucceeded:
		return s.handleInvoicePaymentSucceeded(ctx, e)
	case *InvoicePaymentFailed:
		return s.handleInvoicePaymentFailed(ctx, e)
	case *SubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, e)
	case *SubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, e)
	case *ChargeRefunded:
		return s.handleRefund(ctx, "refund:"+e.ChargeID, e.InvoiceRef, e.ChargeID, e.AmountCents)
	case *RefundCreated:
		if e.Status != "succeeded" {
			return nil
		}
		return s.handleRefund(ctx, e.RefundID, e.InvoiceRef, e.ChargeID, e.AmountCents)
	case *RefundUpdated:
		if e.Status != "succeeded" {
			return nil
		}
		return s.handleRefund(ctx, e.RefundID, e.InvoiceRef, e.ChargeID, e.AmountCents)
	default:
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, e *CheckoutCompleted) error {
	now := s.now().UTC()

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.subs.WithTx(tx)

		sub, err := repo.FindByUserID(ctx, e.UserID)
		if err != nil {
			return err
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found for checkout")
		}

		prevTier := sub.Tier
		prevStatus := sub.Status

		grace.ClearWindow(sub)
		sub.Tier = e.Tier
		sub.Status = enums.SubscriptionStatusActive
		period := e.BillingPeriod
		sub.BillingPeriod = &period
		sub.IsPaidSubscription = true
		if e.SubscriptionID != "" {
			id := e.SubscriptionID
			sub.StripeSubscriptionID = &id
		}
		if e.CustomerID != "" {
			id := e.CustomerID
			sub.StripeCustomerID = &id
		}
		periodEnd := addBillingPeriod(now, e.BillingPeriod)
		sub.ExpiresAt = &periodEnd
		sub.NextBillingDate = &periodEnd
		sub.LastPaymentDate = &now

		if err := repo.UpdateGuarded(ctx, sub); err != nil {
			return err
		}
		if prevTier == sub.Tier && prevStatus == sub.Status {
			// Replay; the state write above was a no-op by value.
			return nil
		}
		return repo.AppendChangeLog(ctx, &models.SubscriptionChangeLog{
			UserID:         sub.UserID,
			PreviousTier:   prevTier,
			NewTier:        sub.Tier,
			PreviousStatus: prevStatus,
			NewStatus:      sub.Status,
			Actor:          enums.ChangeActorWebhook,
			Reason:         "checkout completed",
		})
	})
	if err != nil {
		return err
	}

	period := e.BillingPeriod
	_, _, err = s.ledger.RecordPaid(ctx, ledger.RecordPaymentParams{
		UserID:        e.UserID,
		ExternalRef:   e.SessionID,
		AmountCents:   e.AmountCents,
		Currency:      e.Currency,
		Tier:          e.Tier,
		BillingPeriod: &period,
		PaidAt:        now,
	})
	return err
}

func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, e *InvoicePaymentSucceeded) error {
	sub, err := s.subs.FindByStripeSubscriptionID(ctx, e.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		s.logg.Warn(ctx, "payment succeeded for unknown external subscription")
		return nil
	}

	now := s.now().UTC()
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.subs.WithTx(tx)
		current, err := repo.FindByUserID(ctx, sub.UserID)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		current.LastPaymentDate = &now
		if e.PeriodEnd != nil {
			current.NextBillingDate = e.PeriodEnd
			current.ExpiresAt = e.PeriodEnd
		}
		current.Status = enums.SubscriptionStatusActive
		return repo.UpdateGuarded(ctx, current)
	})
	if err != nil {
		return err
	}

	_, _, err = s.ledger.RecordPaid(ctx, ledger.RecordPaymentParams{
		UserID:        sub.UserID,
		ExternalRef:   e.InvoiceID,
		AmountCents:   e.AmountCents,
		Currency:      e.Currency,
		Tier:          sub.Tier,
		BillingPeriod: sub.BillingPeriod,
		PaidAt:        now,
	})
	return err
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, e *InvoicePaymentFailed) error {
	sub, err := s.subs.FindByStripeSubscriptionID(ctx, e.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		s.logg.Warn(ctx, "payment failed for unknown external subscription")
		return nil
	}

	// No tier change on payment failure; dunning lives outside this core.
	marked, err := s.ledger.MarkLatestPendingFailed(ctx, sub.UserID, "payment failed: "+e.InvoiceID)
	if err != nil {
		return err
	}
	if marked != nil {
		return nil
	}

	// Nothing was pending; the failure still has to land in the ledger.
	_, _, err = s.ledger.RecordFailed(ctx, ledger.RecordFailedParams{
		UserID:        sub.UserID,
		ExternalRef:   e.InvoiceID,
		AmountCents:   e.AmountCents,
		Currency:      e.Currency,
		Tier:          sub.Tier,
		BillingPeriod: sub.BillingPeriod,
		Notes:         "payment failed",
	})
	return err
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, e *SubscriptionUpdated) error {
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.subs.WithTx(tx)

		sub, err := repo.FindByStripeSubscriptionID(ctx, e.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			s.logg.Warn(ctx, "update for unknown external subscription")
			return nil
		}

		if status, ok := mapProcessorStatus(e.Status); ok {
			sub.Status = status
		}
		if e.PeriodEnd != nil {
			sub.ExpiresAt = e.PeriodEnd
			sub.NextBillingDate = e.PeriodEnd
		}
		return repo.UpdateGuarded(ctx, sub)
	})
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, e *SubscriptionDeleted) error {
	now := s.now().UTC()

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.subs.WithTx(tx)

		// Lookup by the event's external id doubles as the stale-delete
		// guard: a subscription relinked to a newer external id no longer
		// matches, and the stale cancellation is skipped.
		sub, err := repo.FindByStripeSubscriptionID(ctx, e.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil || sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID != e.SubscriptionID {
			s.logg.Info(ctx, "skipping stale subscription deletion")
			return nil
		}

		prevTier := sub.Tier
		prevStatus := sub.Status

		if sub.Tier.IsPaid() {
			grace.BeginWindow(sub, now, s.graceDays)
		}
		sub.Status = enums.SubscriptionStatusCancelled
		sub.IsPaidSubscription = false
		sub.StripeSubscriptionID = nil
		sub.NextBillingDate = nil

		if err := repo.UpdateGuarded(ctx, sub); err != nil {
			return err
		}
		return repo.AppendChangeLog(ctx, &models.SubscriptionChangeLog{
			UserID:         sub.UserID,
			PreviousTier:   prevTier,
			NewTier:        sub.Tier,
			PreviousStatus: prevStatus,
			NewStatus:      sub.Status,
			Actor:          enums.ChangeActorWebhook,
			Reason:         "subscription cancelled at processor",
		})
	})
}

func (s *Service) handleRefund(ctx context.Context, refundRef, invoiceRef, chargeID string, amountCents int64) error {
	originalRef := invoiceRef
	if originalRef == "" {
		originalRef = chargeID
	}

	_, _, err := s.ledger.RecordRefund(ctx, ledger.RecordRefundParams{
		ExternalRef:         refundRef,
		OriginalExternalRef: originalRef,
		AmountCents:         amountCents,
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			// The charge predates this ledger; acknowledge and leave it to
			// reconciliation reporting.
			s.logg.Warn(ctx, "refund references an unknown invoice")
			return nil
		}
		return err
	}
	return nil
}

func mapProcessorStatus(raw string) (enums.SubscriptionStatus, bool) {
	switch raw {
	case "active", "past_due", "unpaid":
		return enums.SubscriptionStatusActive, true
	case "trialing":
		return enums.SubscriptionStatusTrial, true
	case "canceled", "incomplete_expired":
		return enums.SubscriptionStatusCancelled, true
	default:
		return "", false
	}
}

func addBillingPeriod(from time.Time, period enums.BillingPeriod) time.Time {
	if period == enums.BillingPeriodAnnual {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}
