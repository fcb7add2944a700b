package adminops

import (
	"context"
	"fmt"
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
	"github.com/printventory/printventory-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Processor is the slice of the payment processor client the admin
// operations call. External mutations for paid users run before the local
// write; refunds are best-effort.
type Processor interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) error
	CreateRefund(ctx context.Context, chargeID string, amountCents int64) error
}

// PriceResolver maps a paid tier and billing period onto the processor's
// configured price id.
type PriceResolver interface {
	PriceFor(tier enums.Tier, period enums.BillingPeriod) (string, error)
}

type entitlementService interface {
	ApplyTierChange(ctx context.Context, params entitlements.TierChangeParams) (*models.Subscription, error)
	UnlinkExternal(ctx context.Context, userID uuid.UUID) error
}

type invoiceLedger interface {
	RecordRefund(ctx context.Context, params ledger.RecordRefundParams) (*models.Invoice, bool, error)
	List(ctx context.Context, userID uuid.UUID, params pagination.Params) (*ledger.InvoicePage, error)
}

type graceManager interface {
	Extend(ctx context.Context, userID uuid.UUID, additionalDays int, attr grace.Attribution) error
}

// Service implements privileged billing overrides. Every operation is
// attributed to the acting admin and appends an audit row; operations that
// touch a paid subscription reconcile with the processor before mutating
// local state.
type Service struct {
	db         txRunner
	subs       entitlements.Repository
	ents       entitlementService
	invoices   invoiceLedger
	ledgerRepo ledger.Repository
	grace      graceManager
	processor  Processor
	prices     PriceResolver
	logg       *logger.Logger
	graceDays  int
	now        func() time.Time
}

// ServiceParams carries the dependencies for NewService.
type ServiceParams struct {
	DB           txRunner
	Subs         entitlements.Repository
	Entitlements entitlementService
	Ledger       invoiceLedger
	LedgerRepo   ledger.Repository
	Grace        graceManager
	Processor    Processor
	Prices       PriceResolver
	Logger       *logger.Logger
	GraceDays    int
	NowFunc      func() time.Time
}

// Validate ensures all required dependencies are present.
func (p ServiceParams) Validate() error {
	if p.DB == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "admin service requires a transaction runner")
	}
	if p.Subs == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "admin service requires a subscription repository")
	}
	if p.Entitlements == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "admin service requires the entitlement service")
	}
	if p.Ledger == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "admin service requires the invoice ledger")
	}
	if p.LedgerRepo == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "admin service requires the ledger repository")
	}
	if p.Grace == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "admin service requires the grace manager")
	}
	if p.Processor == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "admin service requires the payment processor client")
	}
	if p.Prices == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "admin service requires a price resolver")
	}
	if p.Logger == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "admin service requires a logger")
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
		db:         params.DB,
		subs:       params.Subs,
		ents:       params.Entitlements,
		invoices:   params.Ledger,
		ledgerRepo: params.LedgerRepo,
		grace:      params.Grace,
		processor:  params.Processor,
		prices:     params.Prices,
		logg:       params.Logger,
		graceDays:  params.GraceDays,
		now:        now,
	}, nil
}

// ChangeTierParams describes a manual tier override.
type ChangeTierParams struct {
	UserID      uuid.UUID
	NewTier     enums.Tier
	AdminUserID uuid.UUID
	Reason      string
}

// Validate checks the override before any external or database work.
func (p ChangeTierParams) Validate() error {
	if p.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if !p.NewTier.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid tier")
	}
	if p.AdminUserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "admin user id is required")
	}
	if p.Reason == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "a change reason is required")
	}
	return nil
}

// ChangeTier moves a user onto the given tier by fiat. A live processor
// subscription is cancelled externally first; if that call fails the local
// state is left untouched so the two systems never disagree. Tiers granted
// here never invoice.
func (s *Service) ChangeTier(ctx context.Context, params ChangeTierParams) (*models.Subscription, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ctx = s.logg.WithUserID(ctx, params.UserID.String())

	sub, err := s.subs.FindByUserID(ctx, params.UserID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if sub.Tier == params.NewTier {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription already on requested tier")
	}

	hadExternal := sub.IsPaidSubscription && sub.StripeSubscriptionID != nil
	if hadExternal {
		if err := s.processor.CancelSubscription(ctx, *sub.StripeSubscriptionID); err != nil {
			s.logg.Error(ctx, "processor cancel failed, aborting admin tier change", err)
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancelling external subscription")
		}
		if err := s.ents.UnlinkExternal(ctx, params.UserID); err != nil {
			return nil, err
		}
	}

	adminID := params.AdminUserID
	return s.ents.ApplyTierChange(ctx, entitlements.TierChangeParams{
		UserID:       params.UserID,
		NewTier:      params.NewTier,
		ResetBilling: true,
		GraceDays:    s.graceDays,
		Actor:        enums.ChangeActorAdmin,
		ActorUserID:  &adminID,
		Reason:       params.Reason,
	})
}

// ChangeBillingPeriodParams describes a manual billing period switch.
type ChangeBillingPeriodParams struct {
	UserID      uuid.UUID
	NewPeriod   enums.BillingPeriod
	AdminUserID uuid.UUID
	Reason      string
}

// Validate checks the switch before any external or database work.
func (p ChangeBillingPeriodParams) Validate() error {
	if p.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if !p.NewPeriod.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid billing period")
	}
	if p.AdminUserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "admin user id is required")
	}
	if p.Reason == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "a change reason is required")
	}
	return nil
}

// ChangeBillingPeriod switches the user between monthly and annual billing.
// For a live processor subscription the item is swapped onto the new price
// first, with proration; if the local write then fails the mismatch is
// logged for reconciliation.
func (s *Service) ChangeBillingPeriod(ctx context.Context, params ChangeBillingPeriodParams) (*models.Subscription, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ctx = s.logg.WithUserID(ctx, params.UserID.String())

	sub, err := s.subs.FindByUserID(ctx, params.UserID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if sub.BillingPeriod != nil && *sub.BillingPeriod == params.NewPeriod {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription already on requested billing period")
	}

	externalUpdated := false
	if sub.IsPaidSubscription && sub.StripeSubscriptionID != nil {
		priceID, err := s.prices.PriceFor(sub.Tier, params.NewPeriod)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "resolving processor price")
		}
		if err := s.processor.UpdateSubscriptionPrice(ctx, *sub.StripeSubscriptionID, priceID); err != nil {
			s.logg.Error(ctx, "processor price update failed, aborting billing period change", err)
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "updating external subscription price")
		}
		externalUpdated = true
	}

	adminID := params.AdminUserID
	var updated *models.Subscription
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.subs.WithTx(tx)

		current, err := repo.FindByUserID(ctx, params.UserID)
		if err != nil {
			return err
		}
		if current == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		period := params.NewPeriod
		current.BillingPeriod = &period
		if err := repo.UpdateGuarded(ctx, current); err != nil {
			return err
		}
		if err := repo.AppendChangeLog(ctx, &models.SubscriptionChangeLog{
			UserID:         current.UserID,
			PreviousTier:   current.Tier,
			NewTier:        current.Tier,
			PreviousStatus: current.Status,
			NewStatus:      current.Status,
			Actor:          enums.ChangeActorAdmin,
			ActorUserID:    &adminID,
			Reason:         params.Reason,
		}); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		if externalUpdated {
			// The processor already moved; surface the split-brain loudly.
			s.logg.Error(ctx, "billing period updated at processor but local write failed", err)
		}
		return nil, err
	}
	return updated, nil
}

// ProcessRefundParams resolves one pending refund request.
type ProcessRefundParams struct {
	RequestID   uuid.UUID
	Approve     bool
	Notes       string
	AdminUserID uuid.UUID
}

// Validate checks the decision before any database work.
func (p ProcessRefundParams) Validate() error {
	if p.RequestID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "refund request id is required")
	}
	if p.AdminUserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "admin user id is required")
	}
	return nil
}

// ProcessRefundRequest settles a pending request: rejection just closes it,
// approval marks it processed and writes exactly one negated invoice through
// the ledger. The external refund is attempted afterwards but its failure
// never unwinds the local ledger; the ledger is what the business owes.
func (s *Service) ProcessRefundRequest(ctx context.Context, params ProcessRefundParams) (*models.RefundRequest, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	request, err := s.ledgerRepo.FindRefundRequestByID(ctx, params.RequestID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up refund request")
	}
	if request == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "refund request not found")
	}
	if request.Status != enums.RefundRequestStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "refund request is no longer pending")
	}
	ctx = s.logg.WithUserID(ctx, request.UserID.String())

	now := s.now().UTC()
	adminID := params.AdminUserID
	request.ProcessedBy = &adminID
	request.ProcessedAt = &now
	if params.Notes != "" {
		notes := params.Notes
		request.Notes = &notes
	}

	if !params.Approve {
		request.Status = enums.RefundRequestStatusRejected
		if err := s.finishRequest(ctx, request, adminID, "refund request rejected"); err != nil {
			return nil, err
		}
		return request, nil
	}

	if request.InvoiceID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund request is not linked to an invoice")
	}

	reason := request.Reason
	if params.Notes != "" {
		reason = params.Notes
	}
	_, _, err = s.invoices.RecordRefund(ctx, ledger.RecordRefundParams{
		ExternalRef:       "admin-refund:" + request.ID.String(),
		OriginalInvoiceID: request.InvoiceID,
		AmountCents:       request.AmountCents,
		Reason:            reason,
	})
	if err != nil {
		return nil, err
	}

	request.Status = enums.RefundRequestStatusProcessed
	if err := s.finishRequest(ctx, request, adminID, "refund request approved"); err != nil {
		return nil, err
	}

	s.refundExternally(ctx, request)
	return request, nil
}

// finishRequest persists the request's terminal state and the audit row in
// one transaction.
func (s *Service) finishRequest(ctx context.Context, request *models.RefundRequest, adminID uuid.UUID, reason string) error {
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.ledgerRepo.WithTx(tx).UpdateRefundRequest(ctx, request); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating refund request")
		}

		repo := s.subs.WithTx(tx)
		sub, err := repo.FindByUserID(ctx, request.UserID)
		if err != nil {
			return err
		}
		if sub == nil {
			return nil
		}
		return repo.AppendChangeLog(ctx, &models.SubscriptionChangeLog{
			UserID:         sub.UserID,
			PreviousTier:   sub.Tier,
			NewTier:        sub.Tier,
			PreviousStatus: sub.Status,
			NewStatus:      sub.Status,
			Actor:          enums.ChangeActorAdmin,
			ActorUserID:    &adminID,
			Reason:         reason,
		})
	})
}

func (s *Service) refundExternally(ctx context.Context, request *models.RefundRequest) {
	original, err := s.ledgerRepo.FindInvoiceByID(ctx, *request.InvoiceID)
	if err != nil || original == nil || original.ExternalRef == nil {
		s.logg.Warn(ctx, "no external charge reference for approved refund, skipping processor refund")
		return
	}
	amount := request.AmountCents
	if amount <= 0 {
		amount = original.AmountCents
	}
	if err := s.processor.CreateRefund(ctx, *original.ExternalRef, amount); err != nil {
		// The local ledger already carries the refund; flag for manual
		// reconciliation instead of unwinding it.
		s.logg.Error(ctx, fmt.Sprintf("external refund failed for request %s", request.ID), err)
	}
}

// ExtendGrace adds days to the user's open grace window.
func (s *Service) ExtendGrace(ctx context.Context, userID uuid.UUID, additionalDays int, adminUserID uuid.UUID, reason string) error {
	if adminUserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "admin user id is required")
	}
	if reason == "" {
		reason = "grace period extended by admin"
	}
	adminID := adminUserID
	return s.grace.Extend(ctx, userID, additionalDays, grace.Attribution{
		Actor:       enums.ChangeActorAdmin,
		ActorUserID: &adminID,
		Reason:      reason,
	})
}

// BillingProfile is the admin view of one user's billing state.
type BillingProfile struct {
	Subscription *models.Subscription
	Invoices     *ledger.InvoicePage
}

// GetBillingProfile returns the subscription plus one page of the ledger.
func (s *Service) GetBillingProfile(ctx context.Context, userID uuid.UUID, page pagination.Params) (*BillingProfile, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	sub, err := s.subs.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}

	invoices, err := s.invoices.List(ctx, userID, page)
	if err != nil {
		return nil, err
	}
	return &BillingProfile{Subscription: sub, Invoices: invoices}, nil
}
