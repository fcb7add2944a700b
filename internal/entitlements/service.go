package entitlements

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/internal/grace"
	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service owns subscription state transitions. Every mutation lands in a
// single transaction together with its audit log entry.
type Service struct {
	db   txRunner
	repo Repository
	logg *logger.Logger
	now  func() time.Time
}

// ServiceParams carries the dependencies for NewService.
type ServiceParams struct {
	DB      txRunner
	Repo    Repository
	Logger  *logger.Logger
	NowFunc func() time.Time
}

// Validate ensures all required dependencies are present.
func (p ServiceParams) Validate() error {
	if p.DB == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "entitlements service requires a transaction runner")
	}
	if p.Repo == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "entitlements service requires a repository")
	}
	if p.Logger == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "entitlements service requires a logger")
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
		db:   params.DB,
		repo: params.Repo,
		logg: params.Logger,
		now:  now,
	}, nil
}

// Get returns the subscription for the user.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

// ProvisionDefault creates the free active subscription a new account starts
// on. It is idempotent: an existing row is returned untouched.
func (s *Service) ProvisionDefault(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	existing, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription")
	}
	if existing != nil {
		return existing, nil
	}

	sub := &models.Subscription{
		UserID:   userID,
		Tier:     enums.TierFree,
		Status:   enums.SubscriptionStatusActive,
		StartsAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating subscription")
	}
	return sub, nil
}

// TierChangeParams describes a requested tier transition.
type TierChangeParams struct {
	UserID        uuid.UUID
	NewTier       enums.Tier
	NewStatus     enums.SubscriptionStatus
	BillingPeriod *enums.BillingPeriod
	IsPaid        bool
	ResetBilling  bool
	ExpiresAt     *time.Time
	GraceDays     int
	Actor         enums.ChangeActor
	ActorUserID   *uuid.UUID
	Reason        string
}

// Validate checks the transition request before any database work.
func (p TierChangeParams) Validate() error {
	if p.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if !p.NewTier.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid tier")
	}
	if p.NewStatus != "" && !p.NewStatus.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid subscription status")
	}
	if !p.Actor.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid change actor")
	}
	if p.Reason == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "a change reason is required")
	}
	return nil
}

// ApplyTierChange moves the subscription to the requested tier. A downgrade
// away from a paid tier opens a grace window instead of dropping access
// immediately; moving to a live tier clears any open window. The audit log
// entry commits in the same transaction as the subscription row.
func (s *Service) ApplyTierChange(ctx context.Context, params TierChangeParams) (*models.Subscription, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var updated *models.Subscription

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		sub, err := repo.FindByUserID(ctx, params.UserID)
		if err != nil {
			return err
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		prevTier := sub.Tier
		prevStatus := sub.Status

		downgrade := prevTier.IsPaid() && params.NewTier.Rank() < prevTier.Rank()
		if downgrade {
			grace.BeginWindow(sub, now, params.GraceDays)
			sub.Status = enums.SubscriptionStatusCancelled
		} else {
			grace.ClearWindow(sub)
			sub.Status = enums.SubscriptionStatusActive
		}
		if params.NewStatus != "" {
			sub.Status = params.NewStatus
		}

		sub.Tier = params.NewTier
		sub.ExpiresAt = params.ExpiresAt
		if params.BillingPeriod != nil {
			sub.BillingPeriod = params.BillingPeriod
		}
		sub.IsPaidSubscription = params.IsPaid && params.NewTier.IsPaid()

		if params.ResetBilling {
			sub.BillingPeriod = nil
			sub.NextBillingDate = nil
			sub.IsPaidSubscription = false
		}

		if err := repo.UpdateGuarded(ctx, sub); err != nil {
			return err
		}
		if err := repo.AppendChangeLog(ctx, &models.SubscriptionChangeLog{
			UserID:         sub.UserID,
			PreviousTier:   prevTier,
			NewTier:        sub.Tier,
			PreviousStatus: prevStatus,
			NewStatus:      sub.Status,
			Actor:          params.Actor,
			ActorUserID:    params.ActorUserID,
			Reason:         params.Reason,
		}); err != nil {
			return err
		}

		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// LinkExternal attaches the processor-side subscription and customer ids.
// Linking the same ids again is a no-op.
func (s *Service) LinkExternal(ctx context.Context, userID uuid.UUID, subscriptionID, customerID string) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if subscriptionID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "external subscription id is required")
	}

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		sub, err := repo.FindByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		if sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID == subscriptionID &&
			(customerID == "" || (sub.StripeCustomerID != nil && *sub.StripeCustomerID == customerID)) {
			return nil
		}

		sub.StripeSubscriptionID = &subscriptionID
		if customerID != "" {
			sub.StripeCustomerID = &customerID
		}
		return repo.UpdateGuarded(ctx, sub)
	})
}

// UnlinkExternal severs the processor linkage and clears the billing
// schedule. Calling it on an already unlinked subscription is a no-op.
func (s *Service) UnlinkExternal(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		sub, err := repo.FindByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		if !sub.HasExternalSubscription() && !sub.IsPaidSubscription {
			return nil
		}

		sub.StripeSubscriptionID = nil
		sub.BillingPeriod = nil
		sub.NextBillingDate = nil
		sub.LastPaymentDate = nil
		sub.IsPaidSubscription = false
		return repo.UpdateGuarded(ctx, sub)
	})
}
