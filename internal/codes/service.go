package codes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/internal/entitlements"
	"github.com/printventory/printventory-backend/internal/grace"
	"github.com/printventory/printventory-backend/pkg/db"
	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
)

// RejectReason is the machine-readable reason a redemption was declined.
type RejectReason string

const (
	RejectInvalidCode     RejectReason = "invalid_code"
	RejectAlreadyRedeemed RejectReason = "already_redeemed"
	RejectExpired         RejectReason = "expired"
	RejectExhaustedUses   RejectReason = "exhausted_uses"
)

// RedemptionResult is the structured outcome of a redemption attempt.
// Business-rule rejections come back with Success=false and a reason, never
// as an error; errors are reserved for infrastructure failures.
type RedemptionResult struct {
	Success            bool
	Reason             RejectReason
	Message            string
	CodeType           enums.CodeType
	Tier               enums.Tier
	TrialDays          int
	DiscountPercentage int
	ExpiresAt          *time.Time
}

func rejected(reason RejectReason, message string) *RedemptionResult {
	return &RedemptionResult{Reason: reason, Message: message}
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type processor interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Service is the code redemption engine.
type Service struct {
	db        txRunner
	repo      Repository
	subs      entitlements.Repository
	processor processor
	logg      *logger.Logger
	now       func() time.Time
}

// ServiceParams carries the dependencies for NewService.
type ServiceParams struct {
	DB        txRunner
	Repo      Repository
	Subs      entitlements.Repository
	Processor processor
	Logger    *logger.Logger
	NowFunc   func() time.Time
}

// Validate ensures all required dependencies are present.
func (p ServiceParams) Validate() error {
	if p.DB == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "codes service requires a transaction runner")
	}
	if p.Repo == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "codes service requires a repository")
	}
	if p.Subs == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "codes service requires a subscription repository")
	}
	if p.Processor == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "codes service requires a payment processor client")
	}
	if p.Logger == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "codes service requires a logger")
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
		repo:      params.Repo,
		subs:      params.Subs,
		processor: params.Processor,
		logg:      params.Logger,
		now:       now,
	}, nil
}

// Normalize canonicalizes user-entered code input.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

type grant struct {
	codeID             uuid.UUID
	code               string
	codeType           enums.CodeType
	tier               enums.Tier
	trialDays          int
	discountPercentage int
}

// Redeem applies the code to the user's subscription. A code grant supersedes
// paid billing: any live external subscription is cancelled at the processor
// first, best-effort. The local mutation is a single transaction whose
// uniqueness constraint on (user_id, code_id) closes the concurrent-redeem
// race.
func (s *Service) Redeem(ctx context.Context, userID uuid.UUID, rawCode string) (*RedemptionResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	code := Normalize(rawCode)
	if code == "" {
		return rejected(RejectInvalidCode, "that code is not valid"), nil
	}

	now := s.now().UTC()

	g, result, err := s.lookup(ctx, code, now)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	// A repeat redemption must be refused before any processor call: the
	// cancel below is irreversible, so it can only run for an attempt that
	// can still succeed. The unique constraint inside commit closes the
	// window between this read and the insert.
	existing, err := s.repo.FindRedemption(ctx, userID, g.codeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "checking prior redemption")
	}
	if existing != nil {
		return rejected(RejectAlreadyRedeemed, "you have already used this code"), nil
	}

	sub, err := s.subs.FindByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}

	// Code grants terminate paid billing rather than stack on it. The cancel
	// is best-effort cleanup: a processor failure is logged, not fatal.
	if sub.IsPaidSubscription && sub.HasExternalSubscription() {
		if err := s.processor.CancelSubscription(ctx, *sub.StripeSubscriptionID); err != nil {
			s.logg.Error(s.logg.WithUserID(ctx, userID.String()),
				"cancelling external subscription before code grant", err)
		}
	}

	return s.commit(ctx, userID, g, now)
}

func (s *Service) lookup(ctx context.Context, code string, now time.Time) (*grant, *RedemptionResult, error) {
	promo, err := s.repo.FindPromoByCode(ctx, code)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up promo code")
	}
	if promo != nil {
		if result := checkUsable(promo.IsActive, promo.ExpiresAt, promo.MaxUses, promo.CurrentUses, now); result != nil {
			return nil, result, nil
		}
		return &grant{
			codeID:   promo.ID,
			code:     promo.Code,
			codeType: enums.CodeTypePromo,
			tier:     promo.TierGranted,
		}, nil, nil
	}

	creator, err := s.repo.FindCreatorByCode(ctx, code)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up creator code")
	}
	if creator != nil {
		if result := checkUsable(creator.IsActive, creator.ExpiresAt, creator.MaxUses, creator.CurrentUses, now); result != nil {
			return nil, result, nil
		}
		return &grant{
			codeID:             creator.ID,
			code:               creator.Code,
			codeType:           enums.CodeTypeCreator,
			tier:               creator.TierGranted,
			trialDays:          creator.TrialDays,
			discountPercentage: creator.DiscountPercentage,
		}, nil, nil
	}

	return nil, rejected(RejectInvalidCode, "that code is not valid"), nil
}

func checkUsable(isActive bool, expiresAt *time.Time, maxUses *int, currentUses int, now time.Time) *RedemptionResult {
	if !isActive {
		return rejected(RejectInvalidCode, "that code is not valid")
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return rejected(RejectExpired, "that code has expired")
	}
	if maxUses != nil && currentUses >= *maxUses {
		return rejected(RejectExhaustedUses, "that code has already been fully used")
	}
	return nil
}

func (s *Service) commit(ctx context.Context, userID uuid.UUID, g *grant, now time.Time) (*RedemptionResult, error) {
	var result *RedemptionResult

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		subs := s.subs.WithTx(tx)
		repo := s.repo.WithTx(tx)

		sub, err := subs.FindByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		prevTier := sub.Tier
		prevStatus := sub.Status

		newTier := g.tier
		if g.codeType == enums.CodeTypeCreator && newTier.Rank() < sub.Tier.Rank() {
			// Creator codes never downgrade.
			newTier = sub.Tier
		}

		var expiresAt *time.Time
		if g.codeType == enums.CodeTypeCreator && g.trialDays > 0 {
			// Trial days stack onto an unexpired window, not onto now.
			base := now
			if sub.ExpiresAt != nil && sub.ExpiresAt.After(now) {
				base = *sub.ExpiresAt
			}
			e := base.Add(time.Duration(g.trialDays) * 24 * time.Hour)
			expiresAt = &e
		}

		grace.ClearWindow(sub)
		sub.Tier = newTier
		sub.ExpiresAt = expiresAt
		sub.IsPaidSubscription = false
		sub.BillingPeriod = nil
		sub.NextBillingDate = nil
		sub.StripeSubscriptionID = nil
		if g.codeType == enums.CodeTypeCreator && g.trialDays > 0 {
			sub.Status = enums.SubscriptionStatusTrial
		} else {
			sub.Status = enums.SubscriptionStatusActive
		}

		if err := subs.UpdateGuarded(ctx, sub); err != nil {
			return err
		}

		if err := repo.CreateRedemption(ctx, &models.CodeRedemption{
			UserID:      userID,
			CodeID:      g.codeID,
			CodeType:    g.codeType,
			Code:        g.code,
			TierGranted: g.tier,
			TrialDays:   g.trialDays,
		}); err != nil {
			if db.IsUniqueViolation(err, "idx_code_redemptions_user_code") {
				// Roll the tier update back; the other attempt won.
				result = rejected(RejectAlreadyRedeemed, "you have already used this code")
			}
			return err
		}

		incrementErr := error(nil)
		switch g.codeType {
		case enums.CodeTypePromo:
			incrementErr = repo.IncrementPromoUses(ctx, g.codeID)
		case enums.CodeTypeCreator:
			incrementErr = repo.IncrementCreatorUses(ctx, g.codeID)
		}
		if incrementErr != nil {
			if errors.Is(incrementErr, ErrUsesExhausted) {
				result = rejected(RejectExhaustedUses, "that code has already been fully used")
			}
			return incrementErr
		}

		if err := subs.AppendChangeLog(ctx, &models.SubscriptionChangeLog{
			UserID:         userID,
			PreviousTier:   prevTier,
			NewTier:        sub.Tier,
			PreviousStatus: prevStatus,
			NewStatus:      sub.Status,
			Actor:          enums.ChangeActorUser,
			ActorUserID:    &userID,
			Reason:         "redeemed code " + g.code,
		}); err != nil {
			return err
		}

		result = &RedemptionResult{
			Success:            true,
			Message:            "code redeemed",
			CodeType:           g.codeType,
			Tier:               sub.Tier,
			TrialDays:          g.trialDays,
			DiscountPercentage: g.discountPercentage,
			ExpiresAt:          sub.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		if result != nil {
			// Business rejection surfaced mid-transaction; the rollback is the
			// point, not a failure.
			return result, nil
		}
		return nil, err
	}
	return result, nil
}
