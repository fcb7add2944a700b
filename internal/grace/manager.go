package grace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// SubscriptionStore is the slice of the subscription repository the manager
// needs. The provider yields a store bound to the given transaction, or the
// base store when tx is nil.
type SubscriptionStore interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	UpdateGuarded(ctx context.Context, subscription *models.Subscription) error
	AppendChangeLog(ctx context.Context, entry *models.SubscriptionChangeLog) error
	ListLapsedGrace(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
}

// SubscriptionStoreProvider binds a store to a transaction.
type SubscriptionStoreProvider func(tx *gorm.DB) SubscriptionStore

// Manager expires downgrade windows that have lapsed. It runs from the cron
// worker, but the same pass is safe to invoke from anywhere since each
// subscription is finalized in its own guarded transaction.
type Manager struct {
	db   txRunner
	subs SubscriptionStoreProvider
	logg *logger.Logger
	now  func() time.Time
}

// ManagerParams carries the dependencies for NewManager.
type ManagerParams struct {
	DB      txRunner
	Subs    SubscriptionStoreProvider
	Logger  *logger.Logger
	NowFunc func() time.Time
}

// Validate ensures all required dependencies are present.
func (p ManagerParams) Validate() error {
	if p.DB == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "grace manager requires a transaction runner")
	}
	if p.Subs == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "grace manager requires a subscription store")
	}
	if p.Logger == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "grace manager requires a logger")
	}
	return nil
}

// NewManager builds a Manager from validated params.
func NewManager(params ManagerParams) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	now := params.NowFunc
	if now == nil {
		now = time.Now
	}
	return &Manager{
		db:   params.DB,
		subs: params.Subs,
		logg: params.Logger,
		now:  now,
	}, nil
}

// ExpireLapsed finds subscriptions whose grace deadline has passed and drops
// each one to the free tier. Per-subscription failures do not stop the pass;
// they are aggregated and returned alongside the count of expirations applied.
func (m *Manager) ExpireLapsed(ctx context.Context, batchSize int) (int, error) {
	now := m.now().UTC()
	lapsed, err := m.subs(nil).ListLapsedGrace(ctx, now, batchSize)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing lapsed grace windows")
	}

	var (
		expired int
		errs    error
	)
	for i := range lapsed {
		userID := lapsed[i].UserID
		if err := m.expireOne(ctx, userID, now); err != nil {
			m.logg.Error(m.logg.WithUserID(ctx, userID.String()), "expiring lapsed grace window", err)
			errs = multierr.Append(errs, err)
			continue
		}
		expired++
	}
	return expired, errs
}

// Attribution identifies who drove a grace window mutation for the audit log.
type Attribution struct {
	Actor       enums.ChangeActor
	ActorUserID *uuid.UUID
	Reason      string
}

func (a Attribution) validate() error {
	if !a.Actor.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid change actor")
	}
	if a.Reason == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "a change reason is required")
	}
	return nil
}

// Start opens a grace window on the subscription's current tier without
// changing the tier itself. The subscription moves to cancelled.
func (m *Manager) Start(ctx context.Context, userID uuid.UUID, days int, attr Attribution) error {
	if err := attr.validate(); err != nil {
		return err
	}
	now := m.now().UTC()
	return m.mutate(ctx, userID, attr, func(sub *models.Subscription) {
		BeginWindow(sub, now, days)
		sub.Status = enums.SubscriptionStatusCancelled
	})
}

// Extend pushes an open window's deadline out by additionalDays. Opening a
// window from scratch this way is allowed for support escalations.
func (m *Manager) Extend(ctx context.Context, userID uuid.UUID, additionalDays int, attr Attribution) error {
	if additionalDays <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "additional days must be positive")
	}
	if err := attr.validate(); err != nil {
		return err
	}
	now := m.now().UTC()
	return m.mutate(ctx, userID, attr, func(sub *models.Subscription) {
		ExtendWindow(sub, now, additionalDays)
	})
}

// Cancel clears an open window, leaving the tier untouched.
func (m *Manager) Cancel(ctx context.Context, userID uuid.UUID, attr Attribution) error {
	if err := attr.validate(); err != nil {
		return err
	}
	return m.mutate(ctx, userID, attr, func(sub *models.Subscription) {
		ClearWindow(sub)
	})
}

func (m *Manager) mutate(ctx context.Context, userID uuid.UUID, attr Attribution, apply func(sub *models.Subscription)) error {
	return m.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := m.subs(tx)

		sub, err := store.FindByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		prevTier := sub.Tier
		prevStatus := sub.Status
		apply(sub)

		if err := store.UpdateGuarded(ctx, sub); err != nil {
			return err
		}
		return store.AppendChangeLog(ctx, &models.SubscriptionChangeLog{
			UserID:         sub.UserID,
			PreviousTier:   prevTier,
			NewTier:        sub.Tier,
			PreviousStatus: prevStatus,
			NewStatus:      sub.Status,
			Actor:          attr.Actor,
			ActorUserID:    attr.ActorUserID,
			Reason:         attr.Reason,
		})
	})
}

func (m *Manager) expireOne(ctx context.Context, userID uuid.UUID, now time.Time) error {
	return m.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := m.subs(tx)

		sub, err := store.FindByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if sub == nil || sub.GracePeriodEnd == nil || sub.GracePeriodEnd.After(now) {
			// Cleared or extended since the listing ran.
			return nil
		}

		prevTier := sub.Tier
		prevStatus := sub.Status
		Expire(sub, now)

		if err := store.UpdateGuarded(ctx, sub); err != nil {
			return err
		}
		return store.AppendChangeLog(ctx, &models.SubscriptionChangeLog{
			UserID:         sub.UserID,
			PreviousTier:   prevTier,
			NewTier:        sub.Tier,
			PreviousStatus: prevStatus,
			NewStatus:      sub.Status,
			Actor:          enums.ChangeActorScheduler,
			Reason:         "grace period lapsed",
		})
	})
}
