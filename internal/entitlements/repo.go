package entitlements

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/pkg/db/models"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
)

// Repository handles subscription persistence. All mutations go through
// UpdateGuarded, a compare-and-set on the row version, so a webhook handler
// and an admin operation racing on the same user cannot lose updates.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	FindByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	Create(ctx context.Context, subscription *models.Subscription) error
	UpdateGuarded(ctx context.Context, subscription *models.Subscription) error
	AppendChangeLog(ctx context.Context, entry *models.SubscriptionChangeLog) error
	ListLapsedGrace(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
	ListPaidSubscriptions(ctx context.Context, limit int) ([]models.Subscription, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, nil
	}
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) Create(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Create(subscription).Error
}

func (r *repository) UpdateGuarded(ctx context.Context, subscription *models.Subscription) error {
	currentVersion := subscription.Version
	result := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ? AND version = ?", subscription.UserID, currentVersion).
		Updates(map[string]any{
			"tier":                   subscription.Tier,
			"status":                 subscription.Status,
			"billing_period":         subscription.BillingPeriod,
			"is_paid_subscription":   subscription.IsPaidSubscription,
			"stripe_subscription_id": subscription.StripeSubscriptionID,
			"stripe_customer_id":     subscription.StripeCustomerID,
			"starts_at":              subscription.StartsAt,
			"expires_at":             subscription.ExpiresAt,
			"next_billing_date":      subscription.NextBillingDate,
			"last_payment_date":      subscription.LastPaymentDate,
			"previous_tier":          subscription.PreviousTier,
			"downgrade_date":         subscription.DowngradeDate,
			"grace_period_end":       subscription.GracePeriodEnd,
			"is_read_only":           subscription.IsReadOnly,
			"version":                currentVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription was modified concurrently")
	}
	subscription.Version = currentVersion + 1
	return nil
}

func (r *repository) AppendChangeLog(ctx context.Context, entry *models.SubscriptionChangeLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListLapsedGrace(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("grace_period_end IS NOT NULL AND grace_period_end <= ?", cutoff).
		Order("grace_period_end ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) ListPaidSubscriptions(ctx context.Context, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("is_paid_subscription = ? AND stripe_subscription_id IS NOT NULL", true).
		Order("updated_at DESC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
