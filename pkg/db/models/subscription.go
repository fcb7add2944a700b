package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/pkg/enums"
)

// Subscription is the entitlement record, one row per user. It is created at
// signup and mutated in place; it is never deleted while the user exists.
// Version backs the compare-and-set every mutating write goes through.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID               uuid.UUID                `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	Tier                 enums.Tier               `gorm:"column:tier;not null;default:'free'"`
	Status               enums.SubscriptionStatus `gorm:"column:status;not null;default:'active'"`
	BillingPeriod        *enums.BillingPeriod     `gorm:"column:billing_period"`
	IsPaidSubscription   bool                     `gorm:"column:is_paid_subscription;not null;default:false"`
	StripeSubscriptionID *string                  `gorm:"column:stripe_subscription_id;index"`
	StripeCustomerID     *string                  `gorm:"column:stripe_customer_id"`
	StartsAt             time.Time                `gorm:"column:starts_at;not null"`
	ExpiresAt            *time.Time               `gorm:"column:expires_at"`
	NextBillingDate      *time.Time               `gorm:"column:next_billing_date"`
	LastPaymentDate      *time.Time               `gorm:"column:last_payment_date"`
	PreviousTier         *enums.Tier              `gorm:"column:previous_tier"`
	DowngradeDate        *time.Time               `gorm:"column:downgrade_date"`
	GracePeriodEnd       *time.Time               `gorm:"column:grace_period_end"`
	IsReadOnly           bool                     `gorm:"column:is_read_only;not null;default:false"`
	Version              int64                    `gorm:"column:version;not null;default:0"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

// HasExternalSubscription reports whether the row is linked to a live
// payment processor subscription.
func (s *Subscription) HasExternalSubscription() bool {
	return s != nil && s.StripeSubscriptionID != nil && *s.StripeSubscriptionID != ""
}

// InGracePeriod reports whether a grace window is currently open.
func (s *Subscription) InGracePeriod(now time.Time) bool {
	return s != nil && s.GracePeriodEnd != nil && s.GracePeriodEnd.After(now)
}
