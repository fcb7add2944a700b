package grace

import (
	"time"

	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
)

// BeginWindow records a downgrade window on the subscription. The previous
// paid tier is preserved so the user can be restored if they resubscribe
// before the window lapses. Access becomes read-only immediately.
func BeginWindow(sub *models.Subscription, now time.Time, days int) {
	if days < 0 {
		days = 0
	}
	prev := sub.Tier
	end := now.Add(time.Duration(days) * 24 * time.Hour)

	sub.PreviousTier = &prev
	sub.DowngradeDate = &now
	sub.GracePeriodEnd = &end
	sub.IsReadOnly = true
}

// ExtendWindow pushes the grace deadline out by the given number of days.
// The extension is additive on the current deadline, not on now.
func ExtendWindow(sub *models.Subscription, now time.Time, days int) {
	if days <= 0 {
		return
	}
	base := now
	if sub.GracePeriodEnd != nil {
		base = *sub.GracePeriodEnd
	}
	end := base.Add(time.Duration(days) * 24 * time.Hour)
	sub.GracePeriodEnd = &end
	sub.IsReadOnly = true
}

// ClearWindow removes any grace window state, typically when the user
// returns to a live paid tier before the deadline.
func ClearWindow(sub *models.Subscription) {
	sub.PreviousTier = nil
	sub.DowngradeDate = nil
	sub.GracePeriodEnd = nil
	sub.IsReadOnly = false
}

// Expire finalizes a lapsed window: the subscription lands on the free tier
// with no billing linkage left behind.
func Expire(sub *models.Subscription, now time.Time) {
	sub.Tier = enums.TierFree
	sub.Status = enums.SubscriptionStatusExpired
	sub.BillingPeriod = nil
	sub.IsPaidSubscription = false
	sub.StripeSubscriptionID = nil
	sub.NextBillingDate = nil
	sub.ExpiresAt = &now
	ClearWindow(sub)
}

// DaysRemaining reports whole days left before the deadline, rounding any
// partial day up. A lapsed or absent window reports zero.
func DaysRemaining(end *time.Time, now time.Time) int {
	if end == nil {
		return 0
	}
	remaining := end.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}
