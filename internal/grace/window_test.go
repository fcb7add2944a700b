package grace

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
)

func TestBeginWindowRecordsPreviousTier(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := &models.Subscription{
		UserID: uuid.New(),
		Tier:   enums.TierTwo,
		Status: enums.SubscriptionStatusActive,
	}

	BeginWindow(sub, now, 30)

	if sub.PreviousTier == nil || *sub.PreviousTier != enums.TierTwo {
		t.Fatalf("expected previous tier tier_2, got %v", sub.PreviousTier)
	}
	if sub.DowngradeDate == nil || !sub.DowngradeDate.Equal(now) {
		t.Fatalf("expected downgrade date %v, got %v", now, sub.DowngradeDate)
	}
	wantEnd := now.Add(30 * 24 * time.Hour)
	if sub.GracePeriodEnd == nil || !sub.GracePeriodEnd.Equal(wantEnd) {
		t.Fatalf("expected grace end %v, got %v", wantEnd, sub.GracePeriodEnd)
	}
	if !sub.IsReadOnly {
		t.Fatalf("expected subscription to be read-only during grace")
	}
}

func TestBeginWindowClampsNegativeDays(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := &models.Subscription{Tier: enums.TierOne}

	BeginWindow(sub, now, -5)

	if sub.GracePeriodEnd == nil || !sub.GracePeriodEnd.Equal(now) {
		t.Fatalf("expected grace end clamped to now, got %v", sub.GracePeriodEnd)
	}
}

func TestExtendWindowIsAdditiveOnDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(10 * 24 * time.Hour)
	sub := &models.Subscription{GracePeriodEnd: &end}

	ExtendWindow(sub, now, 7)

	wantEnd := end.Add(7 * 24 * time.Hour)
	if !sub.GracePeriodEnd.Equal(wantEnd) {
		t.Fatalf("expected extended end %v, got %v", wantEnd, sub.GracePeriodEnd)
	}
}

func TestExtendWindowWithoutDeadlineStartsFromNow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := &models.Subscription{}

	ExtendWindow(sub, now, 3)

	wantEnd := now.Add(3 * 24 * time.Hour)
	if sub.GracePeriodEnd == nil || !sub.GracePeriodEnd.Equal(wantEnd) {
		t.Fatalf("expected end %v, got %v", wantEnd, sub.GracePeriodEnd)
	}
}

func TestExpireLandsOnFreeTier(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	stripeID := "sub_123"
	prev := enums.TierTwo
	end := now.Add(-time.Hour)
	next := now.Add(24 * time.Hour)
	sub := &models.Subscription{
		Tier:                 enums.TierOne,
		Status:               enums.SubscriptionStatusCancelled,
		IsPaidSubscription:   true,
		StripeSubscriptionID: &stripeID,
		NextBillingDate:      &next,
		PreviousTier:         &prev,
		GracePeriodEnd:       &end,
		IsReadOnly:           true,
	}

	Expire(sub, now)

	if sub.Tier != enums.TierFree {
		t.Fatalf("expected free tier, got %s", sub.Tier)
	}
	if sub.Status != enums.SubscriptionStatusExpired {
		t.Fatalf("expected expired status, got %s", sub.Status)
	}
	if sub.IsPaidSubscription {
		t.Fatalf("expected paid flag cleared")
	}
	if sub.StripeSubscriptionID != nil || sub.NextBillingDate != nil {
		t.Fatalf("expected billing linkage cleared")
	}
	if sub.PreviousTier != nil || sub.GracePeriodEnd != nil || sub.IsReadOnly {
		t.Fatalf("expected grace window cleared")
	}
}

func TestDaysRemainingRoundsPartialDaysUp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		offset time.Duration
		want   int
	}{
		{"nil deadline", 0, 0},
		{"lapsed", -time.Hour, 0},
		{"exactly now", 0, 0},
		{"one second", time.Second, 1},
		{"half a day", 12 * time.Hour, 1},
		{"exactly one day", 24 * time.Hour, 1},
		{"one day and a minute", 24*time.Hour + time.Minute, 2},
		{"thirty days", 30 * 24 * time.Hour, 30},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var end *time.Time
			if tc.name != "nil deadline" {
				e := now.Add(tc.offset)
				end = &e
			}
			if got := DaysRemaining(end, now); got != tc.want {
				t.Fatalf("expected %d days, got %d", tc.want, got)
			}
		})
	}
}
