package codes

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/printventory/printventory-backend/internal/entitlements"
	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	"github.com/printventory/printventory-backend/pkg/logger"
)

type gormTxRunner struct {
	conn *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.conn.WithContext(ctx).Transaction(fn)
}

type stubProcessor struct {
	cancelled []string
	err       error
}

func (p *stubProcessor) CancelSubscription(ctx context.Context, subscriptionID string) error {
	p.cancelled = append(p.cancelled, subscriptionID)
	return p.err
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// A single pooled connection keeps every statement on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE subscriptions (
			id text PRIMARY KEY,
			user_id text NOT NULL UNIQUE,
			tier text NOT NULL DEFAULT 'free',
			status text NOT NULL DEFAULT 'active',
			billing_period text,
			is_paid_subscription boolean NOT NULL DEFAULT false,
			stripe_subscription_id text,
			stripe_customer_id text,
			starts_at datetime NOT NULL,
			expires_at datetime,
			next_billing_date datetime,
			last_payment_date datetime,
			previous_tier text,
			downgrade_date datetime,
			grace_period_end datetime,
			is_read_only boolean NOT NULL DEFAULT false,
			version integer NOT NULL DEFAULT 0,
			created_at datetime,
			updated_at datetime
		)`,
		`CREATE TABLE subscription_change_logs (
			id text PRIMARY KEY,
			user_id text NOT NULL,
			previous_tier text NOT NULL,
			new_tier text NOT NULL,
			previous_status text NOT NULL,
			new_status text NOT NULL,
			actor text NOT NULL,
			actor_user_id text,
			reason text NOT NULL,
			created_at datetime
		)`,
		`CREATE TABLE promo_codes (
			id text PRIMARY KEY,
			code text NOT NULL UNIQUE,
			tier_granted text NOT NULL,
			max_uses integer,
			current_uses integer NOT NULL DEFAULT 0,
			is_active boolean NOT NULL DEFAULT true,
			expires_at datetime,
			created_at datetime,
			updated_at datetime
		)`,
		`CREATE TABLE creator_codes (
			id text PRIMARY KEY,
			code text NOT NULL UNIQUE,
			tier_granted text NOT NULL,
			trial_days integer NOT NULL DEFAULT 0,
			discount_percentage integer NOT NULL DEFAULT 0,
			max_uses integer,
			current_uses integer NOT NULL DEFAULT 0,
			is_active boolean NOT NULL DEFAULT true,
			expires_at datetime,
			created_at datetime,
			updated_at datetime
		)`,
		`CREATE TABLE code_redemptions (
			id text PRIMARY KEY,
			user_id text NOT NULL,
			code_id text NOT NULL,
			code_type text NOT NULL,
			code text NOT NULL,
			tier_granted text NOT NULL,
			trial_days integer NOT NULL DEFAULT 0,
			created_at datetime,
			UNIQUE (user_id, code_id)
		)`,
	}
	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

type fixture struct {
	conn      *gorm.DB
	svc       *Service
	processor *stubProcessor
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := openTestDB(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	proc := &stubProcessor{}

	svc, err := NewService(ServiceParams{
		DB:        gormTxRunner{conn: conn},
		Repo:      NewRepository(conn),
		Subs:      entitlements.NewRepository(conn),
		Processor: proc,
		Logger:    logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard}),
		NowFunc:   func() time.Time { return now },
	})
	require.NoError(t, err)
	return &fixture{conn: conn, svc: svc, processor: proc, now: now}
}

func (f *fixture) seedSubscription(t *testing.T, sub *models.Subscription) *models.Subscription {
	t.Helper()
	if sub.StartsAt.IsZero() {
		sub.StartsAt = f.now.Add(-30 * 24 * time.Hour)
	}
	require.NoError(t, f.conn.Create(sub).Error)
	return sub
}

func (f *fixture) seedPromo(t *testing.T, promo *models.PromoCode) *models.PromoCode {
	t.Helper()
	require.NoError(t, f.conn.Create(promo).Error)
	return promo
}

func (f *fixture) seedCreator(t *testing.T, creator *models.CreatorCode) *models.CreatorCode {
	t.Helper()
	require.NoError(t, f.conn.Create(creator).Error)
	return creator
}

func (f *fixture) reload(t *testing.T, userID uuid.UUID) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, f.conn.First(&sub, "user_id = ?", userID).Error)
	return &sub
}

func TestRedeemPromoSetsTier(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierFree, Status: enums.SubscriptionStatusActive})
	f.seedPromo(t, &models.PromoCode{Code: "maker25", TierGranted: enums.TierTwo, IsActive: true})

	result, err := f.svc.Redeem(context.Background(), userID, "  MAKER25 ")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, enums.CodeTypePromo, result.CodeType)
	require.Equal(t, enums.TierTwo, result.Tier)

	sub := f.reload(t, userID)
	require.Equal(t, enums.TierTwo, sub.Tier)
	require.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	require.False(t, sub.IsPaidSubscription)

	var logs int64
	require.NoError(t, f.conn.Model(&models.SubscriptionChangeLog{}).Where("user_id = ?", userID).Count(&logs).Error)
	require.EqualValues(t, 1, logs)
}

func TestRedeemUnknownCode(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierFree, Status: enums.SubscriptionStatusActive})

	result, err := f.svc.Redeem(context.Background(), userID, "nope")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, RejectInvalidCode, result.Reason)
}

func TestRedeemExpiredCode(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierFree, Status: enums.SubscriptionStatusActive})
	past := f.now.Add(-time.Hour)
	f.seedPromo(t, &models.PromoCode{Code: "old", TierGranted: enums.TierOne, IsActive: true, ExpiresAt: &past})

	result, err := f.svc.Redeem(context.Background(), userID, "old")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, RejectExpired, result.Reason)
}

func TestRedeemSecondAttemptIsAlreadyRedeemed(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierFree, Status: enums.SubscriptionStatusActive})
	f.seedPromo(t, &models.PromoCode{Code: "once", TierGranted: enums.TierOne, IsActive: true})

	first, err := f.svc.Redeem(context.Background(), userID, "once")
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := f.svc.Redeem(context.Background(), userID, "once")
	require.NoError(t, err)
	require.False(t, second.Success)
	require.Equal(t, RejectAlreadyRedeemed, second.Reason)

	var promo models.PromoCode
	require.NoError(t, f.conn.First(&promo, "code = ?", "once").Error)
	require.Equal(t, 1, promo.CurrentUses)
}

func TestRedeemRepeatAttemptNeverReachesProcessor(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierFree, Status: enums.SubscriptionStatusActive})
	f.seedPromo(t, &models.PromoCode{Code: "keeper", TierGranted: enums.TierOne, IsActive: true})

	first, err := f.svc.Redeem(context.Background(), userID, "keeper")
	require.NoError(t, err)
	require.True(t, first.Success)

	// The user later buys a paid subscription.
	stripeID := "sub_live_paid"
	period := enums.BillingPeriodMonthly
	require.NoError(t, f.conn.Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"tier":                   enums.TierTwo,
			"is_paid_subscription":   true,
			"stripe_subscription_id": stripeID,
			"billing_period":         period,
		}).Error)

	// Re-entering the old code must be refused before any processor call.
	second, err := f.svc.Redeem(context.Background(), userID, "keeper")
	require.NoError(t, err)
	require.False(t, second.Success)
	require.Equal(t, RejectAlreadyRedeemed, second.Reason)
	require.Empty(t, f.processor.cancelled)

	sub := f.reload(t, userID)
	require.True(t, sub.IsPaidSubscription)
	require.NotNil(t, sub.StripeSubscriptionID)
	require.Equal(t, stripeID, *sub.StripeSubscriptionID)
	require.Equal(t, enums.TierTwo, sub.Tier)
}

func TestRedeemLostRaceClosedByConstraint(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierFree, Status: enums.SubscriptionStatusActive})
	promo := f.seedPromo(t, &models.PromoCode{Code: "race", TierGranted: enums.TierOne, IsActive: true, CurrentUses: 1})

	// Simulate the other attempt winning after this one's pre-read: its
	// redemption row is already committed when commit runs.
	require.NoError(t, f.conn.Create(&models.CodeRedemption{
		UserID:      userID,
		CodeID:      promo.ID,
		CodeType:    enums.CodeTypePromo,
		Code:        promo.Code,
		TierGranted: promo.TierGranted,
	}).Error)

	result, err := f.svc.commit(context.Background(), userID, &grant{
		codeID:   promo.ID,
		code:     promo.Code,
		codeType: enums.CodeTypePromo,
		tier:     promo.TierGranted,
	}, f.now)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, RejectAlreadyRedeemed, result.Reason)

	// The losing transaction rolled back: tier unchanged, uses not double-counted.
	require.Equal(t, enums.TierFree, f.reload(t, userID).Tier)
	var reloaded models.PromoCode
	require.NoError(t, f.conn.First(&reloaded, "code = ?", "race").Error)
	require.Equal(t, 1, reloaded.CurrentUses)
}

func TestRedeemSingleUseCodeExhausted(t *testing.T) {
	f := newFixture(t)
	winner := uuid.New()
	loser := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: winner, Tier: enums.TierFree, Status: enums.SubscriptionStatusActive})
	f.seedSubscription(t, &models.Subscription{UserID: loser, Tier: enums.TierFree, Status: enums.SubscriptionStatusActive})
	maxUses := 1
	f.seedPromo(t, &models.PromoCode{Code: "solo", TierGranted: enums.TierOne, IsActive: true, MaxUses: &maxUses})

	first, err := f.svc.Redeem(context.Background(), winner, "solo")
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := f.svc.Redeem(context.Background(), loser, "solo")
	require.NoError(t, err)
	require.False(t, second.Success)
	require.Equal(t, RejectExhaustedUses, second.Reason)

	// The loser's subscription must not have been granted anything.
	sub := f.reload(t, loser)
	require.Equal(t, enums.TierFree, sub.Tier)

	var promo models.PromoCode
	require.NoError(t, f.conn.First(&promo, "code = ?", "solo").Error)
	require.Equal(t, 1, promo.CurrentUses)
}

func TestRedeemCancelsLivePaidSubscription(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	stripeID := "sub_live_1"
	period := enums.BillingPeriodMonthly
	f.seedSubscription(t, &models.Subscription{
		UserID:               userID,
		Tier:                 enums.TierOne,
		Status:               enums.SubscriptionStatusActive,
		IsPaidSubscription:   true,
		StripeSubscriptionID: &stripeID,
		BillingPeriod:        &period,
	})
	f.seedPromo(t, &models.PromoCode{Code: "upgrade", TierGranted: enums.TierTwo, IsActive: true})

	result, err := f.svc.Redeem(context.Background(), userID, "upgrade")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{stripeID}, f.processor.cancelled)

	sub := f.reload(t, userID)
	require.False(t, sub.IsPaidSubscription)
	require.Nil(t, sub.StripeSubscriptionID)
	require.Nil(t, sub.BillingPeriod)
}

func TestRedeemProceedsWhenProcessorCancelFails(t *testing.T) {
	f := newFixture(t)
	f.processor.err = errors.New("stripe unavailable")
	userID := uuid.New()
	stripeID := "sub_live_2"
	f.seedSubscription(t, &models.Subscription{
		UserID:               userID,
		Tier:                 enums.TierOne,
		Status:               enums.SubscriptionStatusActive,
		IsPaidSubscription:   true,
		StripeSubscriptionID: &stripeID,
	})
	f.seedPromo(t, &models.PromoCode{Code: "resilient", TierGranted: enums.TierTwo, IsActive: true})

	result, err := f.svc.Redeem(context.Background(), userID, "resilient")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, enums.TierTwo, f.reload(t, userID).Tier)
}

func TestRedeemCreatorCodeStacksTrialOntoUnexpiredWindow(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	existing := f.now.Add(5 * 24 * time.Hour)
	f.seedSubscription(t, &models.Subscription{
		UserID:    userID,
		Tier:      enums.TierOne,
		Status:    enums.SubscriptionStatusTrial,
		ExpiresAt: &existing,
	})
	f.seedCreator(t, &models.CreatorCode{
		Code:               "printpartner",
		TierGranted:        enums.TierTwo,
		TrialDays:          10,
		DiscountPercentage: 20,
		IsActive:           true,
	})

	result, err := f.svc.Redeem(context.Background(), userID, "printpartner")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 10, result.TrialDays)
	require.Equal(t, 20, result.DiscountPercentage)

	sub := f.reload(t, userID)
	want := existing.Add(10 * 24 * time.Hour)
	require.NotNil(t, sub.ExpiresAt)
	require.WithinDuration(t, want, *sub.ExpiresAt, time.Second)
	require.Equal(t, enums.SubscriptionStatusTrial, sub.Status)
	require.Equal(t, enums.TierTwo, sub.Tier)
}

func TestRedeemCreatorCodeExpiredWindowStacksFromNow(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	past := f.now.Add(-3 * 24 * time.Hour)
	f.seedSubscription(t, &models.Subscription{
		UserID:    userID,
		Tier:      enums.TierFree,
		Status:    enums.SubscriptionStatusActive,
		ExpiresAt: &past,
	})
	f.seedCreator(t, &models.CreatorCode{
		Code:        "fresh",
		TierGranted: enums.TierOne,
		TrialDays:   10,
		IsActive:    true,
	})

	result, err := f.svc.Redeem(context.Background(), userID, "fresh")
	require.NoError(t, err)
	require.True(t, result.Success)

	sub := f.reload(t, userID)
	want := f.now.Add(10 * 24 * time.Hour)
	require.NotNil(t, sub.ExpiresAt)
	require.WithinDuration(t, want, *sub.ExpiresAt, time.Second)
}

func TestRedeemCreatorCodeNeverDowngrades(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{
		UserID: userID,
		Tier:   enums.TierTwo,
		Status: enums.SubscriptionStatusActive,
	})
	f.seedCreator(t, &models.CreatorCode{
		Code:        "lowtier",
		TierGranted: enums.TierOne,
		TrialDays:   7,
		IsActive:    true,
	})

	result, err := f.svc.Redeem(context.Background(), userID, "lowtier")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, enums.TierTwo, f.reload(t, userID).Tier)
}
