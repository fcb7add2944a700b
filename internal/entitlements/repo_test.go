package entitlements

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db handle: %v", err)
	}
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
	}
	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	t.Cleanup(func() {
		sqlDB, err := conn.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func seedSubscription(t *testing.T, conn *gorm.DB, sub *models.Subscription) *models.Subscription {
	t.Helper()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.StartsAt.IsZero() {
		sub.StartsAt = time.Now().UTC()
	}
	if err := conn.Create(sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}

func TestFindByUserIDReturnsNilWhenMissing(t *testing.T) {
	repo := NewRepository(openTestDB(t))

	sub, err := repo.FindByUserID(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if sub != nil {
		t.Fatalf("expected nil subscription, got %+v", sub)
	}
}

func TestUpdateGuardedBumpsVersion(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	seeded := seedSubscription(t, conn, &models.Subscription{
		UserID: uuid.New(),
		Tier:   enums.TierFree,
		Status: enums.SubscriptionStatusActive,
	})

	seeded.Tier = enums.TierOne
	seeded.IsPaidSubscription = true
	if err := repo.UpdateGuarded(ctx, seeded); err != nil {
		t.Fatalf("update guarded: %v", err)
	}
	if seeded.Version != 1 {
		t.Fatalf("expected version 1, got %d", seeded.Version)
	}

	reloaded, err := repo.FindByUserID(ctx, seeded.UserID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Tier != enums.TierOne || !reloaded.IsPaidSubscription {
		t.Fatalf("expected persisted tier change, got %+v", reloaded)
	}
	if reloaded.Version != 1 {
		t.Fatalf("expected persisted version 1, got %d", reloaded.Version)
	}
}

func TestUpdateGuardedRejectsStaleVersion(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	seeded := seedSubscription(t, conn, &models.Subscription{
		UserID: uuid.New(),
		Tier:   enums.TierFree,
		Status: enums.SubscriptionStatusActive,
	})

	first, err := repo.FindByUserID(ctx, seeded.UserID)
	if err != nil {
		t.Fatalf("load first copy: %v", err)
	}
	second, err := repo.FindByUserID(ctx, seeded.UserID)
	if err != nil {
		t.Fatalf("load second copy: %v", err)
	}

	first.Tier = enums.TierOne
	if err := repo.UpdateGuarded(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	second.Tier = enums.TierTwo
	err = repo.UpdateGuarded(ctx, second)
	if err == nil {
		t.Fatalf("expected stale update to fail")
	}
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	reloaded, err := repo.FindByUserID(ctx, seeded.UserID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Tier != enums.TierOne {
		t.Fatalf("expected first writer to win, got %s", reloaded.Tier)
	}
}

func TestFindByStripeSubscriptionID(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	stripeID := "sub_test_123"
	seeded := seedSubscription(t, conn, &models.Subscription{
		UserID:               uuid.New(),
		Tier:                 enums.TierOne,
		Status:               enums.SubscriptionStatusActive,
		StripeSubscriptionID: &stripeID,
	})

	found, err := repo.FindByStripeSubscriptionID(ctx, stripeID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.UserID != seeded.UserID {
		t.Fatalf("expected to find seeded subscription")
	}

	missing, err := repo.FindByStripeSubscriptionID(ctx, "sub_other")
	if err != nil {
		t.Fatalf("find missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown external id")
	}

	empty, err := repo.FindByStripeSubscriptionID(ctx, "")
	if err != nil || empty != nil {
		t.Fatalf("expected empty id to short-circuit, got %v %v", empty, err)
	}
}

func TestListLapsedGrace(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	now := time.Now().UTC()

	lapsed := now.Add(-time.Hour)
	open := now.Add(72 * time.Hour)

	seedSubscription(t, conn, &models.Subscription{
		UserID:         uuid.New(),
		Tier:           enums.TierOne,
		Status:         enums.SubscriptionStatusCancelled,
		GracePeriodEnd: &lapsed,
	})
	seedSubscription(t, conn, &models.Subscription{
		UserID:         uuid.New(),
		Tier:           enums.TierTwo,
		Status:         enums.SubscriptionStatusCancelled,
		GracePeriodEnd: &open,
	})
	seedSubscription(t, conn, &models.Subscription{
		UserID: uuid.New(),
		Tier:   enums.TierFree,
		Status: enums.SubscriptionStatusActive,
	})

	got, err := repo.ListLapsedGrace(ctx, now, 10)
	if err != nil {
		t.Fatalf("list lapsed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 lapsed subscription, got %d", len(got))
	}
	if got[0].GracePeriodEnd == nil || !got[0].GracePeriodEnd.Before(now) {
		t.Fatalf("expected lapsed deadline, got %v", got[0].GracePeriodEnd)
	}
}

func TestAppendChangeLog(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	userID := uuid.New()
	if err := repo.AppendChangeLog(ctx, &models.SubscriptionChangeLog{
		ID:             uuid.New(),
		UserID:         userID,
		PreviousTier:   enums.TierFree,
		NewTier:        enums.TierOne,
		PreviousStatus: enums.SubscriptionStatusActive,
		NewStatus:      enums.SubscriptionStatusActive,
		Actor:          enums.ChangeActorAdmin,
		Reason:         "manual upgrade",
	}); err != nil {
		t.Fatalf("append change log: %v", err)
	}

	var count int64
	if err := conn.Model(&models.SubscriptionChangeLog{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 log entry, got %d", count)
	}
}
