package adminops

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/printventory/printventory-backend/internal/entitlements"
	"github.com/printventory/printventory-backend/internal/grace"
	"github.com/printventory/printventory-backend/internal/ledger"
	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
	"github.com/printventory/printventory-backend/pkg/pagination"
)

type gormTxRunner struct {
	conn *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.conn.WithContext(ctx).Transaction(fn)
}

type stubProcessor struct {
	cancelled    []string
	priceUpdates map[string]string
	refunds      map[string]int64

	cancelErr error
	priceErr  error
	refundErr error
}

func newStubProcessor() *stubProcessor {
	return &stubProcessor{
		priceUpdates: map[string]string{},
		refunds:      map[string]int64{},
	}
}

func (p *stubProcessor) CancelSubscription(_ context.Context, subscriptionID string) error {
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.cancelled = append(p.cancelled, subscriptionID)
	return nil
}

func (p *stubProcessor) UpdateSubscriptionPrice(_ context.Context, subscriptionID, priceID string) error {
	if p.priceErr != nil {
		return p.priceErr
	}
	p.priceUpdates[subscriptionID] = priceID
	return nil
}

func (p *stubProcessor) CreateRefund(_ context.Context, chargeID string, amountCents int64) error {
	if p.refundErr != nil {
		return p.refundErr
	}
	p.refunds[chargeID] = amountCents
	return nil
}

type stubPrices struct{}

func (stubPrices) PriceFor(tier enums.Tier, period enums.BillingPeriod) (string, error) {
	return "price_" + string(tier) + "_" + string(period), nil
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
	now := time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)
	logg := logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard})
	runner := gormTxRunner{conn: conn}
	subsRepo := entitlements.NewRepository(conn)

	ents, err := entitlements.NewService(entitlements.ServiceParams{
		DB:      runner,
		Repo:    subsRepo,
		Logger:  logg,
		NowFunc: func() time.Time { return now },
	})
	require.NoError(t, err)

	ledgerRepo := ledger.NewRepository(conn)
	invoices, err := ledger.NewService(ledger.ServiceParams{
		DB:      runner,
		Repo:    ledgerRepo,
		Logger:  logg,
		NowFunc: func() time.Time { return now },
	})
	require.NoError(t, err)

	graceMgr, err := grace.NewManager(grace.ManagerParams{
		DB:      runner,
		Subs:    func(tx *gorm.DB) grace.SubscriptionStore { return subsRepo.WithTx(tx) },
		Logger:  logg,
		NowFunc: func() time.Time { return now },
	})
	require.NoError(t, err)

	processor := newStubProcessor()
	svc, err := NewService(ServiceParams{
		DB:           runner,
		Subs:         subsRepo,
		Entitlements: ents,
		Ledger:       invoices,
		LedgerRepo:   ledgerRepo,
		Grace:        graceMgr,
		Processor:    processor,
		Prices:       stubPrices{},
		Logger:       logg,
		GraceDays:    30,
		NowFunc:      func() time.Time { return now },
	})
	require.NoError(t, err)

	return &fixture{conn: conn, svc: svc, processor: processor, now: now}
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
		`CREATE TABLE invoices (
			id text PRIMARY KEY,
			user_id text NOT NULL,
			invoice_number text NOT NULL UNIQUE,
			external_ref text UNIQUE,
			amount_cents integer NOT NULL,
			currency text NOT NULL DEFAULT 'usd',
			status text NOT NULL DEFAULT 'pending',
			tier text NOT NULL,
			billing_period text,
			issued_date datetime NOT NULL,
			paid_date datetime,
			notes text,
			created_at datetime,
			updated_at datetime
		)`,
		`CREATE TABLE refund_requests (
			id text PRIMARY KEY,
			user_id text NOT NULL,
			invoice_id text,
			amount_cents integer NOT NULL,
			currency text NOT NULL DEFAULT 'usd',
			reason text,
			status text NOT NULL DEFAULT 'pending',
			notes text,
			processed_by text,
			processed_at datetime,
			created_at datetime,
			updated_at datetime
		)`,
	}
	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

func (f *fixture) seedSubscription(t *testing.T, sub *models.Subscription) *models.Subscription {
	t.Helper()
	if sub.StartsAt.IsZero() {
		sub.StartsAt = f.now.Add(-90 * 24 * time.Hour)
	}
	require.NoError(t, f.conn.Create(sub).Error)
	return sub
}

func (f *fixture) seedPaidInvoice(t *testing.T, userID uuid.UUID, externalRef string, amountCents int64) *models.Invoice {
	t.Helper()
	paidAt := f.now.Add(-48 * time.Hour)
	invoice := &models.Invoice{
		ID:            uuid.New(),
		UserID:        userID,
		InvoiceNumber: ledger.NewInvoiceNumber(paidAt),
		AmountCents:   amountCents,
		Currency:      "usd",
		Status:        enums.InvoiceStatusPaid,
		Tier:          enums.TierTwo,
		IssuedDate:    paidAt,
		PaidDate:      &paidAt,
	}
	if externalRef != "" {
		invoice.ExternalRef = &externalRef
	}
	require.NoError(t, f.conn.Create(invoice).Error)
	return invoice
}

func (f *fixture) reload(t *testing.T, userID uuid.UUID) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, f.conn.First(&sub, "user_id = ?", userID).Error)
	return &sub
}

func (f *fixture) invoiceCount(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.Invoice{}).Where("user_id = ?", userID).Count(&count).Error)
	return count
}

func TestChangeTierCancelsProcessorFirstAndNeverInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	adminID := uuid.New()
	stripeID := "sub_live"
	period := enums.BillingPeriodMonthly
	f.seedSubscription(t, &models.Subscription{
		UserID:               userID,
		Tier:                 enums.TierOne,
		Status:               enums.SubscriptionStatusActive,
		IsPaidSubscription:   true,
		StripeSubscriptionID: &stripeID,
		BillingPeriod:        &period,
	})

	updated, err := f.svc.ChangeTier(ctx, ChangeTierParams{
		UserID:      userID,
		NewTier:     enums.TierTwo,
		AdminUserID: adminID,
		Reason:      "support escalation",
	})
	require.NoError(t, err)
	require.Equal(t, enums.TierTwo, updated.Tier)
	require.Equal(t, []string{stripeID}, f.processor.cancelled)

	sub := f.reload(t, userID)
	require.Equal(t, enums.TierTwo, sub.Tier)
	require.False(t, sub.IsPaidSubscription)
	require.Nil(t, sub.StripeSubscriptionID)
	require.Nil(t, sub.BillingPeriod)

	// Admin grants never touch the ledger.
	require.EqualValues(t, 0, f.invoiceCount(t, userID))

	var entry models.SubscriptionChangeLog
	require.NoError(t, f.conn.First(&entry, "user_id = ? AND reason = ?", userID, "support escalation").Error)
	require.Equal(t, enums.ChangeActorAdmin, entry.Actor)
	require.NotNil(t, entry.ActorUserID)
	require.Equal(t, adminID, *entry.ActorUserID)
}

func TestChangeTierAbortsWhenProcessorCancelFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	stripeID := "sub_live"
	f.seedSubscription(t, &models.Subscription{
		UserID:               userID,
		Tier:                 enums.TierTwo,
		Status:               enums.SubscriptionStatusActive,
		IsPaidSubscription:   true,
		StripeSubscriptionID: &stripeID,
	})
	f.processor.cancelErr = errors.New("stripe is down")

	_, err := f.svc.ChangeTier(ctx, ChangeTierParams{
		UserID:      userID,
		NewTier:     enums.TierFree,
		AdminUserID: uuid.New(),
		Reason:      "chargeback",
	})
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	// Local state untouched.
	sub := f.reload(t, userID)
	require.Equal(t, enums.TierTwo, sub.Tier)
	require.True(t, sub.IsPaidSubscription)
	require.NotNil(t, sub.StripeSubscriptionID)
}

func TestChangeTierRejectsNoOp(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierOne, Status: enums.SubscriptionStatusActive})

	_, err := f.svc.ChangeTier(context.Background(), ChangeTierParams{
		UserID:      userID,
		NewTier:     enums.TierOne,
		AdminUserID: uuid.New(),
		Reason:      "noop",
	})
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestChangeBillingPeriodRejectsSamePeriod(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	period := enums.BillingPeriodMonthly
	f.seedSubscription(t, &models.Subscription{
		UserID:        userID,
		Tier:          enums.TierOne,
		Status:        enums.SubscriptionStatusActive,
		BillingPeriod: &period,
	})

	_, err := f.svc.ChangeBillingPeriod(context.Background(), ChangeBillingPeriodParams{
		UserID:      userID,
		NewPeriod:   enums.BillingPeriodMonthly,
		AdminUserID: uuid.New(),
		Reason:      "switch",
	})
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	require.Contains(t, err.Error(), "already on requested billing period")
}

func TestChangeBillingPeriodUpdatesProcessorPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	stripeID := "sub_live"
	period := enums.BillingPeriodMonthly
	f.seedSubscription(t, &models.Subscription{
		UserID:               userID,
		Tier:                 enums.TierTwo,
		Status:               enums.SubscriptionStatusActive,
		IsPaidSubscription:   true,
		StripeSubscriptionID: &stripeID,
		BillingPeriod:        &period,
	})

	updated, err := f.svc.ChangeBillingPeriod(ctx, ChangeBillingPeriodParams{
		UserID:      userID,
		NewPeriod:   enums.BillingPeriodAnnual,
		AdminUserID: uuid.New(),
		Reason:      "customer asked for annual",
	})
	require.NoError(t, err)
	require.NotNil(t, updated.BillingPeriod)
	require.Equal(t, enums.BillingPeriodAnnual, *updated.BillingPeriod)
	require.Equal(t, "price_tier_2_annual", f.processor.priceUpdates[stripeID])

	sub := f.reload(t, userID)
	require.Equal(t, enums.BillingPeriodAnnual, *sub.BillingPeriod)
}

func TestChangeBillingPeriodAbortsWhenProcessorFails(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	stripeID := "sub_live"
	period := enums.BillingPeriodMonthly
	f.seedSubscription(t, &models.Subscription{
		UserID:               userID,
		Tier:                 enums.TierOne,
		Status:               enums.SubscriptionStatusActive,
		IsPaidSubscription:   true,
		StripeSubscriptionID: &stripeID,
		BillingPeriod:        &period,
	})
	f.processor.priceErr = errors.New("stripe is down")

	_, err := f.svc.ChangeBillingPeriod(context.Background(), ChangeBillingPeriodParams{
		UserID:      userID,
		NewPeriod:   enums.BillingPeriodAnnual,
		AdminUserID: uuid.New(),
		Reason:      "switch",
	})
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	require.Equal(t, enums.BillingPeriodMonthly, *f.reload(t, userID).BillingPeriod)
}

func TestProcessRefundRequestRejectCreatesNoInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	adminID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierTwo, Status: enums.SubscriptionStatusActive})
	original := f.seedPaidInvoice(t, userID, "in_orig", 4999)

	request := &models.RefundRequest{
		ID:          uuid.New(),
		UserID:      userID,
		InvoiceID:   &original.ID,
		AmountCents: 4999,
		Currency:    "usd",
		Reason:      "accidental purchase",
		Status:      enums.RefundRequestStatusPending,
	}
	require.NoError(t, f.conn.Create(request).Error)

	processed, err := f.svc.ProcessRefundRequest(ctx, ProcessRefundParams{
		RequestID:   request.ID,
		Approve:     false,
		Notes:       "outside refund window",
		AdminUserID: adminID,
	})
	require.NoError(t, err)
	require.Equal(t, enums.RefundRequestStatusRejected, processed.Status)
	require.NotNil(t, processed.ProcessedBy)
	require.Equal(t, adminID, *processed.ProcessedBy)
	require.EqualValues(t, 1, f.invoiceCount(t, userID))
}

func TestProcessRefundRequestApproveWritesOneNegation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierTwo, Status: enums.SubscriptionStatusActive})
	original := f.seedPaidInvoice(t, userID, "ch_123", 4999)

	request := &models.RefundRequest{
		ID:          uuid.New(),
		UserID:      userID,
		InvoiceID:   &original.ID,
		AmountCents: 4999,
		Currency:    "usd",
		Reason:      "accidental purchase",
		Status:      enums.RefundRequestStatusPending,
	}
	require.NoError(t, f.conn.Create(request).Error)

	processed, err := f.svc.ProcessRefundRequest(ctx, ProcessRefundParams{
		RequestID:   request.ID,
		Approve:     true,
		AdminUserID: uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, enums.RefundRequestStatusProcessed, processed.Status)

	// Exactly one negation referencing the original, amounts conserve.
	require.EqualValues(t, 2, f.invoiceCount(t, userID))
	var refundRow models.Invoice
	require.NoError(t, f.conn.First(&refundRow, "user_id = ? AND amount_cents < 0", userID).Error)
	require.EqualValues(t, -4999, refundRow.AmountCents)
	require.NotNil(t, refundRow.Notes)
	require.True(t, strings.HasPrefix(*refundRow.Notes, "refund of "+original.InvoiceNumber))

	var originalRow models.Invoice
	require.NoError(t, f.conn.First(&originalRow, "id = ?", original.ID).Error)
	require.Equal(t, enums.InvoiceStatusRefunded, originalRow.Status)

	// External refund went out against the stored charge reference.
	require.EqualValues(t, 4999, f.processor.refunds["ch_123"])

	// A second decision on the same request is refused.
	_, err = f.svc.ProcessRefundRequest(ctx, ProcessRefundParams{
		RequestID:   request.ID,
		Approve:     true,
		AdminUserID: uuid.New(),
	})
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	require.EqualValues(t, 2, f.invoiceCount(t, userID))
}

func TestProcessRefundRequestExternalFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierOne, Status: enums.SubscriptionStatusActive})
	original := f.seedPaidInvoice(t, userID, "ch_456", 1999)
	f.processor.refundErr = errors.New("stripe is down")

	request := &models.RefundRequest{
		ID:          uuid.New(),
		UserID:      userID,
		InvoiceID:   &original.ID,
		AmountCents: 1999,
		Currency:    "usd",
		Status:      enums.RefundRequestStatusPending,
	}
	require.NoError(t, f.conn.Create(request).Error)

	processed, err := f.svc.ProcessRefundRequest(ctx, ProcessRefundParams{
		RequestID:   request.ID,
		Approve:     true,
		AdminUserID: uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, enums.RefundRequestStatusProcessed, processed.Status)
	require.EqualValues(t, 2, f.invoiceCount(t, userID))
}

func TestExtendGraceDelegatesToManager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	prev := enums.TierTwo
	downgradeAt := f.now.Add(-24 * time.Hour)
	deadline := f.now.Add(5 * 24 * time.Hour)
	f.seedSubscription(t, &models.Subscription{
		UserID:         userID,
		Tier:           enums.TierTwo,
		Status:         enums.SubscriptionStatusCancelled,
		PreviousTier:   &prev,
		DowngradeDate:  &downgradeAt,
		GracePeriodEnd: &deadline,
		IsReadOnly:     true,
	})

	require.NoError(t, f.svc.ExtendGrace(ctx, userID, 10, uuid.New(), "support extension"))

	sub := f.reload(t, userID)
	require.NotNil(t, sub.GracePeriodEnd)
	require.WithinDuration(t, deadline.Add(10*24*time.Hour), *sub.GracePeriodEnd, time.Second)
}

func TestGetBillingProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seedSubscription(t, &models.Subscription{UserID: userID, Tier: enums.TierOne, Status: enums.SubscriptionStatusActive})
	f.seedPaidInvoice(t, userID, "in_1", 1999)

	profile, err := f.svc.GetBillingProfile(ctx, userID, pagination.Params{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, enums.TierOne, profile.Subscription.Tier)
	require.Len(t, profile.Invoices.Invoices, 1)

	_, err = f.svc.GetBillingProfile(ctx, uuid.New(), pagination.Params{})
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
