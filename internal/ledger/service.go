package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/pkg/db"
	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
	"github.com/printventory/printventory-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service owns the money ledger. Every write path is keyed on the processor
// reference it was minted from, so replaying the same external event is a
// no-op rather than a duplicate row.
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
		return pkgerrors.New(pkgerrors.CodeInternal, "ledger service requires a transaction runner")
	}
	if p.Repo == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "ledger service requires a repository")
	}
	if p.Logger == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "ledger service requires a logger")
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

// NewInvoiceNumber mints a human-readable invoice number. Uniqueness comes
// from the uuid suffix; the date prefix is for support staff grepping.
func NewInvoiceNumber(issued time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	return fmt.Sprintf("PV-%s-%s", issued.UTC().Format("20060102"), suffix)
}

// RecordPaymentParams describes a settled charge to append to the ledger.
type RecordPaymentParams struct {
	UserID        uuid.UUID
	ExternalRef   string
	AmountCents   int64
	Currency      string
	Tier          enums.Tier
	BillingPeriod *enums.BillingPeriod
	PaidAt        time.Time
	Notes         string
}

// Validate checks the payment record before any database work.
func (p RecordPaymentParams) Validate() error {
	if p.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if p.ExternalRef == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "external reference is required")
	}
	if p.AmountCents < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment amount must not be negative")
	}
	if !p.Tier.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid tier")
	}
	return nil
}

// RecordPaid appends one paid invoice for the external reference. When a row
// for the reference already exists it is returned with created=false, which
// covers both webhook replays and delivery races.
func (s *Service) RecordPaid(ctx context.Context, params RecordPaymentParams) (*models.Invoice, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	existing, err := s.repo.FindInvoiceByExternalRef(ctx, params.ExternalRef)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up invoice by external ref")
	}
	if existing != nil {
		return existing, false, nil
	}

	paidAt := params.PaidAt
	if paidAt.IsZero() {
		paidAt = s.now().UTC()
	}
	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}

	externalRef := params.ExternalRef
	invoice := &models.Invoice{
		UserID:        params.UserID,
		InvoiceNumber: NewInvoiceNumber(paidAt),
		ExternalRef:   &externalRef,
		AmountCents:   params.AmountCents,
		Currency:      currency,
		Status:        enums.InvoiceStatusPaid,
		Tier:          params.Tier,
		BillingPeriod: params.BillingPeriod,
		IssuedDate:    paidAt,
		PaidDate:      &paidAt,
	}
	if params.Notes != "" {
		notes := params.Notes
		invoice.Notes = &notes
	}

	if err := s.repo.CreateInvoice(ctx, invoice); err != nil {
		if db.IsUniqueViolation(err, "invoices_external_ref_key") {
			winner, findErr := s.repo.FindInvoiceByExternalRef(ctx, params.ExternalRef)
			if findErr == nil && winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating invoice")
	}
	return invoice, true, nil
}

// RecordFailedParams describes a charge attempt that did not settle.
type RecordFailedParams struct {
	UserID        uuid.UUID
	ExternalRef   string
	AmountCents   int64
	Currency      string
	Tier          enums.Tier
	BillingPeriod *enums.BillingPeriod
	Notes         string
}

// Validate checks the failure record before any database work.
func (p RecordFailedParams) Validate() error {
	if p.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if p.ExternalRef == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "external reference is required")
	}
	if p.AmountCents < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative")
	}
	if !p.Tier.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid tier")
	}
	return nil
}

// RecordFailed appends one failed invoice for the external reference, so a
// payment failure always leaves a ledger trail even when no pending row
// preceded it. Replay-safe the same way RecordPaid is: an existing row for
// the reference is returned with created=false.
func (s *Service) RecordFailed(ctx context.Context, params RecordFailedParams) (*models.Invoice, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	existing, err := s.repo.FindInvoiceByExternalRef(ctx, params.ExternalRef)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up invoice by external ref")
	}
	if existing != nil {
		return existing, false, nil
	}

	issued := s.now().UTC()
	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}

	externalRef := params.ExternalRef
	invoice := &models.Invoice{
		UserID:        params.UserID,
		InvoiceNumber: NewInvoiceNumber(issued),
		ExternalRef:   &externalRef,
		AmountCents:   params.AmountCents,
		Currency:      currency,
		Status:        enums.InvoiceStatusFailed,
		Tier:          params.Tier,
		BillingPeriod: params.BillingPeriod,
		IssuedDate:    issued,
	}
	if params.Notes != "" {
		notes := params.Notes
		invoice.Notes = &notes
	}

	if err := s.repo.CreateInvoice(ctx, invoice); err != nil {
		if db.IsUniqueViolation(err, "invoices_external_ref_key") {
			winner, findErr := s.repo.FindInvoiceByExternalRef(ctx, params.ExternalRef)
			if findErr == nil && winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating invoice")
	}
	return invoice, true, nil
}

// MarkLatestPendingFailed flips the user's newest pending invoice to failed.
// Returns the invoice, or nil when there was nothing pending.
func (s *Service) MarkLatestPendingFailed(ctx context.Context, userID uuid.UUID, note string) (*models.Invoice, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	invoice, err := s.repo.FindLatestPendingInvoice(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up pending invoice")
	}
	if invoice == nil {
		return nil, nil
	}

	invoice.Status = enums.InvoiceStatusFailed
	if note != "" {
		invoice.Notes = &note
	}
	if err := s.repo.UpdateInvoiceStatus(ctx, invoice); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking invoice failed")
	}
	return invoice, nil
}

// RecordRefundParams describes a processor refund to reconcile into the ledger.
type RecordRefundParams struct {
	ExternalRef         string
	OriginalExternalRef string
	OriginalInvoiceID   *uuid.UUID
	AmountCents         int64
	Reason              string
}

// Validate checks the refund record before any database work.
func (p RecordRefundParams) Validate() error {
	if p.ExternalRef == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "external reference is required")
	}
	if p.OriginalExternalRef == "" && p.OriginalInvoiceID == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "the original invoice must be referenced")
	}
	return nil
}

// RecordRefund marks the original invoice refunded and appends exactly one
// negated invoice referencing it. Both checks run before any insert inside
// one transaction, so replaying the refund event is a no-op.
func (s *Service) RecordRefund(ctx context.Context, params RecordRefundParams) (*models.Invoice, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	var (
		refund  *models.Invoice
		created bool
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		existing, err := repo.FindInvoiceByExternalRef(ctx, params.ExternalRef)
		if err != nil {
			return err
		}
		if existing != nil {
			refund = existing
			return nil
		}

		original, err := s.findOriginal(ctx, repo, params)
		if err != nil {
			return err
		}
		if original == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "original invoice not found")
		}
		if original.IsRefund() {
			return pkgerrors.New(pkgerrors.CodeValidation, "cannot refund a refund invoice")
		}

		amount := params.AmountCents
		if amount <= 0 {
			amount = original.AmountCents
		}

		// A refund row for the same original and amount may exist under a
		// different processor reference (charge event vs refund event).
		dupe, err := repo.FindRefundForOriginal(ctx, original.InvoiceNumber, amount)
		if err != nil {
			return err
		}
		if dupe != nil {
			refund = dupe
			return nil
		}

		if original.Status != enums.InvoiceStatusRefunded {
			original.Status = enums.InvoiceStatusRefunded
			if err := repo.UpdateInvoiceStatus(ctx, original); err != nil {
				return err
			}
		}
		now := s.now().UTC()
		externalRef := params.ExternalRef
		notes := fmt.Sprintf("refund of %s", original.InvoiceNumber)
		if params.Reason != "" {
			notes = fmt.Sprintf("%s: %s", notes, params.Reason)
		}

		row := &models.Invoice{
			UserID:        original.UserID,
			InvoiceNumber: NewInvoiceNumber(now),
			ExternalRef:   &externalRef,
			AmountCents:   -amount,
			Currency:      original.Currency,
			Status:        enums.InvoiceStatusRefunded,
			Tier:          original.Tier,
			BillingPeriod: original.BillingPeriod,
			IssuedDate:    now,
			Notes:         &notes,
		}
		if err := repo.CreateInvoice(ctx, row); err != nil {
			if db.IsUniqueViolation(err, "invoices_external_ref_key") {
				winner, findErr := repo.FindInvoiceByExternalRef(ctx, params.ExternalRef)
				if findErr == nil && winner != nil {
					refund = winner
					return nil
				}
			}
			return err
		}
		refund = row
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return refund, created, nil
}

func (s *Service) findOriginal(ctx context.Context, repo Repository, params RecordRefundParams) (*models.Invoice, error) {
	if params.OriginalInvoiceID != nil {
		return repo.FindInvoiceByID(ctx, *params.OriginalInvoiceID)
	}
	return repo.FindInvoiceByExternalRef(ctx, params.OriginalExternalRef)
}

// InvoicePage is one cursor page of a user's ledger.
type InvoicePage struct {
	Invoices   []models.Invoice
	NextCursor string
}

// List returns the user's invoices newest first with cursor pagination.
func (s *Service) List(ctx context.Context, userID uuid.UUID, params pagination.Params) (*InvoicePage, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := s.repo.ListInvoicesByUser(ctx, userID, cursor, limit+1)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing invoices")
	}

	page := &InvoicePage{Invoices: rows}
	if len(rows) > limit {
		page.Invoices = rows[:limit]
		last := page.Invoices[limit-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}
	return page, nil
}
