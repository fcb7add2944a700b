package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	"github.com/printventory/printventory-backend/pkg/pagination"
)

// Repository handles invoice and refund request persistence. Invoices are
// append-only; the only in-place writes are the status transitions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindInvoiceByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	FindInvoiceByExternalRef(ctx context.Context, externalRef string) (*models.Invoice, error)
	FindLatestPendingInvoice(ctx context.Context, userID uuid.UUID) (*models.Invoice, error)
	FindRefundForOriginal(ctx context.Context, originalInvoiceNumber string, amountCents int64) (*models.Invoice, error)
	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	UpdateInvoiceStatus(ctx context.Context, invoice *models.Invoice) error
	ListInvoicesByUser(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Invoice, error)

	FindRefundRequestByID(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error)
	CreateRefundRequest(ctx context.Context, request *models.RefundRequest) error
	UpdateRefundRequest(ctx context.Context, request *models.RefundRequest) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindInvoiceByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&invoice).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repository) FindInvoiceByExternalRef(ctx context.Context, externalRef string) (*models.Invoice, error) {
	if externalRef == "" {
		return nil, nil
	}
	var invoice models.Invoice
	if err := r.db.WithContext(ctx).
		Where("external_ref = ?", externalRef).
		First(&invoice).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repository) FindLatestPendingInvoice(ctx context.Context, userID uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, enums.InvoiceStatusPending).
		Order("issued_date DESC").
		First(&invoice).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repository) FindRefundForOriginal(ctx context.Context, originalInvoiceNumber string, amountCents int64) (*models.Invoice, error) {
	if originalInvoiceNumber == "" {
		return nil, nil
	}
	var invoice models.Invoice
	if err := r.db.WithContext(ctx).
		Where("amount_cents = ? AND notes LIKE ?", -amountCents, "refund of "+originalInvoiceNumber+"%").
		First(&invoice).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repository) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Create(invoice).Error
}

func (r *repository) UpdateInvoiceStatus(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"status":    invoice.Status,
			"paid_date": invoice.PaidDate,
			"notes":     invoice.Notes,
		}).Error
}

func (r *repository) ListInvoicesByUser(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Invoice, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit)

	if cursor != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}

	var invoices []models.Invoice
	if err := query.Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repository) FindRefundRequestByID(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error) {
	var request models.RefundRequest
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&request).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &request, nil
}

func (r *repository) CreateRefundRequest(ctx context.Context, request *models.RefundRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

func (r *repository) UpdateRefundRequest(ctx context.Context, request *models.RefundRequest) error {
	return r.db.WithContext(ctx).Save(request).Error
}
