package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/pkg/enums"
)

// Invoice is one row in the append-only money ledger. AmountCents is signed;
// refunds carry the exact negation of the amount they reverse. ExternalRef
// holds the processor-side id (checkout session, invoice, refund) the row was
// minted from, so replayed webhook events cannot create a second row.
type Invoice struct {
	ID            uuid.UUID            `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID        uuid.UUID            `gorm:"column:user_id;type:uuid;not null;index"`
	InvoiceNumber string               `gorm:"column:invoice_number;not null;uniqueIndex"`
	ExternalRef   *string              `gorm:"column:external_ref;uniqueIndex"`
	AmountCents   int64                `gorm:"column:amount_cents;not null"`
	Currency      string               `gorm:"column:currency;not null;default:'usd'"`
	Status        enums.InvoiceStatus  `gorm:"column:status;not null;default:'pending'"`
	Tier          enums.Tier           `gorm:"column:tier;not null"`
	BillingPeriod *enums.BillingPeriod `gorm:"column:billing_period"`
	IssuedDate    time.Time            `gorm:"column:issued_date;not null"`
	PaidDate      *time.Time           `gorm:"column:paid_date"`
	Notes         *string              `gorm:"column:notes"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

// IsRefund reports whether the row reverses an earlier charge.
func (i *Invoice) IsRefund() bool {
	return i != nil && i.AmountCents < 0
}
