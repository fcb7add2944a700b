package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/pkg/enums"
)

// RefundRequest is a user-raised request for money back. It only moves
// pending -> approved/rejected; an approved request is marked processed once
// its negated invoice exists.
type RefundRequest struct {
	ID          uuid.UUID                 `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID      uuid.UUID                 `gorm:"column:user_id;type:uuid;not null;index"`
	InvoiceID   *uuid.UUID                `gorm:"column:invoice_id;type:uuid"`
	AmountCents int64                     `gorm:"column:amount_cents;not null"`
	Currency    string                    `gorm:"column:currency;not null;default:'usd'"`
	Reason      string                    `gorm:"column:reason"`
	Status      enums.RefundRequestStatus `gorm:"column:status;not null;default:'pending'"`
	Notes       *string                   `gorm:"column:notes"`
	ProcessedBy *uuid.UUID                `gorm:"column:processed_by;type:uuid"`
	ProcessedAt *time.Time                `gorm:"column:processed_at"`
	CreatedAt   time.Time                 `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time                 `gorm:"column:updated_at;autoUpdateTime"`
}
