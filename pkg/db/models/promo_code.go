package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/pkg/enums"
)

// PromoCode grants a tier directly. Codes are stored lowercased; lookups
// normalize input the same way. CurrentUses only moves through the guarded
// increment in the codes repository.
type PromoCode struct {
	ID          uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Code        string     `gorm:"column:code;not null;uniqueIndex"`
	TierGranted enums.Tier `gorm:"column:tier_granted;not null"`
	MaxUses     *int       `gorm:"column:max_uses"`
	CurrentUses int        `gorm:"column:current_uses;not null;default:0"`
	IsActive    bool       `gorm:"column:is_active;not null;default:true"`
	ExpiresAt   *time.Time `gorm:"column:expires_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Usable reports whether the code is redeemable at the given instant,
// ignoring per-user redemption history.
func (p *PromoCode) Usable(now time.Time) bool {
	if p == nil || !p.IsActive {
		return false
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return false
	}
	if p.MaxUses != nil && p.CurrentUses >= *p.MaxUses {
		return false
	}
	return true
}
