package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/pkg/enums"
)

// CreatorCode is a partner referral code. Unlike promo codes it only ever
// upgrades the redeeming user, and it extends the trial window by TrialDays
// on top of any unexpired trial already in place.
type CreatorCode struct {
	ID                 uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Code               string     `gorm:"column:code;not null;uniqueIndex"`
	TierGranted        enums.Tier `gorm:"column:tier_granted;not null"`
	TrialDays          int        `gorm:"column:trial_days;not null;default:0"`
	DiscountPercentage int        `gorm:"column:discount_percentage;not null;default:0"`
	MaxUses            *int       `gorm:"column:max_uses"`
	CurrentUses        int        `gorm:"column:current_uses;not null;default:0"`
	IsActive           bool       `gorm:"column:is_active;not null;default:true"`
	ExpiresAt          *time.Time `gorm:"column:expires_at"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Usable reports whether the code is redeemable at the given instant,
// ignoring per-user redemption history.
func (c *CreatorCode) Usable(now time.Time) bool {
	if c == nil || !c.IsActive {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	if c.MaxUses != nil && c.CurrentUses >= *c.MaxUses {
		return false
	}
	return true
}
