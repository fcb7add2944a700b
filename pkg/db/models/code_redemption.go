package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/pkg/enums"
)

// CodeRedemption records one user's redemption of one code. The unique index
// on (user_id, code_id) is the store-level guard that closes the race between
// concurrent redemption attempts: exactly one insert wins.
type CodeRedemption struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID      uuid.UUID      `gorm:"column:user_id;type:uuid;not null;uniqueIndex:idx_code_redemptions_user_code"`
	CodeID      uuid.UUID      `gorm:"column:code_id;type:uuid;not null;uniqueIndex:idx_code_redemptions_user_code"`
	CodeType    enums.CodeType `gorm:"column:code_type;not null"`
	Code        string         `gorm:"column:code;not null"`
	TierGranted enums.Tier     `gorm:"column:tier_granted;not null"`
	TrialDays   int            `gorm:"column:trial_days;not null;default:0"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
}
