package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/pkg/enums"
)

// SubscriptionChangeLog is the append-only audit trail. A row is written in
// the same transaction as the subscription mutation it describes and is never
// updated or deleted.
type SubscriptionChangeLog struct {
	ID             uuid.UUID                 `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID                 `gorm:"column:user_id;type:uuid;not null;index"`
	PreviousTier   enums.Tier                `gorm:"column:previous_tier;not null"`
	NewTier        enums.Tier                `gorm:"column:new_tier;not null"`
	PreviousStatus enums.SubscriptionStatus  `gorm:"column:previous_status;not null"`
	NewStatus      enums.SubscriptionStatus  `gorm:"column:new_status;not null"`
	Actor          enums.ChangeActor         `gorm:"column:actor;not null"`
	ActorUserID    *uuid.UUID                `gorm:"column:actor_user_id;type:uuid"`
	Reason         string                    `gorm:"column:reason;not null"`
	CreatedAt      time.Time                 `gorm:"column:created_at;autoCreateTime"`
}
