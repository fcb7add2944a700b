package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Client-side id assignment keeps inserts portable across postgres and the
// sqlite test databases, which have no gen_random_uuid().

func assignID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error          { assignID(&s.ID); return nil }
func (i *Invoice) BeforeCreate(tx *gorm.DB) error               { assignID(&i.ID); return nil }
func (p *PromoCode) BeforeCreate(tx *gorm.DB) error             { assignID(&p.ID); return nil }
func (c *CreatorCode) BeforeCreate(tx *gorm.DB) error           { assignID(&c.ID); return nil }
func (r *CodeRedemption) BeforeCreate(tx *gorm.DB) error        { assignID(&r.ID); return nil }
func (r *RefundRequest) BeforeCreate(tx *gorm.DB) error         { assignID(&r.ID); return nil }
func (l *SubscriptionChangeLog) BeforeCreate(tx *gorm.DB) error { assignID(&l.ID); return nil }
