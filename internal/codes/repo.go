package codes

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/printventory/printventory-backend/pkg/db/models"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
)

// ErrUsesExhausted is returned by the guarded increments when the code has no
// uses remaining at commit time.
var ErrUsesExhausted = pkgerrors.New(pkgerrors.CodeStateConflict, "code has no uses remaining")

// Repository handles promo and creator code persistence. Lookups expect the
// code already normalized (trimmed, lowercased); codes are stored that way.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindPromoByCode(ctx context.Context, code string) (*models.PromoCode, error)
	FindCreatorByCode(ctx context.Context, code string) (*models.CreatorCode, error)
	FindRedemption(ctx context.Context, userID, codeID uuid.UUID) (*models.CodeRedemption, error)
	CreateRedemption(ctx context.Context, redemption *models.CodeRedemption) error
	IncrementPromoUses(ctx context.Context, codeID uuid.UUID) error
	IncrementCreatorUses(ctx context.Context, codeID uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a code repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindPromoByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	var promo models.PromoCode
	if err := r.db.WithContext(ctx).
		Where("code = ?", code).
		First(&promo).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &promo, nil
}

func (r *repository) FindCreatorByCode(ctx context.Context, code string) (*models.CreatorCode, error) {
	var creator models.CreatorCode
	if err := r.db.WithContext(ctx).
		Where("code = ?", code).
		First(&creator).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &creator, nil
}

func (r *repository) FindRedemption(ctx context.Context, userID, codeID uuid.UUID) (*models.CodeRedemption, error) {
	var redemption models.CodeRedemption
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND code_id = ?", userID, codeID).
		First(&redemption).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &redemption, nil
}

func (r *repository) CreateRedemption(ctx context.Context, redemption *models.CodeRedemption) error {
	return r.db.WithContext(ctx).Create(redemption).Error
}

func (r *repository) IncrementPromoUses(ctx context.Context, codeID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.PromoCode{}).
		Where("id = ? AND is_active = ? AND (max_uses IS NULL OR current_uses < max_uses)", codeID, true).
		UpdateColumn("current_uses", gorm.Expr("current_uses + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUsesExhausted
	}
	return nil
}

func (r *repository) IncrementCreatorUses(ctx context.Context, codeID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.CreatorCode{}).
		Where("id = ? AND is_active = ? AND (max_uses IS NULL OR current_uses < max_uses)", codeID, true).
		UpdateColumn("current_uses", gorm.Expr("current_uses + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUsesExhausted
	}
	return nil
}
