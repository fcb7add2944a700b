package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/api/middleware"
	"github.com/printventory/printventory-backend/api/responses"
	"github.com/printventory/printventory-backend/api/validators"
	"github.com/printventory/printventory-backend/internal/codes"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
)

// CodeRedemptionService is the slice of the redemption engine the API uses.
type CodeRedemptionService interface {
	Redeem(ctx context.Context, userID uuid.UUID, rawCode string) (*codes.RedemptionResult, error)
}

type redeemCodeRequest struct {
	Code string `json:"code" validate:"required,min=1,max=64"`
}

type redeemCodeData struct {
	Reason             string     `json:"reason,omitempty"`
	CodeType           string     `json:"code_type,omitempty"`
	Tier               string     `json:"tier,omitempty"`
	TrialDays          int        `json:"trial_days,omitempty"`
	DiscountPercentage int        `json:"discount_percentage,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// RedeemCode applies a promo or creator code to the caller's subscription.
// Business rejections come back as HTTP 200 with success=false so the UI can
// show the reason; only infrastructure failures surface as errors.
func RedeemCode(svc CodeRedemptionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, err := uuid.Parse(middleware.UserIDFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		var req redeemCodeRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Redeem(ctx, userID, req.Code)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		data := redeemCodeData{
			Reason:             string(result.Reason),
			CodeType:           string(result.CodeType),
			Tier:               string(result.Tier),
			TrialDays:          result.TrialDays,
			DiscountPercentage: result.DiscountPercentage,
			ExpiresAt:          result.ExpiresAt,
		}
		responses.WriteResult(w, result.Success, result.Message, data)
	}
}
