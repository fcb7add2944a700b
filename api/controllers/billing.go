package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/api/middleware"
	"github.com/printventory/printventory-backend/api/responses"
	"github.com/printventory/printventory-backend/internal/grace"
	"github.com/printventory/printventory-backend/pkg/db/models"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
)

// SubscriptionService is the slice of the entitlement service the API uses.
type SubscriptionService interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

type subscriptionResponse struct {
	Tier               string     `json:"tier"`
	Status             string     `json:"status"`
	BillingPeriod      *string    `json:"billing_period,omitempty"`
	IsPaidSubscription bool       `json:"is_paid_subscription"`
	StartsAt           time.Time  `json:"starts_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	NextBillingDate    *time.Time `json:"next_billing_date,omitempty"`
	PreviousTier       *string    `json:"previous_tier,omitempty"`
	GracePeriodEnd     *time.Time `json:"grace_period_end,omitempty"`
	GraceDaysRemaining int        `json:"grace_days_remaining"`
	IsReadOnly         bool       `json:"is_read_only"`
}

func newSubscriptionResponse(sub *models.Subscription, now time.Time) subscriptionResponse {
	resp := subscriptionResponse{
		Tier:               string(sub.Tier),
		Status:             string(sub.Status),
		IsPaidSubscription: sub.IsPaidSubscription,
		StartsAt:           sub.StartsAt,
		ExpiresAt:          sub.ExpiresAt,
		NextBillingDate:    sub.NextBillingDate,
		GracePeriodEnd:     sub.GracePeriodEnd,
		GraceDaysRemaining: grace.DaysRemaining(sub.GracePeriodEnd, now),
		IsReadOnly:         sub.IsReadOnly,
	}
	if sub.BillingPeriod != nil {
		period := string(*sub.BillingPeriod)
		resp.BillingPeriod = &period
	}
	if sub.PreviousTier != nil {
		tier := string(*sub.PreviousTier)
		resp.PreviousTier = &tier
	}
	return resp
}

// GetSubscription returns the caller's subscription with the computed grace
// window countdown.
func GetSubscription(svc SubscriptionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, err := uuid.Parse(middleware.UserIDFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		sub, err := svc.Get(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub, time.Now().UTC()))
	}
}
