package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/printventory/printventory-backend/api/middleware"
	"github.com/printventory/printventory-backend/api/responses"
	"github.com/printventory/printventory-backend/api/validators"
	"github.com/printventory/printventory-backend/internal/adminops"
	"github.com/printventory/printventory-backend/pkg/db/models"
	"github.com/printventory/printventory-backend/pkg/enums"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
	"github.com/printventory/printventory-backend/pkg/pagination"
)

// AdminBillingService is the slice of the admin override operations the API
// exposes.
type AdminBillingService interface {
	ChangeTier(ctx context.Context, params adminops.ChangeTierParams) (*models.Subscription, error)
	ChangeBillingPeriod(ctx context.Context, params adminops.ChangeBillingPeriodParams) (*models.Subscription, error)
	ProcessRefundRequest(ctx context.Context, params adminops.ProcessRefundParams) (*models.RefundRequest, error)
	ExtendGrace(ctx context.Context, userID uuid.UUID, additionalDays int, adminUserID uuid.UUID, reason string) error
	GetBillingProfile(ctx context.Context, userID uuid.UUID, page pagination.Params) (*adminops.BillingProfile, error)
}

type adminChangeTierRequest struct {
	UserID  string `json:"user_id" validate:"required,uuid"`
	NewTier string `json:"new_tier" validate:"required"`
	Reason  string `json:"reason" validate:"required,min=3"`
}

// AdminChangeTier moves a user onto a tier by fiat.
func AdminChangeTier(svc AdminBillingService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		adminID, err := adminFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req adminChangeTierRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		tier, err := enums.ParseTier(req.NewTier)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid tier"))
			return
		}

		sub, err := svc.ChangeTier(ctx, adminops.ChangeTierParams{
			UserID:      uuid.MustParse(req.UserID),
			NewTier:     tier,
			AdminUserID: adminID,
			Reason:      req.Reason,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub, time.Now().UTC()))
	}
}

type adminChangePeriodRequest struct {
	UserID        string `json:"user_id" validate:"required,uuid"`
	BillingPeriod string `json:"billing_period" validate:"required,oneof=monthly annual"`
	Reason        string `json:"reason" validate:"required,min=3"`
}

// AdminChangeBillingPeriod switches a user between monthly and annual.
func AdminChangeBillingPeriod(svc AdminBillingService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		adminID, err := adminFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req adminChangePeriodRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		period, err := enums.ParseBillingPeriod(req.BillingPeriod)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid billing period"))
			return
		}

		sub, err := svc.ChangeBillingPeriod(ctx, adminops.ChangeBillingPeriodParams{
			UserID:      uuid.MustParse(req.UserID),
			NewPeriod:   period,
			AdminUserID: adminID,
			Reason:      req.Reason,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub, time.Now().UTC()))
	}
}

type processRefundRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes" validate:"max=500"`
}

type refundRequestResponse struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	AmountCents int64      `json:"amount_cents"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Notes       *string    `json:"notes,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// AdminProcessRefundRequest approves or rejects one pending refund request.
func AdminProcessRefundRequest(svc AdminBillingService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		adminID, err := adminFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		requestID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid refund request id"))
			return
		}

		var req processRefundRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		processed, err := svc.ProcessRefundRequest(ctx, adminops.ProcessRefundParams{
			RequestID:   requestID,
			Approve:     req.Approve,
			Notes:       req.Notes,
			AdminUserID: adminID,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, refundRequestResponse{
			ID:          processed.ID.String(),
			UserID:      processed.UserID.String(),
			Status:      string(processed.Status),
			AmountCents: processed.AmountCents,
			Amount:      formatCents(processed.AmountCents),
			Currency:    processed.Currency,
			Notes:       processed.Notes,
			ProcessedAt: processed.ProcessedAt,
		})
	}
}

type extendGraceRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Days   int    `json:"days" validate:"required,min=1,max=365"`
	Reason string `json:"reason" validate:"required,min=3"`
}

// AdminExtendGrace adds days to a user's open grace window.
func AdminExtendGrace(svc AdminBillingService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		adminID, err := adminFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req extendGraceRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if err := svc.ExtendGrace(ctx, uuid.MustParse(req.UserID), req.Days, adminID, req.Reason); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "extended"})
	}
}

// AdminGetSubscription returns one user's subscription for the admin UI.
func AdminGetSubscription(svc AdminBillingService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid user id"))
			return
		}

		profile, err := svc.GetBillingProfile(ctx, userID, pagination.Params{Limit: 1})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(profile.Subscription, time.Now().UTC()))
	}
}

type invoiceResponse struct {
	ID            string     `json:"id"`
	InvoiceNumber string     `json:"invoice_number"`
	AmountCents   int64      `json:"amount_cents"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	Tier          string     `json:"tier"`
	BillingPeriod *string    `json:"billing_period,omitempty"`
	IssuedDate    time.Time  `json:"issued_date"`
	PaidDate      *time.Time `json:"paid_date,omitempty"`
	Notes         *string    `json:"notes,omitempty"`
}

type invoiceListResponse struct {
	Invoices   []invoiceResponse `json:"invoices"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// AdminListInvoices returns one cursor page of a user's ledger.
func AdminListInvoices(svc AdminBillingService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid user id"))
			return
		}

		page := pagination.Params{Cursor: r.URL.Query().Get("cursor")}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid limit"))
				return
			}
			page.Limit = limit
		}

		profile, err := svc.GetBillingProfile(ctx, userID, page)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		resp := invoiceListResponse{NextCursor: profile.Invoices.NextCursor}
		for _, invoice := range profile.Invoices.Invoices {
			row := invoiceResponse{
				ID:            invoice.ID.String(),
				InvoiceNumber: invoice.InvoiceNumber,
				AmountCents:   invoice.AmountCents,
				Amount:        formatCents(invoice.AmountCents),
				Currency:      invoice.Currency,
				Status:        string(invoice.Status),
				Tier:          string(invoice.Tier),
				IssuedDate:    invoice.IssuedDate,
				PaidDate:      invoice.PaidDate,
				Notes:         invoice.Notes,
			}
			if invoice.BillingPeriod != nil {
				period := string(*invoice.BillingPeriod)
				row.BillingPeriod = &period
			}
			resp.Invoices = append(resp.Invoices, row)
		}
		responses.WriteSuccess(w, resp)
	}
}

func adminFromContext(ctx context.Context) (uuid.UUID, error) {
	adminID, err := uuid.Parse(middleware.UserIDFromContext(ctx))
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	return adminID, nil
}

func formatCents(cents int64) string {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).StringFixed(2)
}
