package stripewebhook

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/printventory/printventory-backend/pkg/enums"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
)

// MapEvent converts a verified Stripe event into the reconciler's union.
// Unknown event types map to (nil, nil) and the delivery is acknowledged
// without processing. A recognized type with an unusable payload is a
// validation error; the processor will retry it.
func MapEvent(event *stripe.Event) (Event, error) {
	if event == nil || event.Data == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event data is required")
	}

	b := base{ID: event.ID, Type: string(event.Type)}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return mapCheckoutCompleted(event, b)
	case stripe.EventTypeInvoicePaymentSucceeded, stripe.EventTypeInvoicePaid:
		return mapInvoicePaymentSucceeded(event, b)
	case stripe.EventTypeInvoicePaymentFailed:
		return &InvoicePaymentFailed{
			base:           b,
			InvoiceID:      event.GetObjectValue("id"),
			SubscriptionID: event.GetObjectValue("subscription"),
			AmountCents:    parseCents(event.GetObjectValue("amount_due")),
			Currency:       event.GetObjectValue("currency"),
		}, nil
	case stripe.EventTypeCustomerSubscriptionUpdated:
		return &SubscriptionUpdated{
			base:           b,
			SubscriptionID: event.GetObjectValue("id"),
			Status:         event.GetObjectValue("status"),
			PeriodEnd:      unixTime(event.GetObjectValue("current_period_end")),
		}, nil
	case stripe.EventTypeCustomerSubscriptionDeleted:
		id := event.GetObjectValue("id")
		if id == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
		}
		return &SubscriptionDeleted{base: b, SubscriptionID: id}, nil
	case stripe.EventTypeChargeRefunded:
		return &ChargeRefunded{
			base:        b,
			ChargeID:    event.GetObjectValue("id"),
			InvoiceRef:  event.GetObjectValue("invoice"),
			AmountCents: parseCents(event.GetObjectValue("amount_refunded")),
		}, nil
	case stripe.EventTypeRefundCreated:
		return &RefundCreated{
			base:        b,
			RefundID:    event.GetObjectValue("id"),
			ChargeID:    event.GetObjectValue("charge"),
			InvoiceRef:  event.GetObjectValue("invoice"),
			AmountCents: parseCents(event.GetObjectValue("amount")),
			Status:      event.GetObjectValue("status"),
		}, nil
	case stripe.EventTypeRefundUpdated:
		return &RefundUpdated{
			base:        b,
			RefundID:    event.GetObjectValue("id"),
			ChargeID:    event.GetObjectValue("charge"),
			InvoiceRef:  event.GetObjectValue("invoice"),
			AmountCents: parseCents(event.GetObjectValue("amount")),
			Status:      event.GetObjectValue("status"),
		}, nil
	default:
		return nil, nil
	}
}

func mapCheckoutCompleted(event *stripe.Event, b base) (Event, error) {
	sessionID := event.GetObjectValue("id")
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session id is required")
	}

	rawUserID := event.GetObjectValue("metadata", "user_id")
	if rawUserID == "" {
		rawUserID = event.GetObjectValue("client_reference_id")
	}
	userID, err := uuid.Parse(rawUserID)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session carries no usable user id")
	}

	tier, err := enums.ParseTier(event.GetObjectValue("metadata", "tier"))
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session carries no usable tier")
	}
	period, err := enums.ParseBillingPeriod(event.GetObjectValue("metadata", "billing_period"))
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session carries no usable billing period")
	}

	return &CheckoutCompleted{
		base:           b,
		SessionID:      sessionID,
		UserID:         userID,
		SubscriptionID: event.GetObjectValue("subscription"),
		CustomerID:     event.GetObjectValue("customer"),
		Tier:           tier,
		BillingPeriod:  period,
		AmountCents:    parseCents(event.GetObjectValue("amount_total")),
		Currency:       event.GetObjectValue("currency"),
	}, nil
}

func mapInvoicePaymentSucceeded(event *stripe.Event, b base) (Event, error) {
	invoiceID := event.GetObjectValue("id")
	if invoiceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice id is required")
	}
	return &InvoicePaymentSucceeded{
		base:           b,
		InvoiceID:      invoiceID,
		SubscriptionID: event.GetObjectValue("subscription"),
		AmountCents:    parseCents(event.GetObjectValue("amount_paid")),
		Currency:       event.GetObjectValue("currency"),
		PeriodEnd:      unixTime(event.GetObjectValue("period_end")),
	}, nil
}

func parseCents(raw string) int64 {
	if raw == "" {
		return 0
	}
	cents, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Stripe renders integers in scientific notation in some payloads.
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0
		}
		return int64(f)
	}
	return cents
}

func unixTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return nil
	}
	t := time.Unix(int64(seconds), 0).UTC()
	return &t
}
