package stripewebhook

import (
	"time"

	"github.com/google/uuid"

	"github.com/printventory/printventory-backend/pkg/enums"
)

// Event is the closed union of payment processor events the reconciler
// understands. The mapper validates raw payloads at the boundary; handlers
// only ever see one of the variants below.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

type base struct {
	ID   string
	Type string
}

func (b base) EventID() string   { return b.ID }
func (b base) EventType() string { return b.Type }
func (base) isEvent()            {}

// CheckoutCompleted is a finished checkout session: the user paid and the
// processor-side subscription now exists.
type CheckoutCompleted struct {
	base
	SessionID      string
	UserID         uuid.UUID
	SubscriptionID string
	CustomerID     string
	Tier           enums.Tier
	BillingPeriod  enums.BillingPeriod
	AmountCents    int64
	Currency       string
}

// InvoicePaymentSucceeded is a settled recurring charge.
type InvoicePaymentSucceeded struct {
	base
	InvoiceID      string
	SubscriptionID string
	AmountCents    int64
	Currency       string
	PeriodEnd      *time.Time
}

// InvoicePaymentFailed is a recurring charge that did not settle.
type InvoicePaymentFailed struct {
	base
	InvoiceID      string
	SubscriptionID string
	AmountCents    int64
	Currency       string
}

// SubscriptionUpdated reports processor-side subscription state.
type SubscriptionUpdated struct {
	base
	SubscriptionID string
	Status         string
	PeriodEnd      *time.Time
}

// NewSubscriptionUpdated builds a synthetic update event. The reconcile job
// uses it to replay externally observed state through the same handlers the
// webhooks go through.
func NewSubscriptionUpdated(eventID, subscriptionID, status string, periodEnd *time.Time) *SubscriptionUpdated {
	return &SubscriptionUpdated{
		base:           base{ID: eventID, Type: "customer.subscription.updated"},
		SubscriptionID: subscriptionID,
		Status:         status,
		PeriodEnd:      periodEnd,
	}
}

// SubscriptionDeleted reports a processor-side cancellation.
type SubscriptionDeleted struct {
	base
	SubscriptionID string
}

// NewSubscriptionDeleted builds a synthetic deletion event for the reconcile
// job.
func NewSubscriptionDeleted(eventID, subscriptionID string) *SubscriptionDeleted {
	return &SubscriptionDeleted{
		base:           base{ID: eventID, Type: "customer.subscription.deleted"},
		SubscriptionID: subscriptionID,
	}
}

// ChargeRefunded reports money returned against a charge.
type ChargeRefunded struct {
	base
	ChargeID    string
	InvoiceRef  string
	AmountCents int64
}

// RefundCreated is a refund object creation.
type RefundCreated struct {
	base
	RefundID    string
	ChargeID    string
	InvoiceRef  string
	AmountCents int64
	Status      string
}

// RefundUpdated is a refund object transition.
type RefundUpdated struct {
	base
	RefundID    string
	ChargeID    string
	InvoiceRef  string
	AmountCents int64
	Status      string
}
