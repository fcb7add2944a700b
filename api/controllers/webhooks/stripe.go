package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/printventory/printventory-backend/api/responses"
	stripewebhook "github.com/printventory/printventory-backend/internal/webhooks/stripe"
	pkgerrors "github.com/printventory/printventory-backend/pkg/errors"
	"github.com/printventory/printventory-backend/pkg/logger"
	"github.com/printventory/printventory-backend/pkg/metrics"
)

// StripeWebhookService reconciles mapped processor events.
type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event stripewebhook.Event) error
}

type stripeWebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type stripeClient interface {
	SigningSecret() string
}

// StripeWebhook handles payment processor callbacks. The signature is
// verified before anything is parsed; a bad signature is rejected with 400
// and never processed. Replays are absorbed by the idempotency guard, and
// the mark is released when handling fails so the processor's retry gets
// another attempt.
func StripeWebhook(svc StripeWebhookService, client stripeClient, guard stripeWebhookGuard, m *metrics.WebhookMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil || client == nil || guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook pipeline unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}

		rawEvent, err := webhook.ConstructEvent(payload, sigHeader, client.SigningSecret())
		if err != nil {
			incEvent(m, "unknown", "rejected")
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid signature"))
			return
		}
		ctx = logg.WithEventID(ctx, rawEvent.ID)

		event, err := stripewebhook.MapEvent(&rawEvent)
		if err != nil {
			incEvent(m, string(rawEvent.Type), "invalid")
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if event == nil {
			// Unrecognized type; acknowledge so the processor stops retrying.
			logg.Info(ctx, "ignoring unhandled stripe event type "+string(rawEvent.Type))
			incEvent(m, string(rawEvent.Type), "ignored")
			responses.WriteSuccess(w, nil)
			return
		}

		alreadyProcessed, err := guard.CheckAndMark(ctx, rawEvent.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		if alreadyProcessed {
			incEvent(m, string(rawEvent.Type), "duplicate")
			responses.WriteSuccess(w, nil)
			return
		}

		if err := svc.HandleEvent(ctx, event); err != nil {
			if relErr := guard.Release(ctx, rawEvent.ID); relErr != nil {
				logg.Error(ctx, "releasing webhook idempotency mark", relErr)
			}
			incEvent(m, string(rawEvent.Type), "error")
			responses.WriteError(ctx, logg, w, err)
			return
		}

		incEvent(m, string(rawEvent.Type), "processed")
		responses.WriteSuccess(w, nil)
	}
}

func incEvent(m *metrics.WebhookMetrics, eventType, outcome string) {
	if m == nil {
		return
	}
	m.IncEvent(eventType, outcome)
}
