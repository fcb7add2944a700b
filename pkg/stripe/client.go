package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/refund"
	"github.com/stripe/stripe-go/v84/subscription"

	"github.com/printventory/printventory-backend/pkg/config"
	"github.com/printventory/printventory-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	retryBaseDelay = 500 * time.Millisecond
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client wraps Stripe's API client plus env-specific metadata. Every outbound
// call is bounded by the configured timeout and retried with exponential
// backoff on transient failures.
type Client struct {
	api           *stripe.Client
	environment   string
	signingSecret string
	callTimeout   time.Duration
	maxRetries    uint64
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, billing config.BillingConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	api := stripe.NewClient(apiKey)
	stripe.Key = apiKey

	timeout := billing.ProcessorCallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		api:           api,
		environment:   env,
		signingSecret: signingSecret,
		callTimeout:   timeout,
		maxRetries:    billing.ProcessorCallRetries,
	}, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// CancelSubscription terminates the external subscription immediately.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if strings.TrimSpace(subscriptionID) == "" {
		return errors.New("subscription id is required")
	}
	return c.call(ctx, func(ctx context.Context) error {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		_, err := subscription.Cancel(subscriptionID, params)
		return err
	})
}

// UpdateSubscriptionPrice swaps the subscription's single item onto the given
// price with proration, used for billing-period changes.
func (c *Client) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) error {
	if strings.TrimSpace(subscriptionID) == "" {
		return errors.New("subscription id is required")
	}
	if strings.TrimSpace(priceID) == "" {
		return errors.New("price id is required")
	}
	return c.call(ctx, func(ctx context.Context) error {
		current, err := subscription.Get(subscriptionID, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return err
		}
		if current.Items == nil || len(current.Items.Data) == 0 {
			return fmt.Errorf("subscription %s has no items", subscriptionID)
		}
		params := &stripe.SubscriptionParams{
			Items: []*stripe.SubscriptionItemsParams{{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(priceID),
			}},
			ProrationBehavior: stripe.String("create_prorations"),
		}
		params.Context = ctx
		_, err = subscription.Update(subscriptionID, params)
		return err
	})
}

// SubscriptionState is the slice of external subscription state the billing
// reconcile job compares against local rows.
type SubscriptionState struct {
	Status    string
	PeriodEnd *time.Time
}

// GetSubscriptionState retrieves the subscription's current status and
// period end from the processor.
func (c *Client) GetSubscriptionState(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, errors.New("subscription id is required")
	}
	var current *stripe.Subscription
	err := c.call(ctx, func(ctx context.Context) error {
		sub, err := subscription.Get(subscriptionID, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return err
		}
		current = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	state := &SubscriptionState{Status: string(current.Status)}
	if current.Items != nil && len(current.Items.Data) > 0 && current.Items.Data[0].CurrentPeriodEnd > 0 {
		end := time.Unix(current.Items.Data[0].CurrentPeriodEnd, 0).UTC()
		state.PeriodEnd = &end
	}
	return state, nil
}

// CreateRefund refunds part or all of a charge.
func (c *Client) CreateRefund(ctx context.Context, chargeID string, amountCents int64) error {
	if strings.TrimSpace(chargeID) == "" {
		return errors.New("charge id is required")
	}
	if amountCents <= 0 {
		return errors.New("refund amount must be positive")
	}
	return c.call(ctx, func(ctx context.Context) error {
		params := &stripe.RefundParams{
			Charge: stripe.String(chargeID),
			Amount: stripe.Int64(amountCents),
		}
		params.Context = ctx
		_, err := refund.New(params)
		return err
	})
}

func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(retryBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		if err := fn(callCtx); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

func isRetryable(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Type == stripe.ErrorTypeAPI
	}
	// Timeouts and transport failures are worth one more attempt.
	return errors.Is(err, context.DeadlineExceeded)
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
