package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/malwarebo/reelpipe/resilience"
	"github.com/malwarebo/reelpipe/utils"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const StripeName = "stripe"

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// APIBase overrides the Stripe API endpoint (stripe-mock, tests).
	APIBase string
}

type StripeProvider struct {
	api           *client.API
	webhookSecret string
	executor      *resilience.ProviderExecutor
}

func NewStripeProvider(cfg StripeConfig, executor *resilience.ProviderExecutor) *StripeProvider {
	var backends *stripe.Backends
	if cfg.APIBase != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(cfg.APIBase),
			MaxNetworkRetries: stripe.Int64(0),
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, backends)

	return &StripeProvider{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		executor:      executor,
	}
}

func (p *StripeProvider) Name() string {
	return StripeName
}

func (p *StripeProvider) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"order_id": req.OrderID},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("brief_id", req.BriefID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	var sess *stripe.CheckoutSession
	err := p.execute(ctx, func(ctx context.Context) error {
		params.Context = ctx
		var err error
		sess, err = p.api.CheckoutSessions.New(params)
		return classifyStripeError("create checkout session", err)
	})
	if err != nil {
		return nil, err
	}

	out := &CheckoutSession{ID: sess.ID, URL: sess.URL, ExpiresAt: req.ExpiresAt}
	if sess.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return out, nil
}

func (p *StripeProvider) execute(ctx context.Context, fn func(context.Context) error) error {
	if p.executor == nil {
		return fn(ctx)
	}
	return p.executor.Execute(ctx, StripeName, fn)
}

func classifyStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return utils.Transient(op, err)
		}
		return utils.Validation(op, err)
	}
	return utils.Transient(op, err)
}

func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*PaymentEvent, error) {
	if p.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &PaymentEvent{
		Provider: StripeName,
		EventID:  event.ID,
		Type:     string(event.Type),
		Kind:     PaymentIgnored,
	}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event.Type, err)
		}
		fillFromSession(out, &sess)
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			return out, nil
		}
		out.Kind = PaymentSucceeded

	case "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event.Type, err)
		}
		fillFromSession(out, &sess)
		out.Kind = PaymentExpired
		out.Reason = "expired"

	case "payment_intent.payment_failed", "checkout.session.async_payment_failed":
		if event.Type == "checkout.session.async_payment_failed" {
			var sess stripe.CheckoutSession
			if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
				return nil, fmt.Errorf("decode %s: %w", event.Type, err)
			}
			fillFromSession(out, &sess)
			out.Reason = "async payment failed"
		} else {
			var intent stripe.PaymentIntent
			if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
				return nil, fmt.Errorf("decode %s: %w", event.Type, err)
			}
			out.OrderID = intent.Metadata["order_id"]
			out.PaymentID = intent.ID
			out.Amount = intent.Amount
			out.Currency = strings.ToUpper(string(intent.Currency))
			out.Reason = "payment declined"
			if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
				out.Reason = intent.LastPaymentError.Msg
			}
		}
		out.Kind = PaymentDeclined

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event.Type, err)
		}
		out.OrderID = charge.Metadata["order_id"]
		if charge.PaymentIntent != nil {
			out.PaymentID = charge.PaymentIntent.ID
		}
		out.Amount = charge.AmountRefunded
		out.Currency = strings.ToUpper(string(charge.Currency))
		out.Kind = PaymentRefunded
	}

	return out, nil
}

func fillFromSession(out *PaymentEvent, sess *stripe.CheckoutSession) {
	out.OrderID = sess.ClientReferenceID
	if out.OrderID == "" {
		out.OrderID = sess.Metadata["order_id"]
	}
	out.SessionID = sess.ID
	out.Amount = sess.AmountTotal
	out.Currency = strings.ToUpper(string(sess.Currency))
	if sess.PaymentIntent != nil {
		out.PaymentID = sess.PaymentIntent.ID
	}
}
