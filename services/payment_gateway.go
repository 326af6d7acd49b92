package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
)

const paymentGatewayAgent = "payment_gateway"

type GatewayConfig struct {
	Currency        string
	SuccessURL      string
	CancelURL       string
	SessionTTL      time.Duration
	KeyTTL          time.Duration
	AmountTolerance float64
	AutoCheckout    bool
}

func (c *GatewayConfig) withDefaults() {
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.KeyTTL <= 0 {
		c.KeyTTL = 24 * time.Hour
	}
	if c.AmountTolerance <= 0 {
		c.AmountTolerance = 0.01
	}
}

type CheckoutResult struct {
	OrderID           string    `json:"order_id"`
	BriefID           string    `json:"brief_id"`
	Tier              string    `json:"tier"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	Provider          string    `json:"provider"`
	ProviderSessionID string    `json:"provider_session_id"`
	CheckoutURL       string    `json:"checkout_url"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// PaymentGateway turns briefs into provider checkouts and provider webhooks
// into payment events.
type PaymentGateway struct {
	cfg         GatewayConfig
	router      *providers.Router
	orders      *stores.OrderStore
	briefs      *stores.BriefStore
	deliveries  *stores.DeliveryStore
	idempotency *stores.IdempotencyStore
	machine     *OrderMachine
	emitter     *Emitter
}

func NewPaymentGateway(cfg GatewayConfig, router *providers.Router, orders *stores.OrderStore, briefs *stores.BriefStore, deliveries *stores.DeliveryStore, idempotency *stores.IdempotencyStore, machine *OrderMachine, emitter *Emitter) *PaymentGateway {
	cfg.withDefaults()
	return &PaymentGateway{
		cfg:         cfg,
		router:      router,
		orders:      orders,
		briefs:      briefs,
		deliveries:  deliveries,
		idempotency: idempotency,
		machine:     machine,
		emitter:     emitter,
	}
}

// CreateCheckout opens a provider checkout for the brief and creates its
// order in pending. Repeated calls for the same brief return the first result.
func (g *PaymentGateway) CreateCheckout(ctx context.Context, briefID, tier string) (*CheckoutResult, error) {
	key := "checkout_" + briefID
	body, _, err := g.idempotency.Run(ctx, key, g.cfg.KeyTTL, func(ctx context.Context) (interface{}, error) {
		return g.createCheckout(ctx, briefID, tier, key)
	})
	if err != nil {
		return nil, err
	}

	var result CheckoutResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode stored checkout for brief %s: %w", briefID, err)
	}
	return &result, nil
}

func (g *PaymentGateway) createCheckout(ctx context.Context, briefID, tier, key string) (*CheckoutResult, error) {
	started := time.Now()

	brief, err := g.briefs.GetByID(ctx, briefID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, utils.Validation("create checkout", fmt.Errorf("brief %s: %w", briefID, err))
		}
		return nil, err
	}

	if brief.OrderID != nil {
		existing, err := g.orders.GetByID(ctx, *brief.OrderID)
		if err != nil {
			return nil, err
		}
		return resultFromOrder(existing, time.Time{}), nil
	}

	if tier == "" {
		tier = brief.Tier
	}
	plan, ok := models.LookupTier(tier)
	if !ok {
		return nil, utils.Validation("create checkout", fmt.Errorf("unknown tier %q", tier))
	}

	currency := strings.ToUpper(g.cfg.Currency)
	amount, ok := plan.PriceIn(currency)
	if !ok {
		return nil, utils.Validation("create checkout", fmt.Errorf("tier %s has no %s price", plan.Tier, currency))
	}
	provider, err := g.router.Route(currency)
	if err != nil {
		return nil, utils.Validation("create checkout", err)
	}

	order := &models.Order{
		ID:            uuid.NewString(),
		SessionID:     brief.SessionID,
		BriefID:       brief.ID,
		CorrelationID: brief.CorrelationID,
		Status:        models.OrderStatusPending,
		Tier:          string(plan.Tier),
		Amount:        amount,
		Currency:      currency,
		ProviderName:  provider.Name(),
		DeliveryEmail: brief.ContactEmail,
	}

	session, err := provider.CreateCheckout(ctx, &providers.CheckoutRequest{
		OrderID:        order.ID,
		BriefID:        brief.ID,
		ProductName:    plan.Name,
		CustomerEmail:  brief.ContactEmail,
		Amount:         order.Amount,
		Currency:       currency,
		SuccessURL:     g.cfg.SuccessURL,
		CancelURL:      g.cfg.CancelURL,
		ExpiresAt:      time.Now().UTC().Add(g.cfg.SessionTTL),
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	order.ProviderSessionID = session.ID
	order.CheckoutURL = session.URL

	var created, sessionCreated *events.Envelope
	err = g.orders.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := g.orders.Create(txCtx, order); err != nil {
			return err
		}
		if err := g.briefs.LinkOrder(txCtx, brief.ID, order.ID); err != nil {
			return err
		}

		var err error
		created, err = events.New(paymentGatewayAgent, order.CorrelationID, &events.OrderCreatedPayload{
			OrderID:   order.ID,
			BriefID:   brief.ID,
			SessionID: order.SessionID,
			Tier:      order.Tier,
			Amount:    order.Amount,
			Currency:  order.Currency,
		})
		if err != nil {
			return err
		}
		if err := g.emitter.Record(txCtx, created, models.SeverityInfo, 0); err != nil {
			return err
		}

		sessionCreated, err = created.Child(paymentGatewayAgent, &events.PaymentSessionCreatedPayload{
			OrderID:           order.ID,
			BriefID:           brief.ID,
			Provider:          order.ProviderName,
			ProviderSessionID: session.ID,
			CheckoutURL:       session.URL,
			Amount:            order.Amount,
			Currency:          order.Currency,
			ExpiresAt:         session.ExpiresAt,
		})
		if err != nil {
			return err
		}
		return g.emitter.Record(txCtx, sessionCreated, models.SeverityInfo, time.Since(started))
	})
	if err != nil {
		return nil, err
	}

	utils.Info(ctx, "checkout created", map[string]interface{}{
		"order_id": order.ID,
		"brief_id": brief.ID,
		"provider": order.ProviderName,
		"amount":   order.Amount,
		"currency": order.Currency,
	})

	for _, env := range []*events.Envelope{created, sessionCreated} {
		if err := g.emitter.Publish(ctx, env); err != nil {
			utils.Warn(ctx, "checkout event not published", map[string]interface{}{
				"order_id":   order.ID,
				"event_type": string(env.Type),
			})
		}
	}
	return resultFromOrder(order, session.ExpiresAt), nil
}

func resultFromOrder(order *models.Order, expiresAt time.Time) *CheckoutResult {
	return &CheckoutResult{
		OrderID:           order.ID,
		BriefID:           order.BriefID,
		Tier:              order.Tier,
		Amount:            order.Amount,
		Currency:          order.Currency,
		Provider:          order.ProviderName,
		ProviderSessionID: order.ProviderSessionID,
		CheckoutURL:       order.CheckoutURL,
		ExpiresAt:         expiresAt,
	}
}

// HandleBriefAssembled opens a checkout as soon as a brief is frozen when
// auto checkout is on.
func (g *PaymentGateway) HandleBriefAssembled(ctx context.Context, env *events.Envelope) error {
	if !g.cfg.AutoCheckout {
		return nil
	}
	payload, err := events.DecodeAs[*events.BriefAssembledPayload](env)
	if err != nil {
		return utils.Validation("decode brief.assembled", err)
	}

	_, err = g.CreateCheckout(ctx, payload.BriefID, payload.Tier)
	if errors.Is(err, stores.ErrAlreadyProcessing) {
		return utils.Transient("auto checkout", err)
	}
	return err
}

// HandleWebhook verifies and applies a raw provider webhook. Anything that
// fails verification is rejected before the payload is read.
func (g *PaymentGateway) HandleWebhook(ctx context.Context, providerName string, raw []byte, signature string) error {
	provider, err := g.router.Get(providerName)
	if err != nil {
		return utils.Validation("handle webhook", err)
	}

	event, err := provider.ParseWebhook(raw, signature)
	if err != nil {
		utils.Warn(ctx, "webhook rejected", map[string]interface{}{
			"provider": providerName,
			"error":    err.Error(),
		})
		return utils.Validation("verify webhook", err)
	}
	return g.HandlePaymentEvent(ctx, *event)
}

// HandlePaymentEvent applies a verified provider event at most once per
// provider event id.
func (g *PaymentGateway) HandlePaymentEvent(ctx context.Context, event providers.PaymentEvent) error {
	if event.Kind == providers.PaymentIgnored {
		utils.Debug(ctx, "webhook ignored", map[string]interface{}{
			"provider":   event.Provider,
			"event_id":   event.EventID,
			"event_type": event.Type,
		})
		return nil
	}
	if event.EventID == "" {
		return utils.Validation("handle payment event", errors.New("provider event id is required"))
	}

	key := fmt.Sprintf("webhook:%s:%s", event.Provider, event.EventID)
	_, started, err := g.idempotency.Run(ctx, key, g.cfg.KeyTTL, func(ctx context.Context) (interface{}, error) {
		return string(event.Kind), g.apply(ctx, event)
	})
	if errors.Is(err, stores.ErrAlreadyProcessing) {
		return utils.Transient("handle payment event", err)
	}
	if err == nil && !started {
		utils.Info(ctx, "duplicate webhook skipped", map[string]interface{}{
			"provider": event.Provider,
			"event_id": event.EventID,
		})
	}
	return err
}

func (g *PaymentGateway) apply(ctx context.Context, event providers.PaymentEvent) error {
	order, err := g.resolveOrder(ctx, event)
	if err != nil {
		return err
	}
	ctx = utils.WithCorrelationID(ctx, order.CorrelationID)

	switch event.Kind {
	case providers.PaymentSucceeded:
		return g.confirm(ctx, order, event)
	case providers.PaymentDeclined:
		return g.decline(ctx, order, event, false)
	case providers.PaymentExpired:
		return g.decline(ctx, order, event, true)
	case providers.PaymentRefunded:
		return g.refund(ctx, order, event)
	}
	return nil
}

func (g *PaymentGateway) resolveOrder(ctx context.Context, event providers.PaymentEvent) (*models.Order, error) {
	var order *models.Order
	var err error = stores.ErrNotFound

	if event.OrderID != "" {
		order, err = g.orders.GetByID(ctx, event.OrderID)
	}
	if errors.Is(err, stores.ErrNotFound) && event.SessionID != "" {
		order, err = g.orders.GetByProviderSession(ctx, event.Provider, event.SessionID)
	}
	if errors.Is(err, stores.ErrNotFound) && event.PaymentID != "" {
		order, err = g.orders.GetByProviderPayment(ctx, event.Provider, event.PaymentID)
	}
	if errors.Is(err, stores.ErrNotFound) {
		return nil, utils.Validation("resolve order", fmt.Errorf("no order for %s event %s", event.Provider, event.EventID))
	}
	return order, err
}

func (g *PaymentGateway) checkAmount(order *models.Order, event providers.PaymentEvent) error {
	if event.Currency != "" && !strings.EqualFold(event.Currency, order.Currency) {
		return fmt.Errorf("currency %s does not match order currency %s", event.Currency, order.Currency)
	}
	if event.Amount == 0 {
		return nil
	}
	allowed := math.Max(1, float64(order.Amount)*g.cfg.AmountTolerance)
	if math.Abs(float64(event.Amount-order.Amount)) > allowed {
		return fmt.Errorf("paid amount %d differs from order amount %d", event.Amount, order.Amount)
	}
	return nil
}

func (g *PaymentGateway) confirm(ctx context.Context, order *models.Order, event providers.PaymentEvent) error {
	if err := g.checkAmount(order, event); err != nil {
		utils.Error(ctx, "payment amount mismatch", map[string]interface{}{
			"order_id": order.ID,
			"event_id": event.EventID,
			"error":    err.Error(),
		})
		return utils.Validation("confirm payment", err)
	}

	var paid *models.Order
	err := g.machine.Retry(ctx, order.ID, func(current *models.Order) error {
		if current.Status != models.OrderStatusPending {
			paid = current
			return nil
		}
		fields := map[string]interface{}{}
		if event.PaymentID != "" {
			fields["provider_payment_id"] = event.PaymentID
		}
		updated, err := g.machine.Transition(ctx, current, models.OrderStatusPaid,
			WithFields(fields),
			WithReason("payment confirmed by "+event.Provider),
			WithAgent(paymentGatewayAgent),
		)
		paid = updated
		return err
	})
	if err != nil {
		return err
	}

	// Once the order has moved past paid the confirmation has already been
	// consumed downstream.
	if paid.Status != models.OrderStatusPaid {
		utils.Info(ctx, "payment confirmation for settled order", map[string]interface{}{
			"order_id": paid.ID,
			"status":   string(paid.Status),
		})
		return nil
	}

	env, err := events.New(paymentGatewayAgent, paid.CorrelationID, &events.PaymentConfirmedPayload{
		OrderID:           paid.ID,
		Provider:          event.Provider,
		ProviderEventID:   event.EventID,
		ProviderPaymentID: paid.ProviderPaymentID,
		Amount:            paid.Amount,
		Currency:          paid.Currency,
	})
	if err != nil {
		return err
	}
	return g.emitter.Emit(ctx, env, models.SeverityInfo)
}

func (g *PaymentGateway) decline(ctx context.Context, order *models.Order, event providers.PaymentEvent, expired bool) error {
	env, err := events.New(paymentGatewayAgent, order.CorrelationID, &events.PaymentFailedPayload{
		OrderID:         order.ID,
		Provider:        event.Provider,
		ProviderEventID: event.EventID,
		Reason:          event.Reason,
		Expired:         expired,
	})
	if err != nil {
		return err
	}
	if err := g.emitter.Emit(ctx, env, models.SeverityWarn); err != nil {
		return err
	}

	if !expired {
		return nil
	}
	return g.machine.Retry(ctx, order.ID, func(current *models.Order) error {
		if current.Status != models.OrderStatusPending {
			return nil
		}
		_, err := g.machine.Transition(ctx, current, models.OrderStatusCancelled,
			WithReason("checkout expired"),
			WithAgent(paymentGatewayAgent),
			WithCause(env.ID),
		)
		return err
	})
}

func (g *PaymentGateway) refund(ctx context.Context, order *models.Order, event providers.PaymentEvent) error {
	refunded := false
	err := g.machine.Retry(ctx, order.ID, func(current *models.Order) error {
		if !models.CanTransition(current.Status, models.OrderStatusRefunded, false) {
			utils.Warn(ctx, "refund for order that cannot be refunded", map[string]interface{}{
				"order_id": current.ID,
				"status":   string(current.Status),
			})
			return nil
		}
		_, err := g.machine.Transition(ctx, current, models.OrderStatusRefunded,
			WithReason("refunded by "+event.Provider),
			WithAgent(paymentGatewayAgent),
		)
		refunded = err == nil
		return err
	})
	if err != nil || !refunded {
		return err
	}

	revoked, err := g.deliveries.RevokeForOrder(ctx, order.ID, string(models.FailureOrderRefunded))
	if err != nil {
		return err
	}
	if revoked > 0 {
		utils.Warn(ctx, "delivery tokens revoked after refund", map[string]interface{}{
			"order_id": order.ID,
			"revoked":  revoked,
		})
	}

	env, err := events.New(paymentGatewayAgent, order.CorrelationID, &events.OrderRefundedPayload{
		OrderID:         order.ID,
		Provider:        event.Provider,
		ProviderEventID: event.EventID,
		Amount:          event.Amount,
	})
	if err != nil {
		return err
	}
	return g.emitter.Emit(ctx, env, models.SeverityWarn)
}
