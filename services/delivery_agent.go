package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
)

const deliveryAgentAgent = "delivery_agent"

// ErrNoDeliveryChannel is returned when no notifier is configured to carry
// the download link to the customer.
var ErrNoDeliveryChannel = errors.New("no delivery notification channel configured")

// Notifier pushes signed notifications to the presentation layer.
type Notifier interface {
	Notify(ctx context.Context, eventType string, data map[string]interface{}, source string) error
}

type DeliveryConfig struct {
	MaxDownloads           int
	EnterpriseMaxDownloads int
	TokenTTL               time.Duration
	EnterpriseTTLFactor    int
	PublicBaseURL          string
	KeyTTL                 time.Duration
}

func (c *DeliveryConfig) withDefaults() {
	if c.MaxDownloads <= 0 {
		c.MaxDownloads = 10
	}
	if c.EnterpriseMaxDownloads <= 0 {
		c.EnterpriseMaxDownloads = 50
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 168 * time.Hour
	}
	if c.EnterpriseTTLFactor <= 0 {
		c.EnterpriseTTLFactor = 2
	}
	if c.KeyTTL <= 0 {
		c.KeyTTL = 24 * time.Hour
	}
}

type DownloadOutcome string

const (
	DownloadAuthorized    DownloadOutcome = "authorized"
	DownloadExpired       DownloadOutcome = "expired"
	DownloadRevoked       DownloadOutcome = "revoked"
	DownloadExceededLimit DownloadOutcome = "exceeded"
	DownloadNotFound      DownloadOutcome = "not_found"
)

type DownloadRequest struct {
	IPAddress string
	UserAgent string
}

type DownloadResult struct {
	Outcome   DownloadOutcome
	Failure   models.DownloadFailure
	OrderID   string
	TokenID   string
	AssetURL  string
	Remaining int
}

func (r DownloadResult) Authorized() bool {
	return r.Outcome == DownloadAuthorized
}

// DeliveryAgent issues download tokens for produced orders and gates every
// download against them.
type DeliveryAgent struct {
	cfg         DeliveryConfig
	orders      *stores.OrderStore
	deliveries  *stores.DeliveryStore
	idempotency *stores.IdempotencyStore
	machine     *OrderMachine
	hasher      *security.TokenHasher
	emitter     *Emitter
	notifier    Notifier
	now         func() time.Time
}

func NewDeliveryAgent(cfg DeliveryConfig, orders *stores.OrderStore, deliveries *stores.DeliveryStore, idempotency *stores.IdempotencyStore, machine *OrderMachine, hasher *security.TokenHasher, emitter *Emitter, notifier Notifier) *DeliveryAgent {
	cfg.withDefaults()
	return &DeliveryAgent{
		cfg:         cfg,
		orders:      orders,
		deliveries:  deliveries,
		idempotency: idempotency,
		machine:     machine,
		hasher:      hasher,
		emitter:     emitter,
		notifier:    notifier,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (a *DeliveryAgent) HandleProductionComplete(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodeAs[*events.ProductionCompletePayload](env)
	if err != nil {
		return utils.Validation("decode production.complete", err)
	}
	return a.deliverIfReady(ctx, payload.OrderID)
}

// HandleOrderTransitioned picks up orders entering delivering. Together with
// HandleProductionComplete it makes delivery independent of which of the two
// events arrives first.
func (a *DeliveryAgent) HandleOrderTransitioned(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodeAs[*events.OrderTransitionedPayload](env)
	if err != nil {
		return utils.Validation("decode order.transitioned", err)
	}
	if payload.To != models.OrderStatusDelivering {
		return nil
	}
	return a.deliverIfReady(ctx, payload.OrderID)
}

func (a *DeliveryAgent) deliverIfReady(ctx context.Context, orderID string) error {
	order, err := a.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return utils.Validation("deliver", fmt.Errorf("order %s: %w", orderID, err))
		}
		return err
	}
	if order.Status != models.OrderStatusDelivering {
		return nil
	}
	return a.Deliver(ctx, order)
}

// Deliver issues the order's token, notifies the customer and marks the
// order delivered. The order only becomes delivered once the notification
// carrying the link has been accepted; a failed notification revokes the
// token and leaves the order in delivering for the next attempt. It runs at
// most once per order.
func (a *DeliveryAgent) Deliver(ctx context.Context, order *models.Order) error {
	key := fmt.Sprintf("order:%s:deliver", order.ID)
	begin, err := a.idempotency.Begin(ctx, key, a.cfg.KeyTTL)
	if err != nil {
		return err
	}
	switch begin.Outcome {
	case models.BeginAlreadyCompleted:
		return nil
	case models.BeginAlreadyProcessing:
		utils.Info(ctx, "delivery already in progress", map[string]interface{}{
			"order_id": order.ID,
			"stale":    begin.Stale,
		})
		return nil
	}

	started := time.Now()
	raw, token, err := a.issue(ctx, order)
	if err != nil {
		return a.failDelivery(ctx, key, order.ID, err)
	}

	if err := a.notify(ctx, order, token, raw); err != nil {
		return a.abortDelivery(ctx, key, order.ID, err)
	}

	var delivered *models.Order
	err = a.machine.Retry(ctx, order.ID, func(current *models.Order) error {
		if current.Status != models.OrderStatusDelivering {
			return fmt.Errorf("order %s is %s, not delivering", current.ID, current.Status)
		}
		updated, err := a.machine.Transition(ctx, current, models.OrderStatusDelivered,
			WithReason("delivery token issued"),
			WithAgent(deliveryAgentAgent),
			WithFields(map[string]interface{}{"delivered_at": a.now()}),
		)
		delivered = updated
		return err
	})
	if err != nil {
		return a.abortDelivery(ctx, key, order.ID, err)
	}

	env, err := events.New(deliveryAgentAgent, delivered.CorrelationID, &events.DeliveryReadyPayload{
		OrderID:      delivered.ID,
		TokenID:      token.ID,
		ExpiresAt:    token.ExpiresAt,
		MaxDownloads: token.MaxDownloads,
		Email:        delivered.DeliveryEmail,
	})
	if err != nil {
		return a.failDelivery(ctx, key, order.ID, err)
	}
	if err := a.emitter.Record(ctx, env, models.SeverityInfo, time.Since(started)); err != nil {
		return a.failDelivery(ctx, key, order.ID, err)
	}
	if err := a.idempotency.Complete(ctx, key, map[string]string{"token_id": token.ID}); err != nil {
		return err
	}
	if err := a.emitter.Publish(ctx, env); err != nil {
		utils.Warn(ctx, "delivery.ready publish failed", map[string]interface{}{
			"order_id": delivered.ID,
			"event_id": env.ID,
			"error":    err.Error(),
		})
	}
	return nil
}

// abortDelivery revokes the tokens minted by a failed attempt before
// releasing the idempotency key.
func (a *DeliveryAgent) abortDelivery(ctx context.Context, key, orderID string, cause error) error {
	if _, err := a.deliveries.RevokeForOrder(ctx, orderID, "delivery aborted"); err != nil {
		cause = errors.Join(cause, err)
	}
	return a.failDelivery(ctx, key, orderID, cause)
}

func (a *DeliveryAgent) failDelivery(ctx context.Context, key, orderID string, cause error) error {
	utils.Error(ctx, "delivery failed", map[string]interface{}{
		"order_id": orderID,
		"error":    cause.Error(),
	})
	if err := a.idempotency.Fail(ctx, key, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// notify sends the download link. The raw token leaves the process only
// through this call.
func (a *DeliveryAgent) notify(ctx context.Context, order *models.Order, token *models.DeliveryToken, raw string) error {
	if a.notifier == nil {
		return utils.Transient("notify delivery", ErrNoDeliveryChannel)
	}
	err := a.notifier.Notify(ctx, string(events.DeliveryReady), map[string]interface{}{
		"order_id":      order.ID,
		"session_id":    order.SessionID,
		"email":         order.DeliveryEmail,
		"download_url":  a.DownloadURL(raw),
		"expires_at":    token.ExpiresAt,
		"max_downloads": token.MaxDownloads,
	}, deliveryAgentAgent)
	if err != nil {
		utils.Warn(ctx, "delivery notification not sent", map[string]interface{}{
			"order_id": order.ID,
			"token_id": token.ID,
			"error":    err.Error(),
		})
		return utils.Transient("notify delivery", err)
	}
	return nil
}

func (a *DeliveryAgent) DownloadURL(raw string) string {
	return strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/download/" + raw
}

// ReissueResult is returned to the operator who asked for a new link.
type ReissueResult struct {
	OrderID      string    `json:"order_id"`
	TokenID      string    `json:"token_id"`
	DownloadURL  string    `json:"download_url"`
	ExpiresAt    time.Time `json:"expires_at"`
	MaxDownloads int       `json:"max_downloads"`
	Revoked      int64     `json:"revoked"`
	Notified     bool      `json:"notified"`
}

// Reissue revokes a delivered order's live tokens and issues a fresh one.
// The new link is sent to the customer and also returned, so an operator can
// hand it over when the notification channel is down.
func (a *DeliveryAgent) Reissue(ctx context.Context, orderID string) (*ReissueResult, error) {
	order, err := a.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, utils.Validation("reissue token", fmt.Errorf("order %s: %w", orderID, err))
		}
		return nil, err
	}
	if order.Status != models.OrderStatusDelivered {
		return nil, utils.Validation("reissue token", fmt.Errorf("order %s is %s, not delivered", order.ID, order.Status))
	}

	var (
		raw     string
		token   *models.DeliveryToken
		revoked int64
		env     *events.Envelope
	)
	err = a.deliveries.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		if revoked, err = a.deliveries.RevokeForOrder(txCtx, order.ID, "reissued"); err != nil {
			return err
		}
		if raw, token, err = a.issue(txCtx, order); err != nil {
			return err
		}
		env, err = events.New(deliveryAgentAgent, order.CorrelationID, &events.DeliveryReadyPayload{
			OrderID:      order.ID,
			TokenID:      token.ID,
			ExpiresAt:    token.ExpiresAt,
			MaxDownloads: token.MaxDownloads,
			Email:        order.DeliveryEmail,
			Reissued:     true,
		})
		if err != nil {
			return err
		}
		return a.emitter.Record(txCtx, env, models.SeverityWarn, 0)
	})
	if err != nil {
		return nil, err
	}

	result := &ReissueResult{
		OrderID:      order.ID,
		TokenID:      token.ID,
		DownloadURL:  a.DownloadURL(raw),
		ExpiresAt:    token.ExpiresAt,
		MaxDownloads: token.MaxDownloads,
		Revoked:      revoked,
		Notified:     a.notify(ctx, order, token, raw) == nil,
	}
	if err := a.emitter.Publish(ctx, env); err != nil {
		utils.Warn(ctx, "delivery.ready publish failed", map[string]interface{}{
			"order_id": order.ID,
			"event_id": env.ID,
			"error":    err.Error(),
		})
	}

	utils.Warn(ctx, "delivery token reissued", map[string]interface{}{
		"order_id": order.ID,
		"token_id": token.ID,
		"revoked":  revoked,
		"notified": result.Notified,
	})
	return result, nil
}

// Issue mints a token for the order and stores only its hash.
func (a *DeliveryAgent) Issue(ctx context.Context, order *models.Order) (string, error) {
	raw, _, err := a.issue(ctx, order)
	return raw, err
}

func (a *DeliveryAgent) issue(ctx context.Context, order *models.Order) (string, *models.DeliveryToken, error) {
	raw, hash, err := a.hasher.Generate()
	if err != nil {
		return "", nil, err
	}

	maxDownloads, ttl := a.cfg.MaxDownloads, a.cfg.TokenTTL
	if models.Tier(order.Tier) == models.TierEnterprise {
		maxDownloads = a.cfg.EnterpriseMaxDownloads
		ttl *= time.Duration(a.cfg.EnterpriseTTLFactor)
	}

	token := &models.DeliveryToken{
		OrderID:      order.ID,
		TokenHash:    hash,
		MaxDownloads: maxDownloads,
		ExpiresAt:    a.now().Add(ttl),
	}
	if err := a.deliveries.CreateToken(ctx, token); err != nil {
		return "", nil, err
	}

	utils.Info(ctx, "delivery token issued", map[string]interface{}{
		"order_id":      order.ID,
		"token_id":      token.ID,
		"max_downloads": maxDownloads,
		"expires_at":    token.ExpiresAt,
	})
	return raw, token, nil
}

// ValidateAndConsume checks a presented token and, when it is usable,
// consumes one download. Every call is recorded as a download attempt.
func (a *DeliveryAgent) ValidateAndConsume(ctx context.Context, raw string, meta DownloadRequest) (DownloadResult, error) {
	token, err := a.deliveries.GetByHash(ctx, a.hasher.Hash(raw))
	if errors.Is(err, stores.ErrNotFound) {
		result := DownloadResult{Outcome: DownloadNotFound, Failure: models.FailureTokenNotFound}
		return result, a.record(ctx, nil, meta, result)
	}
	if err != nil {
		return DownloadResult{}, err
	}

	order, err := a.orders.GetByID(ctx, token.OrderID)
	if err != nil {
		return DownloadResult{}, err
	}

	result := DownloadResult{OrderID: order.ID, TokenID: token.ID, Remaining: token.Remaining()}
	if blocked := a.classify(token, order); blocked != "" {
		result.Outcome, result.Failure = outcomeFor(blocked), blocked
		return result, a.record(ctx, token, meta, result)
	}

	consumed, err := a.deliveries.ConsumeDownload(ctx, token.ID)
	if err != nil {
		return DownloadResult{}, err
	}

	// Re-read so the result reflects the counter after the conditional update.
	current, err := a.deliveries.GetByHash(ctx, token.TokenHash)
	if err != nil {
		return DownloadResult{}, err
	}
	result.Remaining = current.Remaining()

	if !consumed {
		blocked := a.classify(current, order)
		if blocked == "" {
			blocked = models.FailureDownloadsExhausted
		}
		result.Outcome, result.Failure = outcomeFor(blocked), blocked
		return result, a.record(ctx, current, meta, result)
	}

	result.Outcome = DownloadAuthorized
	result.AssetURL = order.AssetURL
	if err := a.record(ctx, current, meta, result); err != nil {
		return result, err
	}

	env, err := events.New(deliveryAgentAgent, order.CorrelationID, &events.DeliveryCompletedPayload{
		OrderID:       order.ID,
		TokenID:       token.ID,
		DownloadCount: current.DownloadCount,
		Remaining:     result.Remaining,
	})
	if err != nil {
		return result, err
	}
	if err := a.emitter.Emit(ctx, env, models.SeverityInfo); err != nil {
		utils.Warn(ctx, "delivery.completed not emitted", map[string]interface{}{
			"order_id": order.ID,
			"token_id": token.ID,
		})
	}
	return result, nil
}

func (a *DeliveryAgent) classify(token *models.DeliveryToken, order *models.Order) models.DownloadFailure {
	switch {
	case order.Status == models.OrderStatusRefunded:
		return models.FailureOrderRefunded
	case token.Revoked:
		return models.FailureTokenRevoked
	case !a.now().Before(token.ExpiresAt):
		return models.FailureTokenExpired
	case token.DownloadCount >= token.MaxDownloads:
		return models.FailureDownloadsExhausted
	}
	return ""
}

func outcomeFor(failure models.DownloadFailure) DownloadOutcome {
	switch failure {
	case models.FailureTokenExpired:
		return DownloadExpired
	case models.FailureTokenRevoked, models.FailureOrderRefunded:
		return DownloadRevoked
	case models.FailureDownloadsExhausted:
		return DownloadExceededLimit
	}
	return DownloadNotFound
}

func (a *DeliveryAgent) record(ctx context.Context, token *models.DeliveryToken, meta DownloadRequest, result DownloadResult) error {
	attempt := &models.DownloadAttempt{
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		Success:       result.Outcome == DownloadAuthorized,
		FailureReason: result.Failure,
	}
	if token != nil {
		tokenID, orderID := token.ID, token.OrderID
		attempt.TokenID = &tokenID
		attempt.OrderID = &orderID
	}
	if err := a.deliveries.RecordAttempt(ctx, attempt); err != nil {
		return utils.WrapError(err, "record download attempt")
	}

	if !attempt.Success {
		utils.Info(ctx, "download refused", map[string]interface{}{
			"token_id": result.TokenID,
			"order_id": result.OrderID,
			"reason":   string(result.Failure),
		})
	}
	return nil
}

// RecordRateLimited stores a download attempt refused before the token was
// looked at.
func (a *DeliveryAgent) RecordRateLimited(ctx context.Context, meta DownloadRequest) error {
	return a.record(ctx, nil, meta, DownloadResult{Outcome: DownloadExceededLimit, Failure: models.FailureRateLimited})
}

// Revoke disables every active token of the order.
func (a *DeliveryAgent) Revoke(ctx context.Context, orderID, reason string) (int64, error) {
	if reason == "" {
		reason = "revoked by operator"
	}
	n, err := a.deliveries.RevokeForOrder(ctx, orderID, reason)
	if err != nil {
		return 0, err
	}
	utils.Warn(ctx, "delivery tokens revoked", map[string]interface{}{
		"order_id": orderID,
		"revoked":  n,
		"reason":   reason,
	})
	return n, nil
}
