package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
	"gorm.io/datatypes"
)

const (
	DefaultRetryCeiling = 3
	maxConflictRetries  = 5
)

type transitionOptions struct {
	fields        map[string]interface{}
	reason        string
	agent         string
	cause         string
	countsAttempt bool
}

type TransitionOption func(*transitionOptions)

// WithFields sets additional order columns in the same compare-and-swap.
func WithFields(fields map[string]interface{}) TransitionOption {
	return func(o *transitionOptions) {
		if o.fields == nil {
			o.fields = make(map[string]interface{}, len(fields))
		}
		for k, v := range fields {
			o.fields[k] = v
		}
	}
}

func WithReason(reason string) TransitionOption {
	return func(o *transitionOptions) { o.reason = reason }
}

func WithAgent(agent string) TransitionOption {
	return func(o *transitionOptions) { o.agent = agent }
}

// WithCause links the order.transitioned event to the event that caused it.
func WithCause(eventID string) TransitionOption {
	return func(o *transitionOptions) { o.cause = eventID }
}

// CountingAttempt marks the transition as a failed attempt: retry_count is
// incremented and the retry edges of the graph become legal.
func CountingAttempt() TransitionOption {
	return func(o *transitionOptions) { o.countsAttempt = true }
}

// DeadLetterSpec describes what to write when a failure exhausts the retry
// ceiling.
type DeadLetterSpec struct {
	Envelope *events.Envelope
	Source   string
}

// OrderMachine is the only writer of order status. Every transition is a
// compare-and-swap on the order version plus an order.transitioned record
// committed in the same transaction.
type OrderMachine struct {
	orders       *stores.OrderStore
	deadLetters  *stores.DeadLetterStore
	emitter      *Emitter
	retryCeiling int
}

func NewOrderMachine(orders *stores.OrderStore, deadLetters *stores.DeadLetterStore, emitter *Emitter, retryCeiling int) *OrderMachine {
	if retryCeiling <= 0 {
		retryCeiling = DefaultRetryCeiling
	}
	return &OrderMachine{
		orders:       orders,
		deadLetters:  deadLetters,
		emitter:      emitter,
		retryCeiling: retryCeiling,
	}
}

func (m *OrderMachine) RetryCeiling() int {
	return m.retryCeiling
}

func (m *OrderMachine) Transition(ctx context.Context, order *models.Order, to models.OrderStatus, opts ...TransitionOption) (*models.Order, error) {
	return m.apply(ctx, order, to, buildOptions(opts), nil)
}

func buildOptions(opts []TransitionOption) *transitionOptions {
	o := &transitionOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (m *OrderMachine) apply(ctx context.Context, order *models.Order, to models.OrderStatus, o *transitionOptions, inTx func(context.Context, *models.Order) error) (*models.Order, error) {
	if err := models.ValidateTransition(order.Status, to, o.countsAttempt); err != nil {
		return nil, utils.Validation("transition order", err)
	}

	agent := o.agent
	if agent == "" {
		agent = utils.GetAgent(ctx)
	}
	if agent == "" {
		agent = "order_machine"
	}

	fields := make(map[string]interface{}, len(o.fields)+2)
	for k, v := range o.fields {
		fields[k] = v
	}
	fields["status"] = to
	retryCount := order.RetryCount
	if o.countsAttempt {
		retryCount++
		fields["retry_count"] = retryCount
	}

	var updated *models.Order
	var env *events.Envelope

	err := m.orders.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = m.orders.CompareAndSwap(txCtx, order.ID, order.Version, order.Status, fields)
		if err != nil {
			return err
		}

		env, err = events.New(agent, order.CorrelationID, &events.OrderTransitionedPayload{
			OrderID:    order.ID,
			From:       order.Status,
			To:         to,
			Version:    updated.Version,
			RetryCount: updated.RetryCount,
			Reason:     o.reason,
		})
		if err != nil {
			return err
		}
		env.CausationID = o.cause

		if err := m.emitter.Record(txCtx, env, transitionSeverity(to), 0); err != nil {
			return err
		}

		if inTx != nil {
			return inTx(txCtx, updated)
		}
		return nil
	})
	if err != nil {
		if stores.IsConflict(err) {
			utils.Warn(ctx, "order transition conflict", map[string]interface{}{
				"order_id": order.ID,
				"from":     string(order.Status),
				"to":       string(to),
				"version":  order.Version,
			})
		}
		return nil, err
	}

	utils.Info(ctx, "order transitioned", map[string]interface{}{
		"order_id":    order.ID,
		"from":        string(order.Status),
		"to":          string(to),
		"version":     updated.Version,
		"retry_count": updated.RetryCount,
	})

	// The transition is committed; a lost notification is only logged.
	if err := m.emitter.Publish(ctx, env); err != nil {
		utils.Warn(ctx, "order.transitioned not published", map[string]interface{}{
			"order_id": order.ID,
		})
	}
	return updated, nil
}

func transitionSeverity(to models.OrderStatus) models.Severity {
	switch to {
	case models.OrderStatusFailed:
		return models.SeverityError
	case models.OrderStatusRefunded, models.OrderStatusCancelled:
		return models.SeverityWarn
	default:
		return models.SeverityInfo
	}
}

// RecordFailure counts a failed production attempt. Below the ceiling the
// order returns to processing for another attempt. At the ceiling it moves to
// failed and a dead letter is written in the same transaction. The boolean
// reports whether the order was dead-lettered.
func (m *OrderMachine) RecordFailure(ctx context.Context, order *models.Order, cause error, dl DeadLetterSpec) (*models.Order, bool, error) {
	message := "production failed"
	if cause != nil {
		message = cause.Error()
	}

	next := order.RetryCount + 1
	if next < m.retryCeiling {
		updated, err := m.Transition(ctx, order, models.OrderStatusProcessing,
			CountingAttempt(),
			WithReason(message),
			WithCause(causeID(dl)),
			WithFields(map[string]interface{}{"last_error": message}),
		)
		return updated, false, err
	}

	return m.fail(ctx, order, dl, message, fmt.Sprintf("retry ceiling %d reached: %s", m.retryCeiling, message), next)
}

// FailPermanently moves the order to failed and writes its dead letter
// without waiting for the retry ceiling. It is used when the worker reports
// a failure that another attempt cannot fix.
func (m *OrderMachine) FailPermanently(ctx context.Context, order *models.Order, cause error, dl DeadLetterSpec) (*models.Order, error) {
	message := "production failed"
	if cause != nil {
		message = cause.Error()
	}
	updated, _, err := m.fail(ctx, order, dl, message, "permanent failure: "+message, order.RetryCount+1)
	return updated, err
}

func (m *OrderMachine) fail(ctx context.Context, order *models.Order, dl DeadLetterSpec, message, reason string, attempts int) (*models.Order, bool, error) {
	opts := &transitionOptions{
		reason: reason,
		cause:  causeID(dl),
		fields: map[string]interface{}{
			"last_error":  message,
			"retry_count": attempts,
		},
	}

	var letter *models.DeadLetter
	updated, err := m.apply(ctx, order, models.OrderStatusFailed, opts, func(txCtx context.Context, updated *models.Order) error {
		var err error
		letter, err = m.writeDeadLetter(txCtx, updated, dl, message, attempts)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	utils.Error(ctx, "order failed", map[string]interface{}{
		"order_id":       order.ID,
		"retry_count":    attempts,
		"reason":         reason,
		"dead_letter_id": letter.ID,
	})
	return updated, true, nil
}

func causeID(dl DeadLetterSpec) string {
	if dl.Envelope == nil {
		return ""
	}
	return dl.Envelope.ID
}

func (m *OrderMachine) writeDeadLetter(ctx context.Context, order *models.Order, dl DeadLetterSpec, message string, attempts int) (*models.DeadLetter, error) {
	letter := &models.DeadLetter{
		CorrelationID: order.CorrelationID,
		OrderID:       &order.ID,
		Source:        dl.Source,
		ErrorMessage:  message,
		AttemptCount:  attempts,
	}

	// The stored envelope is what a replay publishes: a payment.confirmed
	// that re-drives the order from failed back into production.
	redrive, err := events.New(dl.Source, order.CorrelationID, &events.PaymentConfirmedPayload{
		OrderID:           order.ID,
		Provider:          order.ProviderName,
		ProviderPaymentID: order.ProviderPaymentID,
		Amount:            order.Amount,
		Currency:          order.Currency,
	})
	if err != nil {
		return nil, err
	}
	// The event columns describe the stored envelope; the event that
	// exhausted the order is kept as its cause.
	if dl.Envelope != nil {
		redrive.CausationID = dl.Envelope.ID
	}
	letter.EventType = string(redrive.Type)
	letter.EventID = redrive.ID
	letter.CausationID = redrive.CausationID
	body, err := json.Marshal(redrive)
	if err != nil {
		return nil, err
	}
	letter.Payload = datatypes.JSON(body)

	if err := m.deadLetters.Create(ctx, letter); err != nil {
		return nil, err
	}

	env, err := events.New("order_machine", order.CorrelationID, &events.DeadLetterCreatedPayload{
		DeadLetterID:  letter.ID,
		OriginalType:  events.EventType(letter.EventType),
		OriginalEvent: letter.EventID,
		Error:         message,
		Attempts:      attempts,
	})
	if err != nil {
		return nil, err
	}
	env.CausationID = letter.EventID
	if letter.CausationID != "" {
		env.CausationID = letter.CausationID
	}
	if err := m.emitter.Record(ctx, env, models.SeverityCritical, 0); err != nil {
		return nil, err
	}
	return letter, nil
}

// Retry re-reads the order and calls fn again whenever fn fails with a
// version conflict.
func (m *OrderMachine) Retry(ctx context.Context, orderID string, fn func(*models.Order) error) error {
	var lastErr error
	for i := 0; i < maxConflictRetries; i++ {
		order, err := m.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}

		lastErr = fn(order)
		if lastErr == nil || !stores.IsConflict(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("order %s after %d attempts: %w", orderID, maxConflictRetries, lastErr)
}
