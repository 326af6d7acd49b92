package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/malwarebo/reelpipe/cache"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
)

const productionDispatcherAgent = "production_dispatcher"

// JobSubmitter hands a production job to the external video worker.
type JobSubmitter interface {
	Submit(ctx context.Context, job *providers.ProductionJob) error
}

type DispatcherConfig struct {
	CallbackURL string
	KeyTTL      time.Duration
	// Backoff spaces re-submissions after a failed attempt.
	Backoff *utils.RetryConfig
}

func (c *DispatcherConfig) withDefaults() {
	if c.KeyTTL <= 0 {
		c.KeyTTL = 24 * time.Hour
	}
	if c.Backoff == nil {
		c.Backoff = &utils.RetryConfig{
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
			Multiplier:  2,
			BackoffType: utils.Exponential,
		}
	}
}

// ProductionDispatcher submits paid orders to the video worker and follows
// the worker's callbacks until the asset is ready.
type ProductionDispatcher struct {
	cfg         DispatcherConfig
	orders      *stores.OrderStore
	briefs      *stores.BriefStore
	idempotency *stores.IdempotencyStore
	machine     *OrderMachine
	worker      JobSubmitter
	progress    cache.ProgressStore
	emitter     *Emitter
	sleep       func(context.Context, time.Duration) error
}

func NewProductionDispatcher(cfg DispatcherConfig, orders *stores.OrderStore, briefs *stores.BriefStore, idempotency *stores.IdempotencyStore, machine *OrderMachine, worker JobSubmitter, progress cache.ProgressStore, emitter *Emitter) *ProductionDispatcher {
	cfg.withDefaults()
	return &ProductionDispatcher{
		cfg:         cfg,
		orders:      orders,
		briefs:      briefs,
		idempotency: idempotency,
		machine:     machine,
		worker:      worker,
		progress:    progress,
		emitter:     emitter,
		sleep:       utils.Sleep,
	}
}

// JobID is the worker job id for the order's current attempt. It is also
// the idempotency key guarding the submission.
func JobID(order *models.Order) string {
	return fmt.Sprintf("order:%s:submit:%d", order.ID, order.RetryCount)
}

func (d *ProductionDispatcher) HandlePaymentConfirmed(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodeAs[*events.PaymentConfirmedPayload](env)
	if err != nil {
		return utils.Validation("decode payment.confirmed", err)
	}

	var order *models.Order
	err = d.machine.Retry(ctx, payload.OrderID, func(current *models.Order) error {
		order = current
		switch {
		case current.Status == models.OrderStatusPaid:
			updated, err := d.machine.Transition(ctx, current, models.OrderStatusProcessing,
				WithReason("payment confirmed"),
				WithAgent(productionDispatcherAgent),
				WithCause(env.ID),
			)
			order = updated
			return err

		case current.Status == models.OrderStatusFailed && env.Replayed:
			updated, err := d.machine.Transition(ctx, current, models.OrderStatusProcessing,
				WithReason("dead letter replay"),
				WithAgent(productionDispatcherAgent),
				WithCause(env.ID),
				WithFields(map[string]interface{}{"retry_count": 0, "last_error": ""}),
			)
			order = updated
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return utils.Validation("handle payment.confirmed", fmt.Errorf("order %s: %w", payload.OrderID, err))
		}
		return err
	}

	if order.Status != models.OrderStatusProcessing {
		utils.Debug(ctx, "payment.confirmed ignored", map[string]interface{}{
			"order_id": order.ID,
			"status":   string(order.Status),
		})
		return nil
	}
	return d.Dispatch(ctx, order)
}

// Dispatch submits the order's current attempt. A failed submission is
// counted against the retry ceiling and re-submitted after a backoff until
// the order is acknowledged or dead-lettered.
func (d *ProductionDispatcher) Dispatch(ctx context.Context, order *models.Order) error {
	return d.dispatch(ctx, order, false)
}

func (d *ProductionDispatcher) dispatch(ctx context.Context, order *models.Order, redrive bool) error {
	for {
		if order.Status != models.OrderStatusProcessing {
			return nil
		}
		jobID := JobID(order)

		begin, err := d.idempotency.Begin(ctx, jobID, d.cfg.KeyTTL)
		if err != nil {
			return err
		}

		switch begin.Outcome {
		case models.BeginAlreadyCompleted:
			return d.acknowledge(ctx, order.ID, jobID)

		case models.BeginAlreadyProcessing:
			utils.Info(ctx, "production submission already in flight", map[string]interface{}{
				"order_id": order.ID,
				"job_id":   jobID,
				"stale":    begin.Stale,
			})
			if !(redrive && begin.Stale) {
				return nil
			}
			// A submission abandoned past the processing timeout is counted
			// as a failed attempt so the next one gets a fresh job id.
			next, dead, err := d.machine.RecordFailure(ctx, order, errors.New("production submission abandoned"), DeadLetterSpec{Source: productionDispatcherAgent})
			if err != nil || dead {
				return err
			}
			order = next
			continue
		}

		job, err := d.buildJob(ctx, order, jobID)
		if err == nil {
			err = d.worker.Submit(ctx, job)
		}
		if err == nil {
			if err := d.idempotency.Complete(ctx, jobID, map[string]string{"job_id": jobID}); err != nil {
				return err
			}
			utils.Info(ctx, "production job submitted", map[string]interface{}{
				"order_id": order.ID,
				"job_id":   jobID,
				"attempt":  order.RetryCount + 1,
			})
			return d.acknowledge(ctx, order.ID, jobID)
		}

		if failErr := d.idempotency.Fail(ctx, jobID, err); failErr != nil {
			return errors.Join(err, failErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		utils.Warn(ctx, "production submission failed", map[string]interface{}{
			"order_id": order.ID,
			"job_id":   jobID,
			"error":    err.Error(),
		})

		spec := DeadLetterSpec{Source: productionDispatcherAgent}
		if utils.KindOf(err) == utils.KindTerminal || utils.KindOf(err) == utils.KindValidation {
			_, ferr := d.machine.FailPermanently(ctx, order, err, spec)
			return ferr
		}

		next, dead, ferr := d.machine.RecordFailure(ctx, order, err, spec)
		if ferr != nil || dead {
			return ferr
		}
		if err := d.sleep(ctx, utils.Backoff(d.cfg.Backoff, next.RetryCount)); err != nil {
			return err
		}
		order = next
	}
}

func (d *ProductionDispatcher) buildJob(ctx context.Context, order *models.Order, jobID string) (*providers.ProductionJob, error) {
	brief, err := d.briefs.GetByID(ctx, order.BriefID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, utils.Terminal("build production job", fmt.Errorf("brief %s for order %s: %w", order.BriefID, order.ID, err))
		}
		return nil, utils.Transient("build production job", err)
	}
	return &providers.ProductionJob{
		JobID:       jobID,
		OrderID:     order.ID,
		BriefID:     brief.ID,
		Tier:        order.Tier,
		Attempt:     order.RetryCount + 1,
		CallbackURL: d.cfg.CallbackURL,
		Brief:       json.RawMessage(brief.Payload),
	}, nil
}

// acknowledge moves the order to generating once the worker has accepted
// the job. Orders already past processing are left alone.
func (d *ProductionDispatcher) acknowledge(ctx context.Context, orderID, jobID string) error {
	var started *models.Order
	err := d.machine.Retry(ctx, orderID, func(current *models.Order) error {
		if current.Status != models.OrderStatusProcessing || JobID(current) != jobID {
			return nil
		}
		updated, err := d.machine.Transition(ctx, current, models.OrderStatusGenerating,
			WithReason("worker accepted job"),
			WithAgent(productionDispatcherAgent),
		)
		started = updated
		return err
	})
	if err != nil || started == nil {
		return err
	}

	env, err := events.New(productionDispatcherAgent, started.CorrelationID, &events.ProductionStartedPayload{
		OrderID: started.ID,
		JobID:   jobID,
	})
	if err != nil {
		return err
	}
	return d.emitter.Emit(ctx, env, models.SeverityInfo)
}

// HandleStarted accepts the worker's own start callback. The synchronous
// acknowledgement usually got there first, in which case it is a no-op.
func (d *ProductionDispatcher) HandleStarted(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodeAs[*events.ProductionStartedPayload](env)
	if err != nil {
		return utils.Validation("decode production.started", err)
	}
	if env.Source == productionDispatcherAgent {
		return nil
	}

	return d.machine.Retry(ctx, payload.OrderID, func(current *models.Order) error {
		if current.Status != models.OrderStatusProcessing {
			return nil
		}
		if payload.JobID != "" && payload.JobID != JobID(current) {
			return nil
		}
		_, err := d.machine.Transition(ctx, current, models.OrderStatusGenerating,
			WithReason("worker started job"),
			WithAgent(productionDispatcherAgent),
			WithCause(env.ID),
		)
		return err
	})
}

// HandleProgress keeps only the latest snapshot per order.
func (d *ProductionDispatcher) HandleProgress(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodeAs[*events.ProductionProgressPayload](env)
	if err != nil {
		return utils.Validation("decode production.progress", err)
	}
	if d.progress == nil {
		return nil
	}

	percent := payload.Percent
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	err = d.progress.Set(ctx, &cache.ProgressSnapshot{
		OrderID:   payload.OrderID,
		JobID:     payload.JobID,
		Percent:   percent,
		Phase:     payload.Phase,
		UpdatedAt: env.Timestamp,
	})
	if err != nil {
		return utils.Transient("store production progress", err)
	}
	return nil
}

// HandleComplete records the asset and moves the order to delivering. The
// result of a job for a refunded order is accepted but never delivered.
func (d *ProductionDispatcher) HandleComplete(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodeAs[*events.ProductionCompletePayload](env)
	if err != nil {
		return utils.Validation("decode production.complete", err)
	}
	if payload.AssetURL == "" {
		return utils.Validation("handle production.complete", errors.New("asset_url is required"))
	}

	err = d.machine.Retry(ctx, payload.OrderID, func(current *models.Order) error {
		if payload.JobID != "" && payload.JobID != JobID(current) {
			utils.Warn(ctx, "stale production.complete ignored", map[string]interface{}{
				"order_id": current.ID,
				"job_id":   payload.JobID,
			})
			return nil
		}

		switch current.Status {
		case models.OrderStatusRefunded:
			utils.Warn(ctx, "delivery suppressed for refunded order", map[string]interface{}{
				"order_id":  current.ID,
				"asset_url": payload.AssetURL,
			})
			return nil
		case models.OrderStatusProcessing:
			next, err := d.machine.Transition(ctx, current, models.OrderStatusGenerating,
				WithReason("worker completed before acknowledgement"),
				WithAgent(productionDispatcherAgent),
				WithCause(env.ID),
			)
			if err != nil {
				return err
			}
			current = next
		case models.OrderStatusGenerating:
		default:
			return nil
		}

		_, err := d.machine.Transition(ctx, current, models.OrderStatusDelivering,
			WithReason("production complete"),
			WithAgent(productionDispatcherAgent),
			WithCause(env.ID),
			WithFields(map[string]interface{}{"asset_url": payload.AssetURL, "last_error": ""}),
		)
		return err
	})
	if err != nil {
		return err
	}

	if d.progress != nil {
		err := d.progress.Set(ctx, &cache.ProgressSnapshot{
			OrderID:   payload.OrderID,
			JobID:     payload.JobID,
			Percent:   100,
			Phase:     "complete",
			UpdatedAt: env.Timestamp,
		})
		if err != nil {
			utils.Warn(ctx, "progress snapshot write failed", map[string]interface{}{
				"order_id": payload.OrderID,
				"error":    err.Error(),
			})
		}
	}
	return nil
}

// HandleFailed counts a failed attempt. Under the retry ceiling the job is
// re-submitted after a backoff; at the ceiling, or when the worker marks the
// failure as not retryable, the order fails and is dead-lettered.
func (d *ProductionDispatcher) HandleFailed(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodeAs[*events.ProductionFailedPayload](env)
	if err != nil {
		return utils.Validation("decode production.failed", err)
	}

	_, _, err = d.idempotency.Run(ctx, "production_failed:"+env.ID, d.cfg.KeyTTL, func(ctx context.Context) (interface{}, error) {
		return nil, d.handleFailed(ctx, env, payload)
	})
	if errors.Is(err, stores.ErrAlreadyProcessing) {
		return nil
	}
	return err
}

func (d *ProductionDispatcher) handleFailed(ctx context.Context, env *events.Envelope, payload *events.ProductionFailedPayload) error {
	cause := errors.New(payload.Error)
	if payload.Error == "" {
		cause = errors.New("production failed")
	}
	spec := DeadLetterSpec{Envelope: env, Source: productionDispatcherAgent}

	var next *models.Order
	err := d.machine.Retry(ctx, payload.OrderID, func(current *models.Order) error {
		next = nil
		if current.Status != models.OrderStatusProcessing && current.Status != models.OrderStatusGenerating {
			utils.Info(ctx, "production.failed ignored", map[string]interface{}{
				"order_id": current.ID,
				"status":   string(current.Status),
			})
			return nil
		}
		if payload.JobID != "" && payload.JobID != JobID(current) {
			utils.Warn(ctx, "stale production.failed ignored", map[string]interface{}{
				"order_id": current.ID,
				"job_id":   payload.JobID,
			})
			return nil
		}

		if payload.Retryable != nil && !*payload.Retryable {
			_, err := d.machine.FailPermanently(ctx, current, cause, spec)
			return err
		}

		updated, dead, err := d.machine.RecordFailure(ctx, current, cause, spec)
		if err != nil || dead {
			return err
		}
		next = updated
		return nil
	})
	if err != nil || next == nil {
		return err
	}

	if err := d.sleep(ctx, utils.Backoff(d.cfg.Backoff, next.RetryCount)); err != nil {
		return err
	}
	return d.Dispatch(ctx, next)
}

// Redrive re-runs the action an order stuck in its current status is
// waiting on.
func (d *ProductionDispatcher) Redrive(ctx context.Context, order *models.Order) (string, error) {
	switch order.Status {
	case models.OrderStatusPaid:
		var processing *models.Order
		err := d.machine.Retry(ctx, order.ID, func(current *models.Order) error {
			processing = current
			if current.Status != models.OrderStatusPaid {
				return nil
			}
			updated, err := d.machine.Transition(ctx, current, models.OrderStatusProcessing,
				WithReason("resurrected"),
				WithAgent(resurrectionAgent),
			)
			processing = updated
			return err
		})
		if err != nil {
			return "", err
		}
		return "dispatch", d.dispatch(ctx, processing, true)

	case models.OrderStatusProcessing:
		return "resubmit", d.dispatch(ctx, order, true)

	case models.OrderStatusGenerating:
		// The worker went quiet; count the attempt and submit a fresh job.
		next, dead, err := d.machine.RecordFailure(ctx, order,
			errors.New("no progress from production worker"),
			DeadLetterSpec{Source: resurrectionAgent},
		)
		if err != nil {
			return "", err
		}
		if dead {
			return "dead_letter", nil
		}
		return "resubmit", d.dispatch(ctx, next, true)
	}
	return "", fmt.Errorf("order %s in %s has no dispatcher action", order.ID, order.Status)
}

// Progress returns the latest snapshot, if any.
func (d *ProductionDispatcher) Progress(ctx context.Context, orderID string) (*cache.ProgressSnapshot, error) {
	if d.progress == nil {
		return nil, nil
	}
	return d.progress.Get(ctx, orderID)
}
