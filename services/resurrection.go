package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
)

const resurrectionAgent = "resurrection_loop"

type ResurrectionConfig struct {
	StuckThreshold   time.Duration
	BatchSize        int
	MaxResurrections int
}

func (c *ResurrectionConfig) withDefaults() {
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxResurrections <= 0 {
		c.MaxResurrections = 3
	}
}

type SweepReport struct {
	Scanned     int      `json:"scanned"`
	Resurrected int      `json:"resurrected"`
	Skipped     int      `json:"skipped"`
	Abandoned   int      `json:"abandoned"`
	Errors      []string `json:"errors,omitempty"`
}

type ResurrectionStats struct {
	Stuck          map[models.OrderStatus]int64 `json:"stuck"`
	Triggered24h   int64                        `json:"triggered_24h"`
	Abandoned24h   int64                        `json:"abandoned_24h"`
	StuckThreshold time.Duration                `json:"stuck_threshold"`
}

type resurrectOutcome int

const (
	outcomeResurrected resurrectOutcome = iota
	outcomeSkipped
	outcomeAbandoned
)

// ResurrectionLoop re-drives orders that have sat in an intermediate status
// longer than the stuck threshold.
type ResurrectionLoop struct {
	cfg         ResurrectionConfig
	orders      *stores.OrderStore
	eventLog    *stores.EventLogStore
	idempotency *stores.IdempotencyStore
	dispatcher  *ProductionDispatcher
	delivery    *DeliveryAgent
	emitter     *Emitter
	now         func() time.Time
}

func NewResurrectionLoop(cfg ResurrectionConfig, orders *stores.OrderStore, eventLog *stores.EventLogStore, idempotency *stores.IdempotencyStore, dispatcher *ProductionDispatcher, delivery *DeliveryAgent, emitter *Emitter) *ResurrectionLoop {
	cfg.withDefaults()
	return &ResurrectionLoop{
		cfg:         cfg,
		orders:      orders,
		eventLog:    eventLog,
		idempotency: idempotency,
		dispatcher:  dispatcher,
		delivery:    delivery,
		emitter:     emitter,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Sweep handles one batch of stuck orders. A failure on one order is
// reported and does not stop the rest of the batch.
func (l *ResurrectionLoop) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx = utils.WithAgent(ctx, resurrectionAgent)
	cutoff := l.now().Add(-l.cfg.StuckThreshold)

	stuck, err := l.orders.ListStuck(ctx, models.StuckCandidates, cutoff, l.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Scanned: len(stuck)}
	for _, order := range stuck {
		outcome, err := l.resurrect(ctx, order, false)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", order.ID, err))
			utils.Error(ctx, "resurrection failed", map[string]interface{}{
				"order_id": order.ID,
				"status":   string(order.Status),
				"error":    err.Error(),
			})
			continue
		}
		switch outcome {
		case outcomeResurrected:
			report.Resurrected++
		case outcomeAbandoned:
			report.Abandoned++
		default:
			report.Skipped++
		}
	}

	if report.Scanned > 0 {
		utils.Info(ctx, "resurrection sweep finished", map[string]interface{}{
			"scanned":     report.Scanned,
			"resurrected": report.Resurrected,
			"skipped":     report.Skipped,
			"abandoned":   report.Abandoned,
			"errors":      len(report.Errors),
		})
	}
	return report, nil
}

// Resurrect re-drives one order on operator request, regardless of how
// long it has been in its current status.
func (l *ResurrectionLoop) Resurrect(ctx context.Context, orderID string) error {
	ctx = utils.WithAgent(ctx, resurrectionAgent)
	order, err := l.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return utils.Validation("resurrect", fmt.Errorf("order %s: %w", orderID, err))
		}
		return err
	}
	if !isStuckCandidate(order.Status) {
		return utils.Validation("resurrect", fmt.Errorf("order %s is %s and cannot be resurrected", order.ID, order.Status))
	}

	outcome, err := l.resurrect(ctx, order, true)
	if err != nil {
		return err
	}
	if outcome == outcomeAbandoned {
		return utils.Terminal("resurrect", fmt.Errorf("order %s exceeded %d resurrections", order.ID, l.cfg.MaxResurrections))
	}
	return nil
}

func isStuckCandidate(status models.OrderStatus) bool {
	for _, s := range models.StuckCandidates {
		if s == status {
			return true
		}
	}
	return false
}

// resurrect is guarded by a key on the order version, so one stuck state
// is re-driven by exactly one pass even when sweeps overlap.
func (l *ResurrectionLoop) resurrect(ctx context.Context, order *models.Order, manual bool) (resurrectOutcome, error) {
	ctx = utils.WithCorrelationID(ctx, order.CorrelationID)
	key := fmt.Sprintf("resurrection:%s:v%d", order.ID, order.Version)

	begin, err := l.idempotency.Begin(ctx, key, l.cfg.StuckThreshold)
	if err != nil {
		return outcomeSkipped, err
	}
	if !begin.Started() {
		return outcomeSkipped, nil
	}

	outcome, err := l.redrive(ctx, order, manual)
	if err != nil {
		if ferr := l.idempotency.Fail(ctx, key, err); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return outcome, err
	}
	return outcome, l.idempotency.Complete(ctx, key, map[string]interface{}{"outcome": int(outcome)})
}

func (l *ResurrectionLoop) redrive(ctx context.Context, order *models.Order, manual bool) (resurrectOutcome, error) {
	previous, err := l.eventLog.CountByType(ctx, string(events.ResurrectionTriggered), order.ID, time.Time{})
	if err != nil {
		return outcomeSkipped, err
	}
	if int(previous) >= l.cfg.MaxResurrections {
		return outcomeAbandoned, l.abandon(ctx, order, int(previous))
	}

	stuckMinutes := int(l.now().Sub(order.UpdatedAt).Minutes())
	action := actionFor(order.Status)

	env, err := events.New(resurrectionAgent, order.CorrelationID, &events.ResurrectionTriggeredPayload{
		OrderID:      order.ID,
		Status:       order.Status,
		StuckMinutes: stuckMinutes,
		Attempt:      int(previous) + 1,
		Action:       action,
		Manual:       manual,
	})
	if err != nil {
		return outcomeSkipped, err
	}
	if err := l.emitter.Emit(ctx, env, models.SeverityWarn); err != nil {
		return outcomeSkipped, err
	}

	utils.Warn(ctx, "order resurrected", map[string]interface{}{
		"order_id":      order.ID,
		"status":        string(order.Status),
		"stuck_minutes": stuckMinutes,
		"attempt":       int(previous) + 1,
		"manual":        manual,
	})

	if order.Status == models.OrderStatusDelivering {
		return outcomeResurrected, l.delivery.Deliver(ctx, order)
	}
	if _, err := l.dispatcher.Redrive(ctx, order); err != nil {
		return outcomeResurrected, err
	}
	return outcomeResurrected, nil
}

func actionFor(status models.OrderStatus) string {
	switch status {
	case models.OrderStatusPaid:
		return "dispatch"
	case models.OrderStatusProcessing:
		return "resubmit"
	case models.OrderStatusGenerating:
		return "restart_production"
	case models.OrderStatusDelivering:
		return "deliver"
	}
	return "none"
}

// abandon records resurrection.abandoned once per order. Later sweeps keep
// skipping the order without logging again.
func (l *ResurrectionLoop) abandon(ctx context.Context, order *models.Order, attempts int) error {
	already, err := l.eventLog.CountByType(ctx, string(events.ResurrectionAbandoned), order.ID, time.Time{})
	if err != nil || already > 0 {
		return err
	}

	env, err := events.New(resurrectionAgent, order.CorrelationID, &events.ResurrectionAbandonedPayload{
		OrderID:                    order.ID,
		Status:                     order.Status,
		Attempts:                   attempts,
		RequiresManualIntervention: true,
	})
	if err != nil {
		return err
	}

	utils.Error(ctx, "resurrection abandoned", map[string]interface{}{
		"order_id": order.ID,
		"status":   string(order.Status),
		"attempts": attempts,
	})
	return l.emitter.Emit(ctx, env, models.SeverityCritical)
}

func (l *ResurrectionLoop) Stats(ctx context.Context) (*ResurrectionStats, error) {
	cutoff := l.now().Add(-l.cfg.StuckThreshold)
	stuck, err := l.orders.CountByStatus(ctx, models.StuckCandidates, &cutoff)
	if err != nil {
		return nil, err
	}

	since := l.now().Add(-24 * time.Hour)
	triggered, err := l.eventLog.CountByType(ctx, string(events.ResurrectionTriggered), "", since)
	if err != nil {
		return nil, err
	}
	abandoned, err := l.eventLog.CountByType(ctx, string(events.ResurrectionAbandoned), "", since)
	if err != nil {
		return nil, err
	}

	return &ResurrectionStats{
		Stuck:          stuck,
		Triggered24h:   triggered,
		Abandoned24h:   abandoned,
		StuckThreshold: l.cfg.StuckThreshold,
	}, nil
}
