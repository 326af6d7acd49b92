package services

import (
	"context"
	"time"

	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
	"gorm.io/datatypes"
)

// Emitter writes every event to the event log before it reaches the bus, so
// the log is never behind what consumers have seen.
type Emitter struct {
	log *stores.EventLogStore
	bus events.Publisher
}

func NewEmitter(log *stores.EventLogStore, bus events.Publisher) *Emitter {
	return &Emitter{log: log, bus: bus}
}

// Emit records env and publishes it. A publish failure after the record is
// written is returned so the caller's own redelivery can retry it.
func (e *Emitter) Emit(ctx context.Context, env *events.Envelope, severity models.Severity) error {
	if err := e.Record(ctx, env, severity, 0); err != nil {
		return err
	}
	return e.Publish(ctx, env)
}

// EmitTimed is Emit with the elapsed time since started stored on the record.
func (e *Emitter) EmitTimed(ctx context.Context, env *events.Envelope, severity models.Severity, started time.Time) error {
	if err := e.Record(ctx, env, severity, time.Since(started)); err != nil {
		return err
	}
	return e.Publish(ctx, env)
}

// Record appends env to the event log only. It joins the transaction in ctx,
// which lets a state change and its audit record commit together.
func (e *Emitter) Record(ctx context.Context, env *events.Envelope, severity models.Severity, took time.Duration) error {
	record := &models.SystemEvent{
		ID:            env.ID,
		Timestamp:     env.Timestamp,
		EventType:     string(env.Type),
		Agent:         env.Source,
		Severity:      severity,
		Payload:       datatypes.JSON(env.Payload),
		DurationMS:    took.Milliseconds(),
		CorrelationID: env.CorrelationID,
	}
	if env.CausationID != "" {
		parent := env.CausationID
		record.ParentEventID = &parent
	}

	if payload, err := env.Decode(); err == nil {
		if id := events.OrderID(payload); id != "" {
			record.OrderID = &id
		}
		if id := events.SessionID(payload); id != "" {
			record.SessionID = &id
		}
	}

	if err := e.log.Append(ctx, record); err != nil {
		return utils.WrapError(err, "append event log")
	}
	utils.RecordEventMetrics(record.EventType, record.Agent, string(severity))
	return nil
}

func (e *Emitter) Publish(ctx context.Context, env *events.Envelope) error {
	if e.bus == nil {
		return nil
	}
	if err := e.bus.Publish(ctx, env); err != nil {
		utils.Error(ctx, "event publish failed", map[string]interface{}{
			"event_id":   env.ID,
			"event_type": string(env.Type),
			"error":      err.Error(),
		})
		return utils.Transient("publish "+string(env.Type), err)
	}
	return nil
}
