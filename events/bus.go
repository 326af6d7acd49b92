package events

import (
	"context"
	"fmt"
	"time"

	"github.com/malwarebo/reelpipe/utils"
)

// Handler processes one event. Returning an error asks the bus to redeliver
// until the envelope's attempt budget is spent.
type Handler func(ctx context.Context, env *Envelope) error

// DeadLetterSink receives envelopes whose handlers exhausted their attempts.
type DeadLetterSink func(ctx context.Context, consumer string, env *Envelope, cause error) error

type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

// Bus is an at-least-once event bus. Each subscription is an independent
// consumer group: every subscription sees every matching event.
type Bus interface {
	Publisher
	Subscribe(consumer string, types []EventType, handler Handler) error
	Start(ctx context.Context) error
	Close() error
}

type BusOptions struct {
	MaxAttempts int
	Retry       *utils.RetryConfig
	DeadLetters DeadLetterSink
}

func (o *BusOptions) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Retry == nil {
		o.Retry = &utils.RetryConfig{
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			Multiplier:  2,
			BackoffType: utils.Linear,
		}
	}
}

func matches(types []EventType, t EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

// deliver runs handler with redelivery and hands the envelope to the dead
// letter sink once attempts are exhausted. It returns nil once the event
// has been dealt with either way.
func deliver(ctx context.Context, opts BusOptions, consumer string, env *Envelope, handler Handler) error {
	maxAttempts := env.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = opts.MaxAttempts
	}

	var lastErr error
	for env.Attempt < maxAttempts {
		env.Attempt++
		hctx := utils.WithCorrelationID(ctx, env.CorrelationID)
		hctx = utils.WithAgent(hctx, consumer)

		lastErr = safeHandle(hctx, handler, env)
		if lastErr == nil {
			return nil
		}

		utils.Warn(hctx, "event handler failed", map[string]interface{}{
			"event_id":   env.ID,
			"event_type": string(env.Type),
			"attempt":    env.Attempt,
			"error":      lastErr.Error(),
		})

		if utils.KindOf(lastErr) == utils.KindValidation {
			break
		}
		if env.Attempt < maxAttempts {
			if err := utils.Sleep(ctx, utils.Backoff(opts.Retry, env.Attempt)); err != nil {
				return err
			}
		}
	}

	if opts.DeadLetters == nil {
		utils.Error(ctx, "event dropped after retries", map[string]interface{}{
			"event_id":   env.ID,
			"event_type": string(env.Type),
			"consumer":   consumer,
		})
		return nil
	}
	return opts.DeadLetters(ctx, consumer, env, lastErr)
}

func safeHandle(ctx context.Context, handler Handler, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = utils.Terminal("handler panic", panicError{r})
		}
	}()
	return handler(ctx, env)
}

type panicError struct {
	value interface{}
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
