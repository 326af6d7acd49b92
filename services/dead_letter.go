package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
	"gorm.io/datatypes"
)

const deadLetterAgent = "dead_letter_handler"

var ErrAlreadyReplayed = errors.New("dead letter already replayed")

// DeadLetterHandler stores events whose retries are exhausted and replays
// them on operator request. Nothing is replayed automatically.
type DeadLetterHandler struct {
	letters *stores.DeadLetterStore
	emitter *Emitter
}

func NewDeadLetterHandler(letters *stores.DeadLetterStore, emitter *Emitter) *DeadLetterHandler {
	return &DeadLetterHandler{letters: letters, emitter: emitter}
}

// Capture persists env with the error that exhausted it. The dead letter
// and its deadletter.created record commit together.
func (h *DeadLetterHandler) Capture(ctx context.Context, env *events.Envelope, cause error, attempts int) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	message := "retries exhausted"
	if cause != nil {
		message = cause.Error()
	}

	letter := &models.DeadLetter{
		EventType:     string(env.Type),
		EventID:       env.ID,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Source:        env.Source,
		ErrorMessage:  message,
		AttemptCount:  attempts,
		Payload:       datatypes.JSON(body),
		Status:        models.DeadLetterStatusFailed,
	}
	if payload, err := env.Decode(); err == nil {
		if id := events.OrderID(payload); id != "" {
			letter.OrderID = &id
		}
	}

	var created *events.Envelope
	err = h.letters.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := h.letters.Create(txCtx, letter); err != nil {
			return err
		}
		var err error
		created, err = env.Child(deadLetterAgent, &events.DeadLetterCreatedPayload{
			DeadLetterID:  letter.ID,
			OriginalType:  env.Type,
			OriginalEvent: env.ID,
			Error:         message,
			Attempts:      attempts,
		})
		if err != nil {
			return err
		}
		return h.emitter.Record(txCtx, created, models.SeverityCritical, 0)
	})
	if err != nil {
		return err
	}

	utils.Error(ctx, "event dead-lettered", map[string]interface{}{
		"dead_letter_id": letter.ID,
		"event_id":       env.ID,
		"event_type":     string(env.Type),
		"attempts":       attempts,
		"error":          message,
	})
	if err := h.emitter.Publish(ctx, created); err != nil {
		utils.Warn(ctx, "deadletter.created publish failed", map[string]interface{}{
			"dead_letter_id": letter.ID,
			"error":          err.Error(),
		})
	}
	return nil
}

// Sink adapts Capture to the bus dead letter hook.
func (h *DeadLetterHandler) Sink(ctx context.Context, consumer string, env *events.Envelope, cause error) error {
	if cause != nil {
		cause = fmt.Errorf("%s: %w", consumer, cause)
	}
	return h.Capture(ctx, env, cause, env.Attempt)
}

// Replay re-publishes the stored event under a new id, caused by the
// original. A dead letter can be replayed once: the row is claimed with a
// conditional update before anything is published.
func (h *DeadLetterHandler) Replay(ctx context.Context, id string) error {
	letter, err := h.letters.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return utils.Validation("replay dead letter", fmt.Errorf("dead letter %s: %w", id, err))
		}
		return err
	}
	if letter.Status == models.DeadLetterStatusRetried {
		return utils.Validation("replay dead letter", fmt.Errorf("%w: %s", ErrAlreadyReplayed, id))
	}

	original, err := events.Unmarshal(letter.Payload)
	if err != nil {
		return utils.Validation("replay dead letter", fmt.Errorf("stored envelope for %s: %w", id, err))
	}

	replay := *original
	replay.ID = uuid.NewString()
	replay.CausationID = original.ID
	replay.Attempt = 0
	replay.Replayed = true
	ctx = utils.WithCorrelationID(ctx, replay.CorrelationID)

	var replayed *events.Envelope
	err = h.letters.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := h.letters.MarkRetried(txCtx, letter.ID); err != nil {
			if errors.Is(err, stores.ErrAlreadyRetried) {
				return utils.Validation("replay dead letter", fmt.Errorf("%w: %s", ErrAlreadyReplayed, id))
			}
			return err
		}
		if err := h.emitter.Record(txCtx, &replay, models.SeverityWarn, 0); err != nil {
			return err
		}
		var err error
		replayed, err = replay.Child(deadLetterAgent, &events.DeadLetterReplayedPayload{
			DeadLetterID:  letter.ID,
			OriginalType:  original.Type,
			OriginalEvent: original.ID,
			ReplayEventID: replay.ID,
		})
		if err != nil {
			return err
		}
		return h.emitter.Record(txCtx, replayed, models.SeverityInfo, 0)
	})
	if err != nil {
		return err
	}

	if err := h.emitter.Publish(ctx, &replay); err != nil {
		if reopenErr := h.letters.Reopen(ctx, letter.ID); reopenErr != nil {
			utils.Error(ctx, "dead letter reopen failed", map[string]interface{}{
				"dead_letter_id": letter.ID,
				"error":          reopenErr.Error(),
			})
		}
		return err
	}

	utils.Info(ctx, "dead letter replayed", map[string]interface{}{
		"dead_letter_id": letter.ID,
		"event_type":     string(original.Type),
		"replay_id":      replay.ID,
	})
	if err := h.emitter.Publish(ctx, replayed); err != nil {
		utils.Warn(ctx, "deadletter.replayed publish failed", map[string]interface{}{
			"dead_letter_id": letter.ID,
			"error":          err.Error(),
		})
	}
	return nil
}

func (h *DeadLetterHandler) List(ctx context.Context, status string, limit int) ([]*models.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	return h.letters.List(ctx, models.DeadLetterStatus(status), limit, 0)
}

func (h *DeadLetterHandler) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	return h.letters.GetByID(ctx, id)
}
