package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/malwarebo/reelpipe/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrKeyNotProcessing  = errors.New("idempotency key is not in processing state")
	ErrAlreadyProcessing = errors.New("idempotency key is already processing")
)

const defaultProcessingTimeout = 5 * time.Minute

type IdempotencyStore struct {
	BaseStore
	processingTimeout time.Duration
}

func CreateIdempotencyStore(db *gorm.DB, processingTimeout time.Duration) *IdempotencyStore {
	if processingTimeout <= 0 {
		processingTimeout = defaultProcessingTimeout
	}
	return &IdempotencyStore{BaseStore: BaseStore{db: db}, processingTimeout: processingTimeout}
}

// Begin claims key for the caller. Only a Started result obligates the caller
// to finish with Complete or Fail.
func (s *IdempotencyStore) Begin(ctx context.Context, key string, ttl time.Duration) (*models.BeginResult, error) {
	now := s.now()
	db := s.GetDB(ctx)

	rec := &models.IdempotencyKey{
		Key:       key,
		Status:    models.IdempotencyStatusProcessing,
		Attempts:  1,
		LockedAt:  &now,
		ExpiresAt: now.Add(ttl),
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return &models.BeginResult{Outcome: models.BeginStarted, Key: rec}, nil
	}

	// An expired key may be reused and a failed one is open to the next attempt.
	// The conditional update makes the takeover race-free between callers.
	res = db.Model(&models.IdempotencyKey{}).
		Where("key = ? AND (expires_at <= ? OR status = ?)", key, now, models.IdempotencyStatusFailed).
		Updates(map[string]interface{}{
			"status":       models.IdempotencyStatusProcessing,
			"result":       nil,
			"error":        "",
			"locked_at":    now,
			"completed_at": nil,
			"expires_at":   now.Add(ttl),
			"attempts":     gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if res.RowsAffected == 1 {
		return &models.BeginResult{Outcome: models.BeginStarted, Key: existing}, nil
	}

	switch existing.Status {
	case models.IdempotencyStatusCompleted:
		return &models.BeginResult{
			Outcome: models.BeginAlreadyCompleted,
			Key:     existing,
			Result:  []byte(existing.Result),
		}, nil
	default:
		stale := existing.LockedAt != nil && now.Sub(*existing.LockedAt) > s.processingTimeout
		return &models.BeginResult{
			Outcome: models.BeginAlreadyProcessing,
			Key:     existing,
			Stale:   stale,
		}, nil
	}
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, result interface{}) error {
	var body []byte
	if result != nil {
		var err error
		if body, err = json.Marshal(result); err != nil {
			return err
		}
	}

	now := s.now()
	res := s.GetDB(ctx).
		Model(&models.IdempotencyKey{}).
		Where("key = ? AND status = ?", key, models.IdempotencyStatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.IdempotencyStatusCompleted,
			"result":       datatypes.JSON(body),
			"completed_at": now,
			"locked_at":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrKeyNotProcessing
	}
	return nil
}

func (s *IdempotencyStore) Fail(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	now := s.now()
	res := s.GetDB(ctx).
		Model(&models.IdempotencyKey{}).
		Where("key = ? AND status = ?", key, models.IdempotencyStatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.IdempotencyStatusFailed,
			"error":        msg,
			"completed_at": now,
			"locked_at":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrKeyNotProcessing
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*models.IdempotencyKey, error) {
	var rec models.IdempotencyKey
	if err := s.GetDB(ctx).Where("key = ?", key).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// Run executes fn at most once per key. A completed key returns the stored
// result without calling fn; a key held by another caller returns
// ErrAlreadyProcessing.
func (s *IdempotencyStore) Run(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (interface{}, error)) ([]byte, bool, error) {
	begin, err := s.Begin(ctx, key, ttl)
	if err != nil {
		return nil, false, err
	}

	switch begin.Outcome {
	case models.BeginAlreadyCompleted:
		return begin.Result, false, nil
	case models.BeginAlreadyProcessing:
		return nil, false, ErrAlreadyProcessing
	}

	result, err := fn(ctx)
	if err != nil {
		if failErr := s.Fail(ctx, key, err); failErr != nil {
			return nil, true, errors.Join(err, failErr)
		}
		return nil, true, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, true, err
	}
	if err := s.Complete(ctx, key, json.RawMessage(body)); err != nil {
		return nil, true, err
	}
	return body, true, nil
}

func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.GetDB(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&models.IdempotencyKey{})
	return result.RowsAffected, result.Error
}
