package stores

import (
	"context"
	"errors"

	"github.com/malwarebo/reelpipe/models"
	"gorm.io/gorm"
)

var ErrAlreadyRetried = errors.New("dead letter already retried")

type DeadLetterStore struct {
	BaseStore
}

func CreateDeadLetterStore(db *gorm.DB) *DeadLetterStore {
	return &DeadLetterStore{BaseStore: BaseStore{db: db}}
}

func (s *DeadLetterStore) Create(ctx context.Context, dl *models.DeadLetter) error {
	return s.GetDB(ctx).Create(dl).Error
}

func (s *DeadLetterStore) GetByID(ctx context.Context, id string) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	if err := s.GetDB(ctx).First(&dl, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &dl, nil
}

func (s *DeadLetterStore) List(ctx context.Context, status models.DeadLetterStatus, limit, offset int) ([]*models.DeadLetter, error) {
	var letters []*models.DeadLetter
	query := s.GetDB(ctx).Model(&models.DeadLetter{})

	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Order("created_at DESC").Find(&letters).Error; err != nil {
		return nil, err
	}
	return letters, nil
}

func (s *DeadLetterStore) ListByOrder(ctx context.Context, orderID string) ([]*models.DeadLetter, error) {
	var letters []*models.DeadLetter
	if err := s.GetDB(ctx).Where("order_id = ?", orderID).Order("created_at ASC").Find(&letters).Error; err != nil {
		return nil, err
	}
	return letters, nil
}

// MarkRetried moves a failed dead letter to retried and stamps retried_at.
// The update only matches a row still in failed, so of two concurrent
// callers exactly one succeeds and the other gets ErrAlreadyRetried.
func (s *DeadLetterStore) MarkRetried(ctx context.Context, id string) error {
	res := s.GetDB(ctx).
		Model(&models.DeadLetter{}).
		Where("id = ? AND status = ?", id, models.DeadLetterStatusFailed).
		Updates(map[string]interface{}{
			"status":     models.DeadLetterStatusRetried,
			"retried_at": s.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.GetDB(ctx).Model(&models.DeadLetter{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrAlreadyRetried
	}
	return nil
}

// Reopen returns a retried dead letter to failed when its replay never
// reached the bus.
func (s *DeadLetterStore) Reopen(ctx context.Context, id string) error {
	return s.GetDB(ctx).
		Model(&models.DeadLetter{}).
		Where("id = ? AND status = ?", id, models.DeadLetterStatusRetried).
		Updates(map[string]interface{}{
			"status":     models.DeadLetterStatusFailed,
			"retried_at": nil,
		}).Error
}

func (s *DeadLetterStore) CountByStatus(ctx context.Context, status models.DeadLetterStatus) (int64, error) {
	var count int64
	err := s.GetDB(ctx).Model(&models.DeadLetter{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
