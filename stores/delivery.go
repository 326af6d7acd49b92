package stores

import (
	"context"
	"errors"

	"github.com/malwarebo/reelpipe/models"
	"gorm.io/gorm"
)

type DeliveryStore struct {
	BaseStore
}

func CreateDeliveryStore(db *gorm.DB) *DeliveryStore {
	return &DeliveryStore{BaseStore: BaseStore{db: db}}
}

func (s *DeliveryStore) CreateToken(ctx context.Context, token *models.DeliveryToken) error {
	return s.GetDB(ctx).Create(token).Error
}

func (s *DeliveryStore) GetByHash(ctx context.Context, hash string) (*models.DeliveryToken, error) {
	var token models.DeliveryToken
	if err := s.GetDB(ctx).Where("token_hash = ?", hash).First(&token).Error; err != nil {
		return nil, notFound(err)
	}
	return &token, nil
}

func (s *DeliveryStore) GetActiveForOrder(ctx context.Context, orderID string) (*models.DeliveryToken, error) {
	var token models.DeliveryToken
	err := s.GetDB(ctx).
		Where("order_id = ? AND revoked = ? AND expires_at > ?", orderID, false, s.now()).
		Order("created_at DESC").
		First(&token).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &token, nil
}

// ConsumeDownload increments the counter only while the token is usable.
// The whole check happens inside one conditional UPDATE so concurrent
// requests at the limit cannot both succeed.
func (s *DeliveryStore) ConsumeDownload(ctx context.Context, tokenID string) (bool, error) {
	now := s.now()
	res := s.GetDB(ctx).
		Model(&models.DeliveryToken{}).
		Where("id = ? AND revoked = ? AND expires_at > ? AND download_count < max_downloads", tokenID, false, now).
		Updates(map[string]interface{}{
			"download_count": gorm.Expr("download_count + 1"),
			"last_used_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *DeliveryStore) RevokeForOrder(ctx context.Context, orderID, reason string) (int64, error) {
	now := s.now()
	res := s.GetDB(ctx).
		Model(&models.DeliveryToken{}).
		Where("order_id = ? AND revoked = ?", orderID, false).
		Updates(map[string]interface{}{
			"revoked":        true,
			"revoked_reason": reason,
			"revoked_at":     now,
		})
	return res.RowsAffected, res.Error
}

func (s *DeliveryStore) RecordAttempt(ctx context.Context, attempt *models.DownloadAttempt) error {
	if attempt == nil {
		return errors.New("nil download attempt")
	}
	return s.GetDB(ctx).Create(attempt).Error
}

func (s *DeliveryStore) ListAttempts(ctx context.Context, tokenID string) ([]*models.DownloadAttempt, error) {
	var attempts []*models.DownloadAttempt
	if err := s.GetDB(ctx).Where("token_id = ?", tokenID).Order("created_at ASC").Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}
