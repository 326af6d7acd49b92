package stores

import (
	"context"

	"github.com/malwarebo/reelpipe/models"
	"gorm.io/gorm"
)

type BriefStore struct {
	BaseStore
}

func CreateBriefStore(db *gorm.DB) *BriefStore {
	return &BriefStore{BaseStore: BaseStore{db: db}}
}

// CreateVersion inserts brief and its cards. The version number is derived
// from the latest stored version for the session.
func (s *BriefStore) CreateVersion(ctx context.Context, brief *models.Brief, cards []*models.Card) error {
	return s.WithTransaction(ctx, func(txCtx context.Context) error {
		var latest int
		err := s.GetDB(txCtx).
			Model(&models.Brief{}).
			Where("session_id = ?", brief.SessionID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error
		if err != nil {
			return err
		}
		brief.Version = latest + 1

		if err := s.GetDB(txCtx).Create(brief).Error; err != nil {
			return err
		}

		for _, card := range cards {
			card.BriefID = brief.ID
			card.SessionID = brief.SessionID
		}
		if len(cards) > 0 {
			if err := s.GetDB(txCtx).Create(&cards).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BriefStore) GetByID(ctx context.Context, id string) (*models.Brief, error) {
	var brief models.Brief
	if err := s.GetDB(ctx).First(&brief, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &brief, nil
}

func (s *BriefStore) GetLatest(ctx context.Context, sessionID string) (*models.Brief, error) {
	var brief models.Brief
	err := s.GetDB(ctx).
		Where("session_id = ?", sessionID).
		Order("version DESC").
		First(&brief).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &brief, nil
}

func (s *BriefStore) ListVersions(ctx context.Context, sessionID string) ([]*models.Brief, error) {
	var briefs []*models.Brief
	if err := s.GetDB(ctx).Where("session_id = ?", sessionID).Order("version ASC").Find(&briefs).Error; err != nil {
		return nil, err
	}
	return briefs, nil
}

func (s *BriefStore) ListCards(ctx context.Context, briefID string) ([]*models.Card, error) {
	var cards []*models.Card
	if err := s.GetDB(ctx).Where("brief_id = ?", briefID).Order("card_type ASC").Find(&cards).Error; err != nil {
		return nil, err
	}
	return cards, nil
}

// LinkOrder sets the order reference once. It is the only write a stored
// brief ever receives.
func (s *BriefStore) LinkOrder(ctx context.Context, briefID, orderID string) error {
	return s.GetDB(ctx).
		Model(&models.Brief{}).
		Where("id = ? AND order_id IS NULL", briefID).
		Update("order_id", orderID).Error
}
