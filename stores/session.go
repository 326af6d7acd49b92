package stores

import (
	"context"

	"github.com/malwarebo/reelpipe/models"
	"gorm.io/gorm"
)

type SessionStore struct {
	BaseStore
}

func CreateSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{BaseStore: BaseStore{db: db}}
}

func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	return s.GetDB(ctx).Create(session).Error
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.GetDB(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

// Ensure returns the session with the given id, creating it on first sight.
// Sessions are owned by the conversation layer; the pipeline only needs the row.
func (s *SessionStore) Ensure(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{ID: id, Stage: models.StageDiscovery, IsActive: true}
	err := s.GetDB(ctx).Where("id = ?", id).FirstOrCreate(session).Error
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Advance moves the session forward to stage. Moving backwards or sideways
// is a no-op so out-of-order events cannot rewind a conversation.
func (s *SessionStore) Advance(ctx context.Context, id string, stage models.SessionStage) (bool, error) {
	session, err := s.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !stage.After(session.Stage) {
		return false, nil
	}

	res := s.GetDB(ctx).
		Model(&models.Session{}).
		Where("id = ? AND stage = ?", id, session.Stage).
		Updates(map[string]interface{}{"stage": stage, "updated_at": s.now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *SessionStore) Retire(ctx context.Context, id string) error {
	res := s.GetDB(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": false, "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
