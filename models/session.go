package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SessionStage string

const (
	StageWelcome    SessionStage = "welcome"
	StageDiscovery  SessionStage = "discovery"
	StageCardReview SessionStage = "card_review"
	StageCheckout   SessionStage = "checkout"
	StagePayment    SessionStage = "payment"
	StageGenerating SessionStage = "generating"
	StageDelivered  SessionStage = "delivered"
	StageCompleted  SessionStage = "completed"
)

var stageOrder = map[SessionStage]int{
	StageWelcome:    0,
	StageDiscovery:  1,
	StageCardReview: 2,
	StageCheckout:   3,
	StagePayment:    4,
	StageGenerating: 5,
	StageDelivered:  6,
	StageCompleted:  7,
}

// After reports whether s comes strictly later in the conversation than other.
func (s SessionStage) After(other SessionStage) bool {
	return stageOrder[s] > stageOrder[other]
}

func (s SessionStage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

type Session struct {
	ID        string         `json:"id" gorm:"primaryKey;size:36"`
	Stage     SessionStage   `json:"stage" gorm:"not null;default:'welcome';index"`
	Metadata  datatypes.JSON `json:"metadata"`
	IsActive  bool           `json:"is_active" gorm:"not null;default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Stage == "" {
		s.Stage = StageWelcome
	}
	return nil
}
