package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DeadLetterStatus string

const (
	DeadLetterStatusFailed  DeadLetterStatus = "failed"
	DeadLetterStatusRetried DeadLetterStatus = "retried"
)

type DeadLetter struct {
	ID            string           `json:"id" gorm:"primaryKey;size:36"`
	EventType     string           `json:"event_type" gorm:"not null;index"`
	EventID       string           `json:"event_id" gorm:"not null;index"`
	CorrelationID string           `json:"correlation_id" gorm:"index"`
	CausationID   string           `json:"causation_id,omitempty" gorm:"index"`
	OrderID       *string          `json:"order_id,omitempty" gorm:"size:36;index"`
	Source        string           `json:"source"`
	ErrorMessage  string           `json:"error_message"`
	AttemptCount  int              `json:"attempt_count" gorm:"not null;default:0"`
	Payload       datatypes.JSON   `json:"payload"`
	Status        DeadLetterStatus `json:"status" gorm:"not null;default:'failed';index"`
	RetriedAt     *time.Time       `json:"retried_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at" gorm:"autoCreateTime"`
}

func (d *DeadLetter) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DeadLetterStatusFailed
	}
	return nil
}
