package models

import (
	"time"

	"gorm.io/datatypes"
)

type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

type IdempotencyKey struct {
	Key         string            `json:"key" gorm:"primaryKey;size:255"`
	Status      IdempotencyStatus `json:"status" gorm:"not null;index"`
	Result      datatypes.JSON    `json:"result"`
	Error       string            `json:"error,omitempty"`
	Attempts    int               `json:"attempts" gorm:"not null;default:1"`
	LockedAt    *time.Time        `json:"locked_at"`
	CompletedAt *time.Time        `json:"completed_at"`
	ExpiresAt   time.Time         `json:"expires_at" gorm:"not null;index"`
	CreatedAt   time.Time         `json:"created_at" gorm:"autoCreateTime"`
}

type BeginOutcome string

const (
	BeginStarted           BeginOutcome = "started"
	BeginAlreadyCompleted  BeginOutcome = "already_completed"
	BeginAlreadyProcessing BeginOutcome = "already_processing"
)

type BeginResult struct {
	Outcome BeginOutcome
	Key     *IdempotencyKey
	Result  []byte
	// Stale is set when another caller has held the key past the processing timeout.
	Stale bool
}

func (r *BeginResult) Started() bool {
	return r != nil && r.Outcome == BeginStarted
}
