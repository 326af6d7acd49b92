package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeliveryToken struct {
	ID            string     `json:"id" gorm:"primaryKey;size:36"`
	OrderID       string     `json:"order_id" gorm:"size:36;not null;index"`
	TokenHash     string     `json:"-" gorm:"size:64;not null;uniqueIndex"`
	MaxDownloads  int        `json:"max_downloads" gorm:"not null"`
	DownloadCount int        `json:"download_count" gorm:"not null;default:0"`
	ExpiresAt     time.Time  `json:"expires_at" gorm:"not null;index"`
	Revoked       bool       `json:"revoked" gorm:"not null;default:false"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (t *DeliveryToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (t *DeliveryToken) Remaining() int {
	if n := t.MaxDownloads - t.DownloadCount; n > 0 {
		return n
	}
	return 0
}

type DownloadFailure string

const (
	FailureTokenNotFound      DownloadFailure = "token_not_found"
	FailureTokenExpired       DownloadFailure = "token_expired"
	FailureTokenRevoked       DownloadFailure = "token_revoked"
	FailureDownloadsExhausted DownloadFailure = "downloads_exhausted"
	FailureOrderRefunded      DownloadFailure = "order_refunded"
	FailureRateLimited        DownloadFailure = "rate_limited"
)

type DownloadAttempt struct {
	ID            string          `json:"id" gorm:"primaryKey;size:36"`
	TokenID       *string         `json:"token_id,omitempty" gorm:"size:36;index"`
	OrderID       *string         `json:"order_id,omitempty" gorm:"size:36;index"`
	IPAddress     string          `json:"ip_address"`
	UserAgent     string          `json:"user_agent"`
	Success       bool            `json:"success" gorm:"not null"`
	FailureReason DownloadFailure `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at" gorm:"index"`
}

func (a *DownloadAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
