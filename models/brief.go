package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Brief is a frozen snapshot of the creative requirements. A version is never
// updated after insert; a revision is a new row pointing at its parent.
type Brief struct {
	ID               string         `json:"id" gorm:"primaryKey;size:36"`
	SessionID        string         `json:"session_id" gorm:"size:36;not null;uniqueIndex:idx_briefs_session_version,priority:1"`
	OrderID          *string        `json:"order_id,omitempty" gorm:"size:36;index"`
	CorrelationID    string         `json:"correlation_id" gorm:"not null;index"`
	CompanyName      string         `json:"company_name"`
	Tagline          string         `json:"tagline"`
	USP              string         `json:"usp"`
	Tone             string         `json:"tone"`
	TargetAudience   string         `json:"target_audience"`
	ContactEmail     string         `json:"contact_email"`
	Tier             string         `json:"tier"`
	ValidationPassed bool           `json:"validation_passed" gorm:"not null"`
	ValidationScore  float64        `json:"validation_score" gorm:"not null"`
	QualityGrade     string         `json:"quality_grade" gorm:"size:1;not null"`
	ValidationNotes  datatypes.JSON `json:"validation_notes"`
	Payload          datatypes.JSON `json:"payload"`
	Version          int            `json:"version" gorm:"not null;uniqueIndex:idx_briefs_session_version,priority:2"`
	ParentBriefID    *string        `json:"parent_brief_id,omitempty" gorm:"size:36;index"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (b *Brief) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Version == 0 {
		b.Version = 1
	}
	return nil
}

type CardType string

const (
	CardPersona    CardType = "persona"
	CardCompetitor CardType = "competitor"
	CardScript     CardType = "script"
	CardROI        CardType = "roi"
)

var RequiredCards = []CardType{CardPersona, CardCompetitor, CardScript, CardROI}

type Card struct {
	ID         string         `json:"id" gorm:"primaryKey;size:36"`
	SessionID  string         `json:"session_id" gorm:"size:36;not null;index"`
	BriefID    string         `json:"brief_id" gorm:"size:36;not null;index"`
	CardType   CardType       `json:"card_type" gorm:"not null"`
	Confidence float64        `json:"confidence"`
	Payload    datatypes.JSON `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (c *Card) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
