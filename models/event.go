package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// SystemEvent is the append-only record behind every state change. Rows are
// inserted once and never updated.
type SystemEvent struct {
	ID            string         `json:"id" gorm:"primaryKey;size:36"`
	Timestamp     time.Time      `json:"timestamp" gorm:"not null;index"`
	SessionID     *string        `json:"session_id,omitempty" gorm:"size:36;index"`
	OrderID       *string        `json:"order_id,omitempty" gorm:"size:36;index"`
	EventType     string         `json:"event_type" gorm:"not null;index"`
	Agent         string         `json:"agent" gorm:"not null"`
	Severity      Severity       `json:"severity" gorm:"not null;default:'INFO'"`
	Payload       datatypes.JSON `json:"payload"`
	DurationMS    int64          `json:"duration_ms"`
	CorrelationID string         `json:"correlation_id" gorm:"not null;index"`
	ParentEventID *string        `json:"parent_event_id,omitempty" gorm:"size:36;index"`
}

func (e *SystemEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	return nil
}

type SystemEventFilter struct {
	CorrelationID string
	OrderID       string
	EventType     string
	MinSeverity   Severity
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
}

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarn:     2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// SeveritiesAtLeast lists the severities ranked at or above min.
func SeveritiesAtLeast(min Severity) []Severity {
	floor, ok := severityRank[min]
	if !ok {
		return nil
	}
	out := make([]Severity, 0, len(severityRank))
	for _, s := range []Severity{SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityCritical} {
		if severityRank[s] >= floor {
			out = append(out, s)
		}
	}
	return out
}
