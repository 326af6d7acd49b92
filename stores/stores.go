package stores

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Stores groups the per-table stores over one connection.
type Stores struct {
	Sessions    *SessionStore
	Orders      *OrderStore
	Briefs      *BriefStore
	Events      *EventLogStore
	Idempotency *IdempotencyStore
	DeadLetters *DeadLetterStore
	Deliveries  *DeliveryStore

	db *gorm.DB
}

func CreateStores(db *gorm.DB, processingTimeout time.Duration) *Stores {
	return &Stores{
		Sessions:    CreateSessionStore(db),
		Orders:      CreateOrderStore(db),
		Briefs:      CreateBriefStore(db),
		Events:      CreateEventLogStore(db),
		Idempotency: CreateIdempotencyStore(db, processingTimeout),
		DeadLetters: CreateDeadLetterStore(db),
		Deliveries:  CreateDeliveryStore(db),
		db:          db,
	}
}

// Ping checks the underlying connection.
func (s *Stores) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
