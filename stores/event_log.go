package stores

import (
	"context"
	"time"

	"github.com/malwarebo/reelpipe/models"
	"gorm.io/gorm"
)

// EventLogStore is insert-only. There is intentionally no update or delete
// method on this type.
type EventLogStore struct {
	BaseStore
}

func CreateEventLogStore(db *gorm.DB) *EventLogStore {
	return &EventLogStore{BaseStore: BaseStore{db: db}}
}

func (s *EventLogStore) Append(ctx context.Context, event *models.SystemEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	return s.GetDB(ctx).Create(event).Error
}

func (s *EventLogStore) GetByID(ctx context.Context, id string) (*models.SystemEvent, error) {
	var event models.SystemEvent
	if err := s.GetDB(ctx).First(&event, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &event, nil
}

func (s *EventLogStore) List(ctx context.Context, filter models.SystemEventFilter) ([]*models.SystemEvent, int64, error) {
	var events []*models.SystemEvent
	var total int64

	query := s.GetDB(ctx).Model(&models.SystemEvent{})

	if filter.CorrelationID != "" {
		query = query.Where("correlation_id = ?", filter.CorrelationID)
	}
	if filter.OrderID != "" {
		query = query.Where("order_id = ?", filter.OrderID)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.MinSeverity != "" {
		query = query.Where("severity IN ?", models.SeveritiesAtLeast(filter.MinSeverity))
	}
	if filter.Since != nil {
		query = query.Where("timestamp >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("timestamp <= ?", *filter.Until)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Order("timestamp DESC").Find(&events).Error; err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// ListByCorrelation returns one causal chain in the order it happened.
func (s *EventLogStore) ListByCorrelation(ctx context.Context, correlationID string) ([]*models.SystemEvent, error) {
	var events []*models.SystemEvent
	err := s.GetDB(ctx).
		Where("correlation_id = ?", correlationID).
		Order("timestamp ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *EventLogStore) CountByType(ctx context.Context, eventType, orderID string, since time.Time) (int64, error) {
	var count int64
	query := s.GetDB(ctx).Model(&models.SystemEvent{}).Where("event_type = ?", eventType)
	if orderID != "" {
		query = query.Where("order_id = ?", orderID)
	}
	if !since.IsZero() {
		query = query.Where("timestamp >= ?", since)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
