package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/utils"
	"gorm.io/gorm"
)

// ConflictError means the stored order no longer matches the version the
// caller read. The caller must re-read and decide again.
type ConflictError struct {
	OrderID         string
	ExpectedVersion int64
	ExpectedStatus  models.OrderStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s changed concurrently (expected version %d in status %s)", e.OrderID, e.ExpectedVersion, e.ExpectedStatus)
}

func (e *ConflictError) ErrorKind() utils.ErrorKind {
	return utils.KindConflict
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

type OrderStore struct {
	BaseStore
}

func CreateOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{BaseStore: BaseStore{db: db}}
}

func (s *OrderStore) Create(ctx context.Context, order *models.Order) error {
	now := s.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	return s.GetDB(ctx).Create(order).Error
}

func (s *OrderStore) GetByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := s.GetDB(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (s *OrderStore) GetByBriefID(ctx context.Context, briefID string) (*models.Order, error) {
	var order models.Order
	if err := s.GetDB(ctx).Where("brief_id = ?", briefID).Order("created_at DESC").First(&order).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (s *OrderStore) GetByProviderSession(ctx context.Context, provider, sessionID string) (*models.Order, error) {
	var order models.Order
	err := s.GetDB(ctx).
		Where("provider_name = ? AND provider_session_id = ?", provider, sessionID).
		First(&order).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (s *OrderStore) GetByProviderPayment(ctx context.Context, provider, paymentID string) (*models.Order, error) {
	var order models.Order
	err := s.GetDB(ctx).
		Where("provider_name = ? AND provider_payment_id = ?", provider, paymentID).
		First(&order).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// CompareAndSwap applies updates only if the row still has the expected
// version and status. The version is bumped and updated_at stamped in the
// same statement.
func (s *OrderStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, from models.OrderStatus, updates map[string]interface{}) (*models.Order, error) {
	fields := make(map[string]interface{}, len(updates)+2)
	for k, v := range updates {
		fields[k] = v
	}
	fields["version"] = expectedVersion + 1
	fields["updated_at"] = s.now()

	res := s.GetDB(ctx).
		Model(&models.Order{}).
		Where("id = ? AND version = ? AND status = ?", id, expectedVersion, from).
		Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, &ConflictError{OrderID: id, ExpectedVersion: expectedVersion, ExpectedStatus: from}
	}

	return s.GetByID(ctx, id)
}

// ListStuck returns orders in one of statuses whose last change is older than cutoff.
func (s *OrderStore) ListStuck(ctx context.Context, statuses []models.OrderStatus, cutoff time.Time, limit int) ([]*models.Order, error) {
	var orders []*models.Order
	query := s.GetDB(ctx).
		Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *OrderStore) CountByStatus(ctx context.Context, statuses []models.OrderStatus, cutoff *time.Time) (map[models.OrderStatus]int64, error) {
	type row struct {
		Status models.OrderStatus
		Count  int64
	}
	var rows []row

	query := s.GetDB(ctx).Model(&models.Order{}).Select("status, count(*) AS count")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if cutoff != nil {
		query = query.Where("updated_at < ?", *cutoff)
	}
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[models.OrderStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

func (s *OrderStore) List(ctx context.Context, status models.OrderStatus, limit, offset int) ([]*models.Order, error) {
	var orders []*models.Order
	query := s.GetDB(ctx).Model(&models.Order{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ListCreatedSince returns orders created at or after since, oldest first.
// A zero since returns every order.
func (s *OrderStore) ListCreatedSince(ctx context.Context, since time.Time) ([]*models.Order, error) {
	var orders []*models.Order
	query := s.GetDB(ctx).
		Select("id, status, tier, amount, currency, provider_name, retry_count, created_at, delivered_at")
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	if err := query.Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
