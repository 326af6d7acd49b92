package services

import (
	"context"
	"errors"
	"time"

	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
)

// OrderTracking is the read model behind the customer's order tracking card.
type OrderTracking struct {
	OrderID           string             `json:"order_id"`
	Status            models.OrderStatus `json:"status"`
	Tier              string             `json:"tier"`
	Percent           int                `json:"percent"`
	Phase             string             `json:"phase,omitempty"`
	LastError         string             `json:"last_error,omitempty"`
	RetryCount        int                `json:"retry_count"`
	DeliveredAt       *time.Time         `json:"delivered_at,omitempty"`
	EstimatedDelivery *time.Time         `json:"estimated_delivery,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

var statusPercent = map[models.OrderStatus]int{
	models.OrderStatusPending:    0,
	models.OrderStatusPaid:       5,
	models.OrderStatusProcessing: 10,
	models.OrderStatusGenerating: 15,
	models.OrderStatusDelivering: 95,
	models.OrderStatusDelivered:  100,
}

// Track combines the order row with the latest production progress snapshot.
func (p *Pipeline) Track(ctx context.Context, orderID string) (*OrderTracking, error) {
	order, err := p.Stores.Orders.GetByID(ctx, orderID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, utils.Validation("track order", err)
	}
	if err != nil {
		return nil, err
	}

	tracking := &OrderTracking{
		OrderID:     order.ID,
		Status:      order.Status,
		Tier:        order.Tier,
		Percent:     statusPercent[order.Status],
		LastError:   humanError(order),
		RetryCount:  order.RetryCount,
		DeliveredAt: order.DeliveredAt,
		UpdatedAt:   order.UpdatedAt,
	}

	if order.Status == models.OrderStatusGenerating {
		snap, err := p.Dispatcher.Progress(ctx, order.ID)
		if err != nil {
			utils.Warn(ctx, "progress snapshot unavailable", map[string]interface{}{
				"order_id": order.ID,
				"error":    err.Error(),
			})
		} else if snap != nil && (snap.JobID == "" || snap.JobID == JobID(order)) {
			if snap.Percent > tracking.Percent {
				tracking.Percent = snap.Percent
			}
			tracking.Phase = snap.Phase
		}
	}

	if plan, ok := models.LookupTier(order.Tier); ok && order.Status != models.OrderStatusPending && !order.Status.IsTerminal() {
		eta := plan.EstimatedDelivery(order.CreatedAt)
		tracking.EstimatedDelivery = &eta
	}
	return tracking, nil
}

func humanError(order *models.Order) string {
	switch order.Status {
	case models.OrderStatusFailed:
		return "Production could not be completed. Our team has been notified."
	case models.OrderStatusCancelled:
		return "The checkout session expired before payment."
	case models.OrderStatusRefunded:
		return "This order was refunded."
	}
	if order.LastError != "" && order.RetryCount > 0 {
		return "Production hit a problem and is being retried."
	}
	return ""
}
