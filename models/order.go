package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusGenerating OrderStatus = "generating"
	OrderStatusDelivering OrderStatus = "delivering"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusFailed     OrderStatus = "failed"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

// orderTransitions is the full directed graph. generating -> processing and
// processing -> processing are retry edges and are only legal when the
// transition counts a failed attempt.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusGenerating, OrderStatusFailed, OrderStatusRefunded, OrderStatusProcessing},
	OrderStatusGenerating: {OrderStatusDelivering, OrderStatusFailed, OrderStatusRefunded, OrderStatusProcessing},
	OrderStatusDelivering: {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusRefunded},
	OrderStatusFailed:     {OrderStatusProcessing, OrderStatusRefunded},
}

var retryEdges = map[[2]OrderStatus]bool{
	{OrderStatusProcessing, OrderStatusProcessing}: true,
	{OrderStatusGenerating, OrderStatusProcessing}: true,
	{OrderStatusFailed, OrderStatusProcessing}:     true,
}

// CanTransition reports whether from -> to is an edge of the order graph.
// Retry edges require countsAttempt, except failed -> processing which is
// the operator replay path.
func CanTransition(from, to OrderStatus, countsAttempt bool) bool {
	allowed := false
	for _, next := range orderTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if from == OrderStatusFailed {
		return true
	}
	if retryEdges[[2]OrderStatus{from, to}] {
		return countsAttempt
	}
	return true
}

func ValidateTransition(from, to OrderStatus, countsAttempt bool) error {
	if !CanTransition(from, to, countsAttempt) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether the resurrection sweep must leave the order alone.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded, OrderStatusFailed:
		return true
	}
	return false
}

// StuckCandidates are the intermediate statuses the resurrection sweep
// re-drives. delivering is included so a lost delivery is retried too.
var StuckCandidates = []OrderStatus{OrderStatusPaid, OrderStatusProcessing, OrderStatusGenerating, OrderStatusDelivering}

type Order struct {
	ID                string         `json:"id" gorm:"primaryKey;size:36"`
	SessionID         string         `json:"session_id" gorm:"size:36;not null;index"`
	BriefID           string         `json:"brief_id" gorm:"size:36;not null;index"`
	CorrelationID     string         `json:"correlation_id" gorm:"not null;index"`
	Status            OrderStatus    `json:"status" gorm:"not null;default:'pending';index:idx_orders_status_updated"`
	Tier              string         `json:"tier" gorm:"not null"`
	Amount            int64          `json:"amount" gorm:"not null"`
	Currency          string         `json:"currency" gorm:"not null"`
	ProviderName      string         `json:"provider_name"`
	ProviderSessionID string         `json:"provider_session_id" gorm:"index"`
	ProviderPaymentID string         `json:"provider_payment_id" gorm:"index"`
	CheckoutURL       string         `json:"checkout_url"`
	AssetURL          string         `json:"asset_url"`
	DeliveryEmail     string         `json:"delivery_email"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	RetryCount        int            `json:"retry_count" gorm:"not null;default:0"`
	Version           int64          `json:"version" gorm:"not null;default:1"`
	Metadata          datatypes.JSON `json:"metadata"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"index:idx_orders_status_updated"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = OrderStatusPending
	}
	if o.Version == 0 {
		o.Version = 1
	}
	if o.CorrelationID == "" {
		o.CorrelationID = o.ID
	}
	return nil
}

type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

type TierPlan struct {
	Tier         Tier
	Name         string
	// Prices holds the amount per ISO currency in that currency's minor
	// units (see CurrencyExponent).
	Prices       map[string]int64
	DeliveryDays int
}

var tierPlans = map[Tier]TierPlan{
	TierStarter: {
		Tier:         TierStarter,
		Name:         "Starter Video Package",
		Prices:       map[string]int64{"USD": 250000, "IDR": 40000000, "PHP": 14000000},
		DeliveryDays: 5,
	},
	TierProfessional: {
		Tier:         TierProfessional,
		Name:         "Professional Video Package",
		Prices:       map[string]int64{"USD": 500000, "IDR": 80000000, "PHP": 28000000},
		DeliveryDays: 3,
	},
	TierEnterprise: {
		Tier:         TierEnterprise,
		Name:         "Enterprise Video Package",
		Prices:       map[string]int64{"USD": 1500000, "IDR": 240000000, "PHP": 84000000},
		DeliveryDays: 2,
	},
}

func LookupTier(name string) (TierPlan, bool) {
	plan, ok := tierPlans[Tier(name)]
	return plan, ok
}

// PriceIn returns the plan's amount in currency, in minor units.
func (p TierPlan) PriceIn(currency string) (int64, bool) {
	amount, ok := p.Prices[strings.ToUpper(currency)]
	return amount, ok
}

// IsPricedCurrency reports whether every tier has a price in currency.
func IsPricedCurrency(currency string) bool {
	for _, plan := range tierPlans {
		if _, ok := plan.PriceIn(currency); !ok {
			return false
		}
	}
	return true
}

// EstimatedDelivery returns the promised delivery date for an order paid at paidAt.
func (p TierPlan) EstimatedDelivery(paidAt time.Time) time.Time {
	return paidAt.AddDate(0, 0, p.DeliveryDays)
}

// TierNames lists the sellable tiers from cheapest to most expensive.
func TierNames() []string {
	return []string{string(TierStarter), string(TierProfessional), string(TierEnterprise)}
}
