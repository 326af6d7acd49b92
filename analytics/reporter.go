package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/malwarebo/reelpipe/models"
)

// OrderSource loads the orders a report is built from.
type OrderSource interface {
	ListCreatedSince(ctx context.Context, since time.Time) ([]*models.Order, error)
}

type RevenueReport struct {
	Period          string                     `json:"period"`
	Since           *time.Time                 `json:"since,omitempty"`
	OrderCount      int                        `json:"order_count"`
	PaidCount       int                        `json:"paid_count"`
	DeliveredCount  int                        `json:"delivered_count"`
	ConversionRate  float64                    `json:"conversion_rate"`
	DeliveryRate    float64                    `json:"delivery_rate"`
	AvgDeliverySecs float64                    `json:"avg_delivery_seconds"`
	ByStatus        map[models.OrderStatus]int `json:"by_status"`
	Currencies      []CurrencyStats            `json:"currencies"`
	Providers       []ProviderStats            `json:"providers"`
	Tiers           map[string]TierStats       `json:"tiers"`
	Trends          []TrendData                `json:"trends"`
}

type CurrencyStats struct {
	Currency         string  `json:"currency"`
	TotalAmount      int64   `json:"total_amount"`
	TransactionCount int     `json:"transaction_count"`
	AverageAmount    float64 `json:"average_amount"`
}

type ProviderStats struct {
	Provider         string  `json:"provider"`
	OrderCount       int     `json:"order_count"`
	TransactionCount int     `json:"transaction_count"`
	ConversionRate   float64 `json:"conversion_rate"`
}

type TierStats struct {
	OrderCount       int `json:"order_count"`
	TransactionCount int `json:"transaction_count"`
}

type TrendData struct {
	Date             string `json:"date"`
	OrderCount       int    `json:"order_count"`
	TransactionCount int    `json:"transaction_count"`
}

// Reporter aggregates order history into revenue and funnel figures.
// Amounts are kept per currency in minor units and never converted.
type Reporter struct {
	orders OrderSource
	now    func() time.Time
}

func CreateReporter(orders OrderSource) *Reporter {
	return &Reporter{
		orders: orders,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PeriodStart maps a report period onto its lower bound. "all" and the
// empty string mean no bound.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	switch period {
	case "daily":
		return now.Add(-24 * time.Hour), nil
	case "weekly":
		return now.Add(-7 * 24 * time.Hour), nil
	case "monthly":
		return now.Add(-30 * 24 * time.Hour), nil
	case "", "all":
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unknown report period %q", period)
	}
}

func (r *Reporter) GetRevenueReport(ctx context.Context, period string) (*RevenueReport, error) {
	since, err := PeriodStart(period, r.now())
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = "all"
	}

	orders, err := r.orders.ListCreatedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}

	report := Aggregate(orders)
	report.Period = period
	if !since.IsZero() {
		report.Since = &since
	}
	return report, nil
}

// Aggregate builds a report from an already loaded set of orders.
func Aggregate(orders []*models.Order) *RevenueReport {
	report := &RevenueReport{
		ByStatus: make(map[models.OrderStatus]int),
		Tiers:    make(map[string]TierStats),
	}

	currencies := make(map[string]*CurrencyStats)
	providers := make(map[string]*ProviderStats)
	trends := make(map[string]*TrendData)
	var deliverySecs float64

	for _, o := range orders {
		report.OrderCount++
		report.ByStatus[o.Status]++

		paid := IsCaptured(o.Status)

		tier := report.Tiers[o.Tier]
		tier.OrderCount++

		name := o.ProviderName
		if name == "" {
			name = "unassigned"
		}
		provider, ok := providers[name]
		if !ok {
			provider = &ProviderStats{Provider: name}
			providers[name] = provider
		}
		provider.OrderCount++

		day := o.CreatedAt.UTC().Format("2006-01-02")
		trend, ok := trends[day]
		if !ok {
			trend = &TrendData{Date: day}
			trends[day] = trend
		}
		trend.OrderCount++

		if paid {
			report.PaidCount++
			tier.TransactionCount++
			provider.TransactionCount++
			trend.TransactionCount++

			currency, ok := currencies[o.Currency]
			if !ok {
				currency = &CurrencyStats{Currency: o.Currency}
				currencies[o.Currency] = currency
			}
			currency.TotalAmount += o.Amount
			currency.TransactionCount++
		}
		report.Tiers[o.Tier] = tier

		if o.Status == models.OrderStatusDelivered {
			report.DeliveredCount++
			if o.DeliveredAt != nil {
				deliverySecs += o.DeliveredAt.Sub(o.CreatedAt).Seconds()
			}
		}
	}

	if report.OrderCount > 0 {
		report.ConversionRate = float64(report.PaidCount) / float64(report.OrderCount)
	}
	if report.PaidCount > 0 {
		report.DeliveryRate = float64(report.DeliveredCount) / float64(report.PaidCount)
	}
	if report.DeliveredCount > 0 {
		report.AvgDeliverySecs = deliverySecs / float64(report.DeliveredCount)
	}

	for _, c := range currencies {
		c.AverageAmount = float64(c.TotalAmount) / float64(c.TransactionCount)
		report.Currencies = append(report.Currencies, *c)
	}
	sort.Slice(report.Currencies, func(i, j int) bool {
		return report.Currencies[i].Currency < report.Currencies[j].Currency
	})

	for _, p := range providers {
		p.ConversionRate = float64(p.TransactionCount) / float64(p.OrderCount)
		report.Providers = append(report.Providers, *p)
	}
	sort.Slice(report.Providers, func(i, j int) bool {
		return report.Providers[i].Provider < report.Providers[j].Provider
	})

	for _, t := range trends {
		report.Trends = append(report.Trends, *t)
	}
	sort.Slice(report.Trends, func(i, j int) bool {
		return report.Trends[i].Date < report.Trends[j].Date
	})

	return report
}

// IsCaptured reports whether an order in status has had its payment taken
// and kept. Refunded orders are excluded; failed orders were paid and not
// refunded.
func IsCaptured(status models.OrderStatus) bool {
	switch status {
	case models.OrderStatusPaid,
		models.OrderStatusProcessing,
		models.OrderStatusGenerating,
		models.OrderStatusDelivering,
		models.OrderStatusDelivered,
		models.OrderStatusFailed:
		return true
	}
	return false
}
