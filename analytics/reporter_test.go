package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/testutil"
)

func TestAggregate(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	delivered := day1.Add(30 * time.Minute)

	orders := []*models.Order{
		{Status: models.OrderStatusDelivered, Tier: "professional", Amount: 500000, Currency: "USD", ProviderName: "stripe", CreatedAt: day1, DeliveredAt: &delivered},
		{Status: models.OrderStatusPending, Tier: "starter", Amount: 200000, Currency: "USD", ProviderName: "stripe", CreatedAt: day1},
		{Status: models.OrderStatusRefunded, Tier: "professional", Amount: 500000, Currency: "USD", ProviderName: "stripe", CreatedAt: day2},
		{Status: models.OrderStatusFailed, Tier: "enterprise", Amount: 15000000, Currency: "IDR", ProviderName: "xendit", CreatedAt: day2},
		{Status: models.OrderStatusCancelled, Tier: "starter", Amount: 200000, Currency: "USD", CreatedAt: day2},
	}

	report := Aggregate(orders)

	if report.OrderCount != 5 {
		t.Errorf("OrderCount = %d, want 5", report.OrderCount)
	}
	if report.PaidCount != 2 {
		t.Errorf("PaidCount = %d, want 2", report.PaidCount)
	}
	if report.DeliveredCount != 1 {
		t.Errorf("DeliveredCount = %d, want 1", report.DeliveredCount)
	}
	if report.ConversionRate != 0.4 {
		t.Errorf("ConversionRate = %v, want 0.4", report.ConversionRate)
	}
	if report.DeliveryRate != 0.5 {
		t.Errorf("DeliveryRate = %v, want 0.5", report.DeliveryRate)
	}
	if report.AvgDeliverySecs != 1800 {
		t.Errorf("AvgDeliverySecs = %v, want 1800", report.AvgDeliverySecs)
	}

	wantCurrencies := []CurrencyStats{
		{Currency: "IDR", TotalAmount: 15000000, TransactionCount: 1, AverageAmount: 15000000},
		{Currency: "USD", TotalAmount: 500000, TransactionCount: 1, AverageAmount: 500000},
	}
	if len(report.Currencies) != len(wantCurrencies) {
		t.Fatalf("Currencies = %+v, want %+v", report.Currencies, wantCurrencies)
	}
	for i, want := range wantCurrencies {
		if report.Currencies[i] != want {
			t.Errorf("Currencies[%d] = %+v, want %+v", i, report.Currencies[i], want)
		}
	}

	providerNames := []string{}
	for _, p := range report.Providers {
		providerNames = append(providerNames, p.Provider)
	}
	if len(providerNames) != 3 || providerNames[0] != "stripe" || providerNames[1] != "unassigned" || providerNames[2] != "xendit" {
		t.Errorf("Providers = %v, want [stripe unassigned xendit]", providerNames)
	}

	if got := report.Tiers["professional"]; got.OrderCount != 2 || got.TransactionCount != 1 {
		t.Errorf("Tiers[professional] = %+v, want 2 orders 1 transaction", got)
	}

	if len(report.Trends) != 2 || report.Trends[0].Date != "2026-03-01" || report.Trends[1].Date != "2026-03-02" {
		t.Fatalf("Trends = %+v, want two days in order", report.Trends)
	}
	if report.Trends[1].OrderCount != 3 || report.Trends[1].TransactionCount != 1 {
		t.Errorf("Trends[1] = %+v, want 3 orders 1 transaction", report.Trends[1])
	}
}

func TestAggregate_Empty(t *testing.T) {
	report := Aggregate(nil)
	if report.OrderCount != 0 || report.ConversionRate != 0 || len(report.Currencies) != 0 {
		t.Errorf("Aggregate(nil) = %+v, want zero report", report)
	}
}

func TestPeriodStart(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		period  string
		want    time.Time
		wantErr bool
	}{
		{period: "daily", want: now.Add(-24 * time.Hour)},
		{period: "weekly", want: now.Add(-7 * 24 * time.Hour)},
		{period: "monthly", want: now.Add(-30 * 24 * time.Hour)},
		{period: "all"},
		{period: ""},
		{period: "yearly", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			got, err := PeriodStart(tt.period, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PeriodStart() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("PeriodStart(%q) = %v, want %v", tt.period, got, tt.want)
			}
		})
	}
}

func TestReporter_GetRevenueReport(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	recent := testutil.CreateOrder(t, db, models.OrderStatusPaid)
	old := testutil.CreateOrder(t, db, models.OrderStatusDelivered, func(o *models.Order) {
		o.CreatedAt = time.Now().UTC().Add(-10 * 24 * time.Hour)
	})

	reporter := CreateReporter(stores.CreateOrderStore(db))

	weekly, err := reporter.GetRevenueReport(ctx, "weekly")
	if err != nil {
		t.Fatalf("GetRevenueReport(weekly) error = %v", err)
	}
	if weekly.OrderCount != 1 || weekly.ByStatus[recent.Status] != 1 {
		t.Errorf("weekly report = %+v, want only the recent order", weekly)
	}
	if weekly.Since == nil {
		t.Error("weekly Since = nil, want a bound")
	}

	all, err := reporter.GetRevenueReport(ctx, "")
	if err != nil {
		t.Fatalf("GetRevenueReport(all) error = %v", err)
	}
	if all.Period != "all" || all.OrderCount != 2 || all.ByStatus[old.Status] != 1 {
		t.Errorf("all report = %+v, want both orders", all)
	}

	if _, err := reporter.GetRevenueReport(ctx, "fortnightly"); err == nil {
		t.Error("GetRevenueReport(fortnightly) error = nil, want error")
	}
}
