package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/testutil"
	"github.com/malwarebo/reelpipe/utils"
)

const downloadPrefix = "https://pipeline.example.com/download/"

// deliveredToken drives a delivering order through delivery and returns the
// raw token taken from the customer notification.
func (h *harness) deliveredToken(mutate ...func(*models.Order)) (*models.Order, string) {
	h.t.Helper()
	order := testutil.CreateOrder(h.t, h.db, models.OrderStatusDelivering, append([]func(*models.Order){func(o *models.Order) {
		o.AssetURL = "https://cdn.example.com/" + o.ID + ".mp4"
	}}, mutate...)...)

	env := envelope(h.t, productionDispatcherAgent, order.CorrelationID, &events.ProductionCompletePayload{
		OrderID:  order.ID,
		AssetURL: order.AssetURL,
	})
	if err := h.p.Delivery.HandleProductionComplete(context.Background(), env); err != nil {
		h.t.Fatalf("HandleProductionComplete() error = %v", err)
	}

	sent := h.notifier.Sent()
	if len(sent) == 0 {
		h.t.Fatal("no delivery notification sent")
	}
	url, _ := sent[len(sent)-1].data["download_url"].(string)
	if !strings.HasPrefix(url, downloadPrefix) {
		h.t.Fatalf("download_url = %q, want prefix %q", url, downloadPrefix)
	}
	return h.order(order.ID), strings.TrimPrefix(url, downloadPrefix)
}

func TestDeliveryAgent_Deliver(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order, raw := h.deliveredToken()

	if order.Status != models.OrderStatusDelivered {
		t.Errorf("Status = %v, want %v", order.Status, models.OrderStatusDelivered)
	}
	if order.DeliveredAt == nil {
		t.Errorf("DeliveredAt = nil, want set")
	}
	if raw == "" {
		t.Errorf("raw token is empty")
	}
	if n := h.countEvents(events.DeliveryReady, order.ID); n != 1 {
		t.Errorf("delivery.ready count = %d, want 1", n)
	}

	// The second trigger for the same order finds it delivered.
	transitioned := envelope(t, "order_machine", order.CorrelationID, &events.OrderTransitionedPayload{
		OrderID: order.ID,
		From:    models.OrderStatusGenerating,
		To:      models.OrderStatusDelivering,
	})
	if err := h.p.Delivery.HandleOrderTransitioned(ctx, transitioned); err != nil {
		t.Fatalf("HandleOrderTransitioned() error = %v", err)
	}
	if got := len(h.notifier.Sent()); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}

	token, err := h.stores.Deliveries.GetActiveForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetActiveForOrder() error = %v", err)
	}
	if token.TokenHash == raw {
		t.Errorf("raw token stored in place of its hash")
	}
	if token.MaxDownloads != 10 {
		t.Errorf("MaxDownloads = %d, want 10", token.MaxDownloads)
	}
}

func (h *harness) deliveringOrder() (*models.Order, *events.Envelope) {
	h.t.Helper()
	order := testutil.CreateOrder(h.t, h.db, models.OrderStatusDelivering, func(o *models.Order) {
		o.AssetURL = "https://cdn.example.com/" + o.ID + ".mp4"
	})
	env := envelope(h.t, productionDispatcherAgent, order.CorrelationID, &events.ProductionCompletePayload{
		OrderID:  order.ID,
		AssetURL: order.AssetURL,
	})
	return order, env
}

func TestDeliveryAgent_NotificationFailureKeepsOrderDelivering(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order, env := h.deliveringOrder()
	h.notifier.FailNext(1)

	err := h.p.Delivery.HandleProductionComplete(ctx, env)
	if err == nil {
		t.Fatal("HandleProductionComplete() error = nil, want notification failure")
	}
	if utils.KindOf(err) != utils.KindTransient {
		t.Errorf("KindOf() = %v, want %v so the bus retries", utils.KindOf(err), utils.KindTransient)
	}
	if got := h.order(order.ID); got.Status != models.OrderStatusDelivering {
		t.Errorf("Status = %v, want %v", got.Status, models.OrderStatusDelivering)
	}
	if _, err := h.stores.Deliveries.GetActiveForOrder(ctx, order.ID); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("GetActiveForOrder() error = %v, want the aborted token revoked", err)
	}
	if n := h.countEvents(events.DeliveryReady, order.ID); n != 0 {
		t.Errorf("delivery.ready count = %d, want 0", n)
	}

	// The retry reclaims the failed key and delivers a working link.
	if err := h.p.Delivery.HandleProductionComplete(ctx, env); err != nil {
		t.Fatalf("retried HandleProductionComplete() error = %v", err)
	}
	if got := h.order(order.ID); got.Status != models.OrderStatusDelivered {
		t.Errorf("Status = %v, want %v", got.Status, models.OrderStatusDelivered)
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	url, _ := sent[0].data["download_url"].(string)
	result, err := h.p.Delivery.ValidateAndConsume(ctx, strings.TrimPrefix(url, downloadPrefix), DownloadRequest{IPAddress: "192.0.2.9"})
	if err != nil {
		t.Fatalf("ValidateAndConsume() error = %v", err)
	}
	if !result.Authorized() {
		t.Errorf("Outcome = %v, want authorized", result.Outcome)
	}
}

func TestDeliveryAgent_WithoutNotifier(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Delivery.notifier = nil
	ctx := context.Background()
	order, env := h.deliveringOrder()

	err := h.p.Delivery.HandleProductionComplete(ctx, env)
	if !errors.Is(err, ErrNoDeliveryChannel) {
		t.Fatalf("HandleProductionComplete() error = %v, want %v", err, ErrNoDeliveryChannel)
	}
	if got := h.order(order.ID); got.Status != models.OrderStatusDelivering {
		t.Errorf("Status = %v, want %v", got.Status, models.OrderStatusDelivering)
	}
	if n := h.countEvents(events.DeliveryReady, order.ID); n != 0 {
		t.Errorf("delivery.ready count = %d, want 0", n)
	}
}

func TestDeliveryAgent_Reissue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order, oldRaw := h.deliveredToken()

	result, err := h.p.Delivery.Reissue(ctx, order.ID)
	if err != nil {
		t.Fatalf("Reissue() error = %v", err)
	}
	if !strings.HasPrefix(result.DownloadURL, downloadPrefix) {
		t.Fatalf("DownloadURL = %q, want prefix %q", result.DownloadURL, downloadPrefix)
	}
	if result.Revoked != 1 || !result.Notified {
		t.Errorf("Reissue() = %+v, want one revoked token and a notification", result)
	}

	sent := h.notifier.Sent()
	if len(sent) != 2 || sent[1].data["download_url"] != result.DownloadURL {
		t.Errorf("notifications = %+v, want the reissued link sent", sent)
	}

	meta := DownloadRequest{IPAddress: "203.0.113.7"}
	old, err := h.p.Delivery.ValidateAndConsume(ctx, oldRaw, meta)
	if err != nil {
		t.Fatalf("ValidateAndConsume(old) error = %v", err)
	}
	if old.Outcome != DownloadRevoked {
		t.Errorf("old token Outcome = %v, want %v", old.Outcome, DownloadRevoked)
	}
	fresh, err := h.p.Delivery.ValidateAndConsume(ctx, strings.TrimPrefix(result.DownloadURL, downloadPrefix), meta)
	if err != nil {
		t.Fatalf("ValidateAndConsume(new) error = %v", err)
	}
	if !fresh.Authorized() || fresh.TokenID != result.TokenID {
		t.Errorf("new token result = %+v, want authorized for %s", fresh, result.TokenID)
	}
	if n := h.countEvents(events.DeliveryReady, order.ID); n != 2 {
		t.Errorf("delivery.ready count = %d, want 2", n)
	}

	// With the channel down the operator still gets the link.
	h.notifier.FailNext(1)
	again, err := h.p.Delivery.Reissue(ctx, order.ID)
	if err != nil {
		t.Fatalf("Reissue() with failing notifier error = %v", err)
	}
	if again.Notified || again.DownloadURL == "" {
		t.Errorf("Reissue() = %+v, want a link without notification", again)
	}
}

func TestDeliveryAgent_ReissueRefused(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pending := testutil.CreateOrder(t, h.db, models.OrderStatusGenerating)

	tests := []struct {
		name    string
		orderID string
	}{
		{name: "not delivered", orderID: pending.ID},
		{name: "unknown order", orderID: "no-such-order"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.p.Delivery.Reissue(ctx, tt.orderID)
			if utils.KindOf(err) != utils.KindValidation {
				t.Errorf("Reissue() error = %v, want validation", err)
			}
		})
	}
}

func TestDeliveryAgent_EnterpriseToken(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	before := time.Now().UTC()
	order, _ := h.deliveredToken(func(o *models.Order) { o.Tier = string(models.TierEnterprise) })

	token, err := h.stores.Deliveries.GetActiveForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetActiveForOrder() error = %v", err)
	}
	if token.MaxDownloads != 50 {
		t.Errorf("MaxDownloads = %d, want 50", token.MaxDownloads)
	}
	if want := before.Add(336 * time.Hour); token.ExpiresAt.Before(want) {
		t.Errorf("ExpiresAt = %v, want at least %v", token.ExpiresAt, want)
	}
}

func TestDeliveryAgent_ValidateAndConsume(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order, raw := h.deliveredToken()
	meta := DownloadRequest{IPAddress: "198.51.100.4", UserAgent: "curl/8.0"}

	for i := 1; i <= 10; i++ {
		result, err := h.p.Delivery.ValidateAndConsume(ctx, raw, meta)
		if err != nil {
			t.Fatalf("ValidateAndConsume() #%d error = %v", i, err)
		}
		if !result.Authorized() {
			t.Fatalf("ValidateAndConsume() #%d outcome = %v, want authorized", i, result.Outcome)
		}
		if result.AssetURL != order.AssetURL {
			t.Errorf("AssetURL = %q, want %q", result.AssetURL, order.AssetURL)
		}
		if result.Remaining != 10-i {
			t.Errorf("Remaining = %d, want %d", result.Remaining, 10-i)
		}
	}

	result, err := h.p.Delivery.ValidateAndConsume(ctx, raw, meta)
	if err != nil {
		t.Fatalf("ValidateAndConsume() #11 error = %v", err)
	}
	if result.Outcome != DownloadExceededLimit {
		t.Errorf("Outcome = %v, want %v", result.Outcome, DownloadExceededLimit)
	}
	if result.AssetURL != "" {
		t.Errorf("AssetURL = %q, want empty on refusal", result.AssetURL)
	}

	attempts, err := h.stores.Deliveries.ListAttempts(ctx, result.TokenID)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 11 {
		t.Fatalf("attempts = %d, want 11", len(attempts))
	}
	failures := 0
	for _, a := range attempts {
		if !a.Success {
			failures++
			if a.FailureReason != models.FailureDownloadsExhausted {
				t.Errorf("FailureReason = %v, want %v", a.FailureReason, models.FailureDownloadsExhausted)
			}
		}
	}
	if failures != 1 {
		t.Errorf("failed attempts = %d, want 1", failures)
	}
	if n := h.countEvents(events.DeliveryCompleted, order.ID); n != 10 {
		t.Errorf("delivery.completed count = %d, want 10", n)
	}
}

func TestDeliveryAgent_ConcurrentDownloads(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, raw := h.deliveredToken()

	var mu sync.Mutex
	authorized := 0
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.p.Delivery.ValidateAndConsume(ctx, raw, DownloadRequest{IPAddress: "192.0.2.1"})
			if err != nil {
				t.Errorf("ValidateAndConsume() error = %v", err)
				return
			}
			if result.Authorized() {
				mu.Lock()
				authorized++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if authorized != 10 {
		t.Errorf("authorized downloads = %d, want 10", authorized)
	}
}

func TestDeliveryAgent_RefusedDownloads(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(h *harness, order *models.Order)
		raw         func(raw string) string
		wantOutcome DownloadOutcome
		wantFailure models.DownloadFailure
	}{
		{
			name:        "unknown token",
			setup:       func(*harness, *models.Order) {},
			raw:         func(string) string { return "not-a-real-token" },
			wantOutcome: DownloadNotFound,
			wantFailure: models.FailureTokenNotFound,
		},
		{
			name: "expired token",
			setup: func(h *harness, _ *models.Order) {
				h.p.Delivery.now = func() time.Time { return time.Now().UTC().Add(200 * time.Hour) }
			},
			raw:         func(raw string) string { return raw },
			wantOutcome: DownloadExpired,
			wantFailure: models.FailureTokenExpired,
		},
		{
			name: "revoked token",
			setup: func(h *harness, order *models.Order) {
				if _, err := h.p.Delivery.Revoke(context.Background(), order.ID, "chargeback"); err != nil {
					h.t.Fatalf("Revoke() error = %v", err)
				}
			},
			raw:         func(raw string) string { return raw },
			wantOutcome: DownloadRevoked,
			wantFailure: models.FailureTokenRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			order, raw := h.deliveredToken()
			tt.setup(h, order)

			result, err := h.p.Delivery.ValidateAndConsume(ctx, tt.raw(raw), DownloadRequest{IPAddress: "192.0.2.8"})
			if err != nil {
				t.Fatalf("ValidateAndConsume() error = %v", err)
			}
			if result.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %v, want %v", result.Outcome, tt.wantOutcome)
			}
			if result.Failure != tt.wantFailure {
				t.Errorf("Failure = %v, want %v", result.Failure, tt.wantFailure)
			}
			if n := h.countEvents(events.DeliveryCompleted, order.ID); n != 0 {
				t.Errorf("delivery.completed count = %d, want 0", n)
			}
		})
	}
}

func TestDeliveryAgent_RecordRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.p.Delivery.RecordRateLimited(ctx, DownloadRequest{IPAddress: "192.0.2.9"}); err != nil {
		t.Fatalf("RecordRateLimited() error = %v", err)
	}

	var count int64
	err := h.db.Model(&models.DownloadAttempt{}).
		Where("failure_reason = ?", models.FailureRateLimited).
		Count(&count).Error
	if err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	if count != 1 {
		t.Errorf("rate limited attempts = %d, want 1", count)
	}
}
