package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/testutil"
	"github.com/malwarebo/reelpipe/utils"
)

// newBusHarness wires the pipeline to a started in-memory bus whose dead
// letters land in the pipeline's own handler.
func newBusHarness(t *testing.T, mutate ...func(*PipelineConfig)) (*harness, *events.MemoryBus) {
	t.Helper()

	var h *harness
	bus := events.NewMemoryBus(events.BusOptions{
		MaxAttempts: 3,
		Retry: &utils.RetryConfig{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			BackoffType: utils.Fixed,
		},
		DeadLetters: func(ctx context.Context, consumer string, env *events.Envelope, cause error) error {
			return h.p.DeadLetters.Sink(ctx, consumer, env, cause)
		},
	})
	h = newHarness(t, bus, mutate...)

	if err := h.p.Subscribe(bus); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return h, bus
}

func drain(t *testing.T, bus *events.MemoryBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bus.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func (h *harness) sessionStage(id string) models.SessionStage {
	h.t.Helper()
	session, err := h.stores.Sessions.GetByID(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetByID(session %s) error = %v", id, err)
	}
	return session.Stage
}

func TestPipeline_OrderToDownload(t *testing.T) {
	h, bus := newBusHarness(t, func(cfg *PipelineConfig) { cfg.Gateway.AutoCheckout = true })
	ctx := context.Background()
	const sessionID = "session-e2e"

	cards := envelope(t, "conversation", "corr-e2e", testutil.CardsComplete(t, sessionID))
	if err := h.p.Emitter.Emit(ctx, cards, models.SeverityInfo); err != nil {
		t.Fatalf("Emit(cards_complete) error = %v", err)
	}
	drain(t, bus)

	brief, err := h.stores.Briefs.GetLatest(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	order, err := h.stores.Orders.GetByBriefID(ctx, brief.ID)
	if err != nil {
		t.Fatalf("GetByBriefID() error = %v", err)
	}
	if order.Status != models.OrderStatusPending {
		t.Fatalf("Status = %v, want %v", order.Status, models.OrderStatusPending)
	}
	if got := h.sessionStage(sessionID); got != models.StageCheckout {
		t.Errorf("stage after checkout = %v, want %v", got, models.StageCheckout)
	}

	body := webhookBody(t, providers.PaymentEvent{
		EventID:   "evt_e2e",
		Kind:      providers.PaymentSucceeded,
		SessionID: order.ProviderSessionID,
		PaymentID: "pi_e2e",
		Amount:    order.Amount,
		Currency:  order.Currency,
	})
	if err := h.p.Gateway.HandleWebhook(ctx, providers.StripeName, body, "valid"); err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	drain(t, bus)

	jobs := h.worker.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if got := h.order(order.ID); got.Status != models.OrderStatusGenerating {
		t.Fatalf("Status after payment = %v, want %v", got.Status, models.OrderStatusGenerating)
	}
	if got := h.sessionStage(sessionID); got != models.StageGenerating {
		t.Errorf("stage after payment = %v, want %v", got, models.StageGenerating)
	}

	complete := envelope(t, providers.WorkerName, order.CorrelationID, &events.ProductionCompletePayload{
		OrderID:  order.ID,
		JobID:    jobs[0].JobID,
		AssetURL: "https://cdn.example.com/e2e.mp4",
	})
	if err := h.p.Emitter.Emit(ctx, complete, models.SeverityInfo); err != nil {
		t.Fatalf("Emit(production.complete) error = %v", err)
	}
	drain(t, bus)

	delivered := h.order(order.ID)
	if delivered.Status != models.OrderStatusDelivered {
		t.Fatalf("Status after production = %v, want %v", delivered.Status, models.OrderStatusDelivered)
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	if got := h.sessionStage(sessionID); got != models.StageDelivered {
		t.Errorf("stage after delivery = %v, want %v", got, models.StageDelivered)
	}

	url, _ := sent[0].data["download_url"].(string)
	result, err := h.p.Delivery.ValidateAndConsume(ctx, strings.TrimPrefix(url, downloadPrefix), DownloadRequest{IPAddress: "203.0.113.10"})
	if err != nil {
		t.Fatalf("ValidateAndConsume() error = %v", err)
	}
	if !result.Authorized() {
		t.Fatalf("Outcome = %v, want authorized", result.Outcome)
	}
	drain(t, bus)
	if got := h.sessionStage(sessionID); got != models.StageCompleted {
		t.Errorf("stage after download = %v, want %v", got, models.StageCompleted)
	}

	trace, err := h.stores.Events.ListByCorrelation(ctx, "corr-e2e")
	if err != nil {
		t.Fatalf("ListByCorrelation() error = %v", err)
	}
	seen := make(map[string]bool, len(trace))
	for _, ev := range trace {
		seen[ev.EventType] = true
	}
	for _, want := range []events.EventType{
		events.ConversationCardsComplete,
		events.BriefAssembled,
		events.OrderCreated,
		events.PaymentSessionCreated,
		events.PaymentConfirmed,
		events.ProductionStarted,
		events.ProductionComplete,
		events.DeliveryReady,
		events.DeliveryCompleted,
	} {
		if !seen[string(want)] {
			t.Errorf("trace is missing %s", want)
		}
	}
	if n := h.countEvents(events.DeadLetterCreated, ""); n != 0 {
		t.Errorf("deadletter.created count = %d, want 0", n)
	}
}

func TestPipeline_ReplayAfterRetryCeiling(t *testing.T) {
	h, bus := newBusHarness(t)
	ctx := context.Background()
	unavailable := utils.Transient("submit", errors.New("503 from worker"))
	h.worker.errs = []error{unavailable, unavailable, unavailable}

	order := h.orderWithBrief(models.OrderStatusPaid)
	if err := h.p.Emitter.Emit(ctx, confirmedEnvelope(t, order), models.SeverityInfo); err != nil {
		t.Fatalf("Emit(payment.confirmed) error = %v", err)
	}
	drain(t, bus)

	if got := h.order(order.ID); got.Status != models.OrderStatusFailed {
		t.Fatalf("Status = %v, want %v", got.Status, models.OrderStatusFailed)
	}
	letters, err := h.p.DeadLetters.List(ctx, string(models.DeadLetterStatusFailed), 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}

	if err := h.p.DeadLetters.Replay(ctx, letters[0].ID); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	drain(t, bus)

	got := h.order(order.ID)
	if got.Status != models.OrderStatusGenerating {
		t.Errorf("Status after replay = %v, want %v", got.Status, models.OrderStatusGenerating)
	}
	if len(h.worker.Jobs()) != 4 {
		t.Errorf("jobs = %d, want 4", len(h.worker.Jobs()))
	}
}

func TestPipeline_HandlerFailureIsDeadLettered(t *testing.T) {
	h, bus := newBusHarness(t)
	ctx := context.Background()

	// Without an asset url neither consumer can act on the event.
	broken := envelope(t, providers.WorkerName, "corr-broken", &events.ProductionCompletePayload{OrderID: "missing-order"})
	if err := h.p.Emitter.Emit(ctx, broken, models.SeverityInfo); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	drain(t, bus)

	letters, err := h.p.DeadLetters.List(ctx, string(models.DeadLetterStatusFailed), 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(letters) == 0 {
		t.Fatal("no dead letter for an undeliverable production.complete")
	}
	for _, letter := range letters {
		if letter.EventID != broken.ID {
			t.Errorf("EventID = %q, want %q", letter.EventID, broken.ID)
		}
	}
}
