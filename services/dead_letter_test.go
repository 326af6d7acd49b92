package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/testutil"
	"github.com/malwarebo/reelpipe/utils"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []*events.Envelope
}

func (p *capturePublisher) Publish(ctx context.Context, env *events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *env
	p.envs = append(p.envs, &copied)
	return nil
}

func (p *capturePublisher) ofType(t events.EventType) []*events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Envelope
	for _, env := range p.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *events.Envelope) error {
	return errors.New("bus unavailable")
}

func TestDeadLetterHandler_Capture(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := testutil.CreateOrder(t, h.db, models.OrderStatusPaid)
	env := confirmedEnvelope(t, order)
	env.Attempt = 5

	if err := h.p.DeadLetters.Sink(ctx, "production_dispatcher", env, errors.New("worker unreachable")); err != nil {
		t.Fatalf("Sink() error = %v", err)
	}

	letters, err := h.p.DeadLetters.List(ctx, string(models.DeadLetterStatusFailed), 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	letter := letters[0]
	if letter.EventID != env.ID {
		t.Errorf("EventID = %q, want %q", letter.EventID, env.ID)
	}
	if letter.AttemptCount != 5 {
		t.Errorf("AttemptCount = %d, want 5", letter.AttemptCount)
	}
	if letter.OrderID == nil || *letter.OrderID != order.ID {
		t.Errorf("OrderID = %v, want %s", letter.OrderID, order.ID)
	}
	if letter.ErrorMessage != "production_dispatcher: worker unreachable" {
		t.Errorf("ErrorMessage = %q", letter.ErrorMessage)
	}

	stored, err := events.Unmarshal(letter.Payload)
	if err != nil {
		t.Fatalf("Unmarshal(stored) error = %v", err)
	}
	if stored.ID != env.ID || stored.Type != events.PaymentConfirmed {
		t.Errorf("stored envelope = %s/%s, want %s/%s", stored.ID, stored.Type, env.ID, events.PaymentConfirmed)
	}
	if n := h.countEvents(events.DeadLetterCreated, ""); n != 1 {
		t.Errorf("deadletter.created count = %d, want 1", n)
	}
}

func TestDeadLetterHandler_Replay(t *testing.T) {
	bus := &capturePublisher{}
	h := newHarness(t, bus)
	ctx := context.Background()

	order := h.orderWithBrief(models.OrderStatusProcessing)
	failed, err := h.p.Machine.FailPermanently(ctx, order, errors.New("renderer rejected brief"), DeadLetterSpec{Source: productionDispatcherAgent})
	if err != nil {
		t.Fatalf("FailPermanently() error = %v", err)
	}

	letters, err := h.stores.DeadLetters.ListByOrder(ctx, order.ID)
	if err != nil || len(letters) != 1 {
		t.Fatalf("ListByOrder() = %d letters, err %v; want 1", len(letters), err)
	}

	if err := h.p.DeadLetters.Replay(ctx, letters[0].ID); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	replayed := bus.ofType(events.PaymentConfirmed)
	if len(replayed) != 1 {
		t.Fatalf("published payment.confirmed = %d, want 1", len(replayed))
	}
	env := replayed[0]
	if !env.Replayed {
		t.Errorf("Replayed = false, want true")
	}
	if env.ID == letters[0].EventID {
		t.Errorf("replay reused the original event id")
	}
	if env.CausationID != letters[0].EventID {
		t.Errorf("CausationID = %q, want %q", env.CausationID, letters[0].EventID)
	}
	if env.CorrelationID != failed.CorrelationID {
		t.Errorf("CorrelationID = %q, want %q", env.CorrelationID, failed.CorrelationID)
	}

	letter, err := h.p.DeadLetters.Get(ctx, letters[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if letter.Status != models.DeadLetterStatusRetried {
		t.Errorf("Status = %v, want %v", letter.Status, models.DeadLetterStatusRetried)
	}
	if n := h.countEvents(events.DeadLetterReplayed, ""); n != 1 {
		t.Errorf("deadletter.replayed count = %d, want 1", n)
	}

	// Feeding the replay to the dispatcher restarts production.
	if err := h.p.Dispatcher.HandlePaymentConfirmed(ctx, env); err != nil {
		t.Fatalf("HandlePaymentConfirmed(replay) error = %v", err)
	}
	got := h.order(order.ID)
	if got.Status != models.OrderStatusGenerating {
		t.Errorf("Status = %v, want %v", got.Status, models.OrderStatusGenerating)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}

	err = h.p.DeadLetters.Replay(ctx, letters[0].ID)
	if !errors.Is(err, ErrAlreadyReplayed) {
		t.Errorf("second Replay() error = %v, want ErrAlreadyReplayed", err)
	}
	if utils.KindOf(err) != utils.KindValidation {
		t.Errorf("KindOf() = %v, want %v", utils.KindOf(err), utils.KindValidation)
	}
}

func TestDeadLetterHandler_ReplayMissing(t *testing.T) {
	h := newHarness(t, nil)
	err := h.p.DeadLetters.Replay(context.Background(), "no-such-letter")
	if utils.KindOf(err) != utils.KindValidation {
		t.Errorf("Replay() error = %v, want validation", err)
	}
}

func TestDeadLetterHandler_ConcurrentReplay(t *testing.T) {
	bus := &capturePublisher{}
	h := newHarness(t, bus)
	ctx := context.Background()

	order := h.orderWithBrief(models.OrderStatusProcessing)
	if _, err := h.p.Machine.FailPermanently(ctx, order, errors.New("renderer rejected brief"), DeadLetterSpec{Source: productionDispatcherAgent}); err != nil {
		t.Fatalf("FailPermanently() error = %v", err)
	}
	letters, err := h.stores.DeadLetters.ListByOrder(ctx, order.ID)
	if err != nil || len(letters) != 1 {
		t.Fatalf("ListByOrder() = %d letters, err %v; want 1", len(letters), err)
	}

	var mu sync.Mutex
	succeeded, rejected := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.p.DeadLetters.Replay(ctx, letters[0].ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyReplayed):
				rejected++
			default:
				t.Errorf("Replay() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || rejected != 7 {
		t.Errorf("replays succeeded = %d, rejected = %d; want 1 and 7", succeeded, rejected)
	}
	if got := len(bus.ofType(events.PaymentConfirmed)); got != 1 {
		t.Errorf("published payment.confirmed = %d, want 1", got)
	}
	if n := h.countEvents(events.DeadLetterReplayed, ""); n != 1 {
		t.Errorf("deadletter.replayed count = %d, want 1", n)
	}
}

func TestDeadLetterHandler_ReplayPublishFailureReopens(t *testing.T) {
	h := newHarness(t, failingPublisher{})
	ctx := context.Background()

	order := h.orderWithBrief(models.OrderStatusProcessing)
	if _, err := h.p.Machine.FailPermanently(ctx, order, errors.New("renderer rejected brief"), DeadLetterSpec{Source: productionDispatcherAgent}); err != nil {
		t.Fatalf("FailPermanently() error = %v", err)
	}
	letters, err := h.stores.DeadLetters.ListByOrder(ctx, order.ID)
	if err != nil || len(letters) != 1 {
		t.Fatalf("ListByOrder() = %d letters, err %v; want 1", len(letters), err)
	}

	if err := h.p.DeadLetters.Replay(ctx, letters[0].ID); err == nil {
		t.Fatal("Replay() error = nil, want publish failure")
	}
	letter, err := h.p.DeadLetters.Get(ctx, letters[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if letter.Status != models.DeadLetterStatusFailed || letter.RetriedAt != nil {
		t.Errorf("after failed publish = %s/%v, want failed without retried_at", letter.Status, letter.RetriedAt)
	}
}
