package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T, opts BusOptions) (*RedisBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := NewRedisBus(client, RedisBusConfig{
		Stream:   "test.events",
		Consumer: "worker-1",
		Block:    20 * time.Millisecond,
	}, opts)
	return bus, client
}

func TestRedisBus_PublishAndConsume(t *testing.T) {
	bus, client := newRedisBus(t, BusOptions{Retry: fastRetry()})

	received := make(chan *Envelope, 1)
	bus.Subscribe("dispatcher", []EventType{PaymentConfirmed}, func(ctx context.Context, env *Envelope) error {
		received <- env
		return nil
	})

	ctx := context.Background()
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer bus.Close()

	ignored, _ := New("test", "corr-0", &ProductionProgressPayload{OrderID: "o1", Percent: 5})
	if err := bus.Publish(ctx, ignored); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	env, _ := New("test", "corr-1", &PaymentConfirmedPayload{OrderID: "o1", ProviderEventID: "evt_1"})
	if err := bus.Publish(ctx, env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got.ID != env.ID {
			t.Errorf("received event %s, want %s", got.ID, env.ID)
		}
		if got.Attempt != 1 {
			t.Errorf("received attempt = %d, want 1", got.Attempt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}

	// Both entries end up acknowledged, including the one the filter skipped.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := client.XPending(ctx, "test.events", "pipeline.dispatcher").Result()
		if err == nil && pending.Count == 0 {
			length, _ := client.XLen(ctx, "test.events").Result()
			if length != 2 {
				t.Errorf("stream length = %d, want 2", length)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("entries still pending after delivery")
}

func TestRedisBus_DeadLettersAfterRetries(t *testing.T) {
	dead := make(chan error, 1)
	bus, _ := newRedisBus(t, BusOptions{
		Retry: fastRetry(),
		DeadLetters: func(ctx context.Context, consumer string, env *Envelope, cause error) error {
			if consumer != "delivery" {
				t.Errorf("dead letter consumer = %s, want delivery", consumer)
			}
			dead <- cause
			return nil
		},
	})

	calls := 0
	bus.Subscribe("delivery", []EventType{ProductionComplete}, func(ctx context.Context, env *Envelope) error {
		calls++
		return errors.New("asset store unavailable")
	})

	ctx := context.Background()
	bus.Start(ctx)
	defer bus.Close()

	env, _ := New("test", "", &ProductionCompletePayload{OrderID: "o1", AssetURL: "https://cdn/o1.mp4"})
	bus.Publish(ctx, env)

	select {
	case cause := <-dead:
		if cause == nil || cause.Error() != "asset store unavailable" {
			t.Errorf("dead letter cause = %v, want asset store unavailable", cause)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event never dead-lettered")
	}

	if calls != DefaultMaxAttempts {
		t.Errorf("handler calls = %d, want %d", calls, DefaultMaxAttempts)
	}
}

func TestRedisBus_SubscribeAfterStart(t *testing.T) {
	bus, _ := newRedisBus(t, BusOptions{})
	bus.Start(context.Background())
	defer bus.Close()

	err := bus.Subscribe("late", nil, func(context.Context, *Envelope) error { return nil })
	if err == nil {
		t.Error("Subscribe() after Start() should fail")
	}
}
