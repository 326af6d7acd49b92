package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/testutil"
)

func TestIdempotencyStore_Begin(t *testing.T) {
	ctx := context.Background()
	store := CreateIdempotencyStore(testutil.NewTestDB(t), time.Minute)

	first, err := store.Begin(ctx, "order:o1:submit", time.Hour)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if !first.Started() {
		t.Fatalf("Begin() outcome = %s, want %s", first.Outcome, models.BeginStarted)
	}

	second, err := store.Begin(ctx, "order:o1:submit", time.Hour)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if second.Outcome != models.BeginAlreadyProcessing {
		t.Errorf("Begin() outcome = %s, want %s", second.Outcome, models.BeginAlreadyProcessing)
	}
	if second.Stale {
		t.Error("Begin() reported a fresh lock as stale")
	}

	if err := store.Complete(ctx, "order:o1:submit", map[string]string{"job_id": "job-1"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	third, err := store.Begin(ctx, "order:o1:submit", time.Hour)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if third.Outcome != models.BeginAlreadyCompleted {
		t.Errorf("Begin() outcome = %s, want %s", third.Outcome, models.BeginAlreadyCompleted)
	}
	if string(third.Result) != `{"job_id":"job-1"}` {
		t.Errorf("Begin() result = %s, want stored result", third.Result)
	}

	if err := store.Complete(ctx, "order:o1:submit", nil); !errors.Is(err, ErrKeyNotProcessing) {
		t.Errorf("Complete() twice error = %v, want %v", err, ErrKeyNotProcessing)
	}
}

func TestIdempotencyStore_StaleProcessingIsNotRetaken(t *testing.T) {
	ctx := context.Background()
	store := CreateIdempotencyStore(testutil.NewTestDB(t), time.Minute)

	now := time.Now().UTC()
	store.SetClock(func() time.Time { return now })
	if _, err := store.Begin(ctx, "k", time.Hour); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	store.SetClock(func() time.Time { return now.Add(10 * time.Minute) })
	res, err := store.Begin(ctx, "k", time.Hour)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if res.Outcome != models.BeginAlreadyProcessing {
		t.Errorf("Begin() outcome = %s, want %s", res.Outcome, models.BeginAlreadyProcessing)
	}
	if !res.Stale {
		t.Error("Begin() should flag a lock held past the processing timeout")
	}
}

func TestIdempotencyStore_ExpiredKeyIsReused(t *testing.T) {
	ctx := context.Background()
	store := CreateIdempotencyStore(testutil.NewTestDB(t), time.Minute)

	now := time.Now().UTC()
	store.SetClock(func() time.Time { return now })
	store.Begin(ctx, "k", time.Hour)
	store.Complete(ctx, "k", "done")

	store.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
	res, err := store.Begin(ctx, "k", time.Hour)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if !res.Started() {
		t.Errorf("Begin() outcome = %s, want %s", res.Outcome, models.BeginStarted)
	}
	if res.Key.Attempts != 2 {
		t.Errorf("Begin() attempts = %d, want 2", res.Key.Attempts)
	}
}

func TestIdempotencyStore_FailedKeyIsReclaimable(t *testing.T) {
	ctx := context.Background()
	store := CreateIdempotencyStore(testutil.NewTestDB(t), time.Minute)

	store.Begin(ctx, "k", time.Hour)
	if err := store.Fail(ctx, "k", errors.New("worker 503")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	rec, _ := store.Get(ctx, "k")
	if rec.Status != models.IdempotencyStatusFailed || rec.Error != "worker 503" {
		t.Errorf("Get() = %s/%q, want failed/worker 503", rec.Status, rec.Error)
	}

	res, err := store.Begin(ctx, "k", time.Hour)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if !res.Started() {
		t.Errorf("Begin() outcome = %s, want %s", res.Outcome, models.BeginStarted)
	}
}

func TestIdempotencyStore_Run(t *testing.T) {
	ctx := context.Background()
	store := CreateIdempotencyStore(testutil.NewTestDB(t), time.Minute)

	calls := 0
	fn := func(context.Context) (interface{}, error) {
		calls++
		return map[string]int{"n": calls}, nil
	}

	body, executed, err := store.Run(ctx, "charge:evt_1", time.Hour, fn)
	if err != nil || !executed {
		t.Fatalf("Run() = %v, %v, want executed", executed, err)
	}
	replay, executed, err := store.Run(ctx, "charge:evt_1", time.Hour, fn)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if executed {
		t.Error("Run() executed a completed key again")
	}
	if calls != 1 {
		t.Errorf("fn calls = %d, want 1", calls)
	}
	if string(body) != string(replay) {
		t.Errorf("Run() replay = %s, want %s", replay, body)
	}
}

func TestIdempotencyStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := CreateIdempotencyStore(testutil.NewTestDB(t), time.Minute)

	now := time.Now().UTC()
	store.SetClock(func() time.Time { return now })
	store.Begin(ctx, "old", time.Minute)
	store.Begin(ctx, "fresh", 48*time.Hour)

	store.SetClock(func() time.Time { return now.Add(time.Hour) })
	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", removed)
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Errorf("Get(fresh) error = %v", err)
	}
}
