package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malwarebo/reelpipe/monitoring"
	"github.com/malwarebo/reelpipe/services"
)

type fakeSweeper struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSweeper) Sweep(ctx context.Context) (*services.SweepReport, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &services.SweepReport{Scanned: 2, Resurrected: 1, Skipped: 1}, nil
}

type fakeCleaner struct {
	calls atomic.Int32
}

func (f *fakeCleaner) CleanupExpired(ctx context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, nil
}

type fakeEvaluator struct {
	calls atomic.Int32
}

func (f *fakeEvaluator) Evaluate(ctx context.Context) ([]*monitoring.Alert, error) {
	f.calls.Add(1)
	return nil, nil
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(within)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("condition not met within %s", within)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func TestScheduler_RunsJobs(t *testing.T) {
	sweeper := &fakeSweeper{}
	cleaner := &fakeCleaner{}

	s := New()
	if err := s.Add(SweepJob(time.Second, sweeper)); err != nil {
		t.Fatalf("Add(sweep) error = %v", err)
	}
	if err := s.Add(IdempotencyCleanupJob("* * * * * *", cleaner)); err != nil {
		t.Fatalf("Add(cleanup) error = %v", err)
	}

	s.Start()
	defer s.Stop()

	waitFor(t, 2500*time.Millisecond, func() bool {
		return sweeper.calls.Load() > 0 && cleaner.calls.Load() > 0
	})
}

func TestAlertJob(t *testing.T) {
	evaluator := &fakeEvaluator{}

	s := New()
	if err := s.Add(AlertJob("@every 1s", evaluator)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Start()
	defer s.Stop()

	waitFor(t, 2500*time.Millisecond, func() bool { return evaluator.calls.Load() > 0 })
}

func TestScheduler_FailingJobKeepsRunning(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db unavailable")}

	s := New()
	if err := s.Add(SweepJob(time.Second, sweeper)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Start()
	defer s.Stop()

	waitFor(t, 3500*time.Millisecond, func() bool { return sweeper.calls.Load() >= 2 })
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	var running, maxRunning, runs atomic.Int32
	release := make(chan struct{})

	s := New()
	err := s.Add(Job{
		Name: "slow",
		Spec: "* * * * * *",
		Run: func(ctx context.Context) error {
			n := running.Add(1)
			defer running.Add(-1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			runs.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	s.Start()
	waitFor(t, 2500*time.Millisecond, func() bool { return runs.Load() > 0 })
	time.Sleep(1500 * time.Millisecond)
	close(release)
	s.Stop()

	if got := maxRunning.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
}

func TestScheduler_Add(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{name: "descriptor", job: Job{Name: "a", Spec: "@hourly", Run: func(context.Context) error { return nil }}},
		{name: "five field", job: Job{Name: "b", Spec: "*/5 * * * *", Run: func(context.Context) error { return nil }}},
		{name: "garbage spec", job: Job{Name: "c", Spec: "whenever", Run: func(context.Context) error { return nil }}, wantErr: true},
		{name: "no run func", job: Job{Name: "d", Spec: "@hourly"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			err := s.Add(tt.job)
			if (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if _, ok := s.Next(tt.job.Name); !ok {
					t.Errorf("Next(%s) ok = false, want true", tt.job.Name)
				}
			}
		})
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
