package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/malwarebo/reelpipe/monitoring"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/utils"
	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions, an optional seconds field and
// descriptors such as @hourly or @every 1m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs background maintenance jobs. A job whose previous run is
// still in flight is skipped rather than stacked.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context

	mu      sync.Mutex
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
		),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}

	id, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.Name, err)
	}

	s.mu.Lock()
	s.entries[job.Name] = id
	s.mu.Unlock()

	utils.Info(s.ctx, "scheduled job", map[string]interface{}{
		"job":      job.Name,
		"schedule": job.Spec,
	})
	return nil
}

func (s *Scheduler) execute(job Job) {
	ctx := utils.WithAgent(s.ctx, "scheduler")
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := job.Run(ctx)
	took := time.Since(start)

	labels := map[string]string{"job": job.Name, "outcome": "ok"}
	if err != nil {
		labels["outcome"] = "error"
		utils.Error(ctx, "scheduled job failed", map[string]interface{}{
			"job":   job.Name,
			"error": err.Error(),
		})
	} else {
		utils.Debug(ctx, "scheduled job finished", map[string]interface{}{
			"job":         job.Name,
			"duration_ms": took.Milliseconds(),
		})
	}
	utils.IncrementCounter("scheduler_runs_total", labels)
	utils.RecordHistogram("scheduler_run_seconds", took.Seconds(), map[string]string{"job": job.Name})
}

// Next reports when the named job fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

type Sweeper interface {
	Sweep(ctx context.Context) (*services.SweepReport, error)
}

type KeyCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// SweepJob re-drives stuck orders every interval. Each pass gets at most
// one interval to finish.
func SweepJob(interval time.Duration, sweeper Sweeper) Job {
	return Job{
		Name:    "resurrection_sweep",
		Spec:    "@every " + interval.String(),
		Timeout: interval,
		Run: func(ctx context.Context) error {
			report, err := sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			if report.Scanned > 0 {
				utils.Info(ctx, "resurrection sweep finished", map[string]interface{}{
					"scanned":     report.Scanned,
					"resurrected": report.Resurrected,
					"skipped":     report.Skipped,
					"abandoned":   report.Abandoned,
					"errors":      len(report.Errors),
				})
			}
			return nil
		},
	}
}

func IdempotencyCleanupJob(spec string, cleaner KeyCleaner) Job {
	return Job{
		Name:    "idempotency_cleanup",
		Spec:    spec,
		Timeout: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			removed, err := cleaner.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			if removed > 0 {
				utils.Info(ctx, "expired idempotency keys removed", map[string]interface{}{
					"removed": removed,
				})
			}
			return nil
		},
	}
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context) ([]*monitoring.Alert, error)
}

func AlertJob(spec string, evaluator AlertEvaluator) Job {
	return Job{
		Name:    "alert_evaluation",
		Spec:    spec,
		Timeout: 30 * time.Second,
		Run: func(ctx context.Context) error {
			_, err := evaluator.Evaluate(ctx)
			return err
		},
	}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	utils.Debug(context.Background(), "cron: "+msg, kvFields(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = fmt.Sprint(err)
	utils.Error(context.Background(), "cron: "+msg, fields)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
