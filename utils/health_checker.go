package utils

import (
	"context"
	"sync"
	"time"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

type CheckFunc func(ctx context.Context) error

type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthChecker runs named dependency checks on an interval and serves the
// last result, so a health check never blocks on a slow dependency.
type HealthChecker struct {
	checks   map[string]CheckFunc
	interval time.Duration
	timeout  time.Duration
	results  map[string]ComponentHealth
	mutex    sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
}

func CreateHealthChecker(interval, timeout time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthChecker{
		checks:   make(map[string]CheckFunc),
		interval: interval,
		timeout:  timeout,
		results:  make(map[string]ComponentHealth),
		stopChan: make(chan struct{}),
	}
}

// Register must be called before Start.
func (hc *HealthChecker) Register(name string, check CheckFunc) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()
	hc.checks[name] = check
	hc.results[name] = ComponentHealth{Status: StatusUnknown}
}

func (hc *HealthChecker) Start() {
	hc.CheckNow()
	go hc.run()
}

func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}

func (hc *HealthChecker) run() {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.CheckNow()
		case <-hc.stopChan:
			return
		}
	}
}

// CheckNow runs every check once and stores the results.
func (hc *HealthChecker) CheckNow() {
	hc.mutex.RLock()
	checks := make(map[string]CheckFunc, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mutex.RUnlock()

	for name, check := range checks {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		err := check(ctx)
		cancel()

		result := ComponentHealth{Status: StatusHealthy, CheckedAt: time.Now().UTC()}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			Warn(context.Background(), "health check failed", map[string]interface{}{
				"component": name,
				"error":     err.Error(),
			})
		}

		hc.mutex.Lock()
		hc.results[name] = result
		hc.mutex.Unlock()
	}
}

func (hc *HealthChecker) Results() map[string]ComponentHealth {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	out := make(map[string]ComponentHealth, len(hc.results))
	for name, result := range hc.results {
		out[name] = result
	}
	return out
}

// IsHealthy is true once every check has passed at least once and none is
// currently failing.
func (hc *HealthChecker) IsHealthy() bool {
	for _, result := range hc.Results() {
		if result.Status != StatusHealthy {
			return false
		}
	}
	return true
}
