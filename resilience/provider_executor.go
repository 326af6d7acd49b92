package resilience

import (
	"context"
	"sync"
	"time"
)

// ProviderExecutor keeps one circuit breaker per external dependency (payment
// providers, the production worker) and applies a per-call timeout.
type ProviderExecutor struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	timeouts map[string]time.Duration
	mu       sync.RWMutex
}

type ProviderExecutorConfig struct {
	CircuitBreakerConfig CircuitBreakerConfig
	// Timeouts bounds every call to the named dependency. Calls to names
	// without an entry use DefaultTimeout.
	Timeouts       map[string]time.Duration
	DefaultTimeout time.Duration
}

func CreateProviderExecutor(cfg ProviderExecutorConfig) *ProviderExecutor {
	timeouts := make(map[string]time.Duration, len(cfg.Timeouts)+1)
	for name, d := range cfg.Timeouts {
		timeouts[name] = d
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	timeouts[""] = cfg.DefaultTimeout

	return &ProviderExecutor{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg.CircuitBreakerConfig,
		timeouts: timeouts,
	}
}

func DefaultProviderExecutorConfig() ProviderExecutorConfig {
	return ProviderExecutorConfig{
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 1,
		},
		DefaultTimeout: 30 * time.Second,
	}
}

// Execute runs fn through the named breaker with the dependency's timeout.
// Exceeding the timeout surfaces as context.DeadlineExceeded, never as success.
func (pe *ProviderExecutor) Execute(ctx context.Context, provider string, fn func(context.Context) error) error {
	breaker := pe.getOrCreateBreaker(provider)

	callCtx, cancel := context.WithTimeout(ctx, pe.timeout(provider))
	defer cancel()

	return breaker.Execute(callCtx, fn)
}

func (pe *ProviderExecutor) timeout(provider string) time.Duration {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	if d, ok := pe.timeouts[provider]; ok && d > 0 {
		return d
	}
	return pe.timeouts[""]
}

func (pe *ProviderExecutor) getOrCreateBreaker(provider string) *CircuitBreaker {
	pe.mu.RLock()
	breaker, exists := pe.breakers[provider]
	pe.mu.RUnlock()

	if exists {
		return breaker
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()

	if breaker, exists = pe.breakers[provider]; exists {
		return breaker
	}

	cfg := pe.config
	cfg.Name = provider
	breaker = CreateCircuitBreaker(cfg)
	pe.breakers[provider] = breaker

	return breaker
}

func (pe *ProviderExecutor) GetBreakerState(provider string) CircuitState {
	pe.mu.RLock()
	breaker, exists := pe.breakers[provider]
	pe.mu.RUnlock()

	if !exists {
		return CircuitClosed
	}
	return breaker.State()
}

// States reports every breaker created so far, keyed by dependency name.
func (pe *ProviderExecutor) States() map[string]string {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	out := make(map[string]string, len(pe.breakers))
	for name, breaker := range pe.breakers {
		out[name] = breaker.State().String()
	}
	return out
}

func (pe *ProviderExecutor) ResetBreaker(provider string) {
	pe.mu.RLock()
	breaker, exists := pe.breakers[provider]
	pe.mu.RUnlock()

	if exists {
		breaker.Reset()
	}
}

func (pe *ProviderExecutor) IsProviderHealthy(provider string) bool {
	return pe.GetBreakerState(provider) != CircuitOpen
}
