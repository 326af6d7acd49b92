package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/malwarebo/reelpipe/cache"
	"github.com/malwarebo/reelpipe/config"
	dbsetup "github.com/malwarebo/reelpipe/config/db"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/monitoring"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/resilience"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
	"github.com/malwarebo/reelpipe/webhooks"
	"github.com/redis/go-redis/v9"
)

// application is every long-lived component built from one Config.
type application struct {
	cfg      *config.Config
	db       *dbsetup.DB
	redis    *redis.Client
	bus      events.Bus
	executor *resilience.ProviderExecutor
	router   *providers.Router
	pipeline *services.Pipeline
	health   *utils.HealthChecker
	alerts   *monitoring.AlertManager
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	utils.SetLevel(utils.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func openDB(cfg *config.Config) (*dbsetup.DB, error) {
	return dbsetup.CreateDB(cfg.Database, cfg.GetDatabaseURL(), cfg.LogLevel)
}

func buildApplication(cfg *config.Config) (*application, error) {
	app := &application{cfg: cfg}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	app.db = db

	if cfg.Redis.Host != "" {
		client, err := cache.CreateRedisClient(cache.RedisConfig{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdle,
		})
		if err != nil {
			if cfg.Bus.Driver == config.BusDriverRedis {
				app.Close()
				return nil, err
			}
			utils.Warn(context.Background(), "redis unavailable, progress kept in memory", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			app.redis = client
		}
	}

	app.executor = resilience.CreateProviderExecutor(resilience.ProviderExecutorConfig{
		CircuitBreakerConfig: resilience.CircuitBreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 1,
		},
		Timeouts: map[string]time.Duration{
			providers.WorkerName: cfg.Worker.Timeout,
			providers.XenditName: cfg.Xendit.Timeout,
		},
		DefaultTimeout: 30 * time.Second,
	})

	app.router = buildRouter(cfg, app.executor)
	worker := providers.NewWorkerClient(providers.WorkerConfig{
		URL:     cfg.Worker.URL,
		Secret:  cfg.Worker.Secret,
		Timeout: cfg.Worker.Timeout,
	}, app.executor)

	var progress cache.ProgressStore = cache.CreateMemoryProgressStore(cfg.Redis.ProgressTTL)
	if app.redis != nil {
		progress = cache.CreateRedisProgressStore(app.redis, cfg.Redis.ProgressTTL)
	}

	hasher, err := security.CreateTokenHasher(cfg.Security.TokenSecret)
	if err != nil {
		app.Close()
		return nil, err
	}

	notifier := buildNotifier(cfg)

	// The bus dead-letters through the pipeline, which is built on the bus.
	var pipeline *services.Pipeline
	sink := func(ctx context.Context, consumer string, env *events.Envelope, cause error) error {
		return pipeline.DeadLetters.Sink(ctx, consumer, env, cause)
	}
	busOpts := events.BusOptions{
		MaxAttempts: cfg.Bus.MaxAttempts,
		Retry: &utils.RetryConfig{
			MaxAttempts: cfg.Bus.MaxAttempts,
			BaseDelay:   cfg.Pipeline.BackoffBase,
			MaxDelay:    cfg.Pipeline.BackoffMax,
			Multiplier:  2.0,
			Jitter:      true,
			BackoffType: utils.ExponentialJitter,
		},
		DeadLetters: sink,
	}
	switch cfg.Bus.Driver {
	case config.BusDriverRedis:
		app.bus = events.NewRedisBus(app.redis, events.RedisBusConfig{
			Stream:      cfg.Bus.Stream,
			GroupPrefix: cfg.Bus.GroupPrefix,
			Consumer:    cfg.Bus.Consumer,
			MaxLen:      cfg.Bus.MaxLen,
		}, busOpts)
	default:
		app.bus = events.NewMemoryBus(busOpts)
	}

	pipeline = services.NewPipeline(services.PipelineConfig{
		RetryCeiling: cfg.Pipeline.RetryCeiling,
		KeyTTL:       cfg.Pipeline.IdempotencyTTL,
		Gateway: services.GatewayConfig{
			Currency:        cfg.Pipeline.Currency,
			SuccessURL:      cfg.Pipeline.SuccessURL,
			CancelURL:       cfg.Pipeline.CancelURL,
			SessionTTL:      cfg.Pipeline.SessionTTL,
			KeyTTL:          cfg.Pipeline.IdempotencyTTL,
			AmountTolerance: cfg.Pipeline.AmountTolerance,
			AutoCheckout:    cfg.Pipeline.AutoCheckout,
		},
		Dispatcher: services.DispatcherConfig{
			CallbackURL: strings.TrimRight(cfg.Server.PublicBaseURL, "/") + "/api/v1/production/callbacks",
			KeyTTL:      cfg.Pipeline.IdempotencyTTL,
			Backoff: &utils.RetryConfig{
				MaxAttempts: cfg.Pipeline.RetryCeiling,
				BaseDelay:   cfg.Pipeline.BackoffBase,
				MaxDelay:    cfg.Pipeline.BackoffMax,
				Multiplier:  2.0,
				BackoffType: utils.Exponential,
			},
		},
		Delivery: services.DeliveryConfig{
			MaxDownloads:           cfg.Delivery.MaxDownloads,
			EnterpriseMaxDownloads: cfg.Delivery.EnterpriseMaxDownloads,
			TokenTTL:               cfg.Delivery.TokenTTL,
			EnterpriseTTLFactor:    cfg.Delivery.EnterpriseTTLFactor,
			PublicBaseURL:          cfg.Server.PublicBaseURL,
			KeyTTL:                 cfg.Pipeline.IdempotencyTTL,
		},
		Resurrection: services.ResurrectionConfig{
			StuckThreshold:   cfg.Pipeline.StuckThreshold,
			BatchSize:        cfg.Pipeline.SweepBatchSize,
			MaxResurrections: cfg.Pipeline.MaxResurrections,
		},
	}, services.PipelineDeps{
		Stores:   stores.CreateStores(db.GetDB(), cfg.Pipeline.ProcessingTimeout),
		Bus:      app.bus,
		Router:   app.router,
		Worker:   worker,
		Progress: progress,
		Hasher:   hasher,
		Notifier: notifier,
	})
	app.pipeline = pipeline

	if err := pipeline.Subscribe(app.bus); err != nil {
		app.Close()
		return nil, fmt.Errorf("subscribe pipeline: %w", err)
	}

	app.health = utils.CreateHealthChecker(15*time.Second, 3*time.Second)
	app.health.Register("database", db.Ping)
	if app.redis != nil {
		app.health.Register("redis", func(ctx context.Context) error {
			return app.redis.Ping(ctx).Err()
		})
	}
	app.health.Register("providers", func(ctx context.Context) error {
		var open []string
		for name, state := range app.executor.States() {
			if state == resilience.CircuitOpen.String() {
				open = append(open, name)
			}
		}
		if len(open) > 0 {
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		}
		return nil
	})

	app.alerts = buildAlerts(cfg, pipeline, app.executor, notifier)

	return app, nil
}

func buildAlerts(cfg *config.Config, pipeline *services.Pipeline, executor *resilience.ProviderExecutor, notifier services.Notifier) *monitoring.AlertManager {
	channels := []monitoring.AlertChannel{monitoring.LogAlertChannel{}}
	if notifier != nil {
		channels = append(channels, monitoring.NotifierAlertChannel{Notifier: notifier})
	}
	collect := monitoring.PipelineCollector(pipeline.Stores.DeadLetters, pipeline.Resurrection, executor)
	alerts := monitoring.NewAlertManager(collect, channels...)
	for _, rule := range monitoring.DefaultRules(cfg.Alert) {
		alerts.AddRule(rule)
	}
	return alerts
}

// buildRouter sends every currency to Stripe unless it is listed for Xendit.
func buildRouter(cfg *config.Config, executor *resilience.ProviderExecutor) *providers.Router {
	stripe := providers.NewStripeProvider(providers.StripeConfig{
		SecretKey:     cfg.Stripe.Secret,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		APIBase:       cfg.Stripe.APIBase,
	}, executor)

	if !cfg.Xendit.Enabled() {
		return providers.CreateRouter(providers.StripeName, stripe)
	}

	xendit := providers.CreateXenditProvider(providers.XenditConfig{
		SecretKey:     cfg.Xendit.Secret,
		WebhookSecret: cfg.Xendit.WebhookSecret,
		APIBase:       cfg.Xendit.APIBase,
		Timeout:       cfg.Xendit.Timeout,
	}, executor)

	router := providers.CreateRouter(providers.StripeName, stripe, xendit)
	for _, currency := range cfg.Xendit.Currencies {
		router.RouteCurrency(currency, providers.XenditName)
	}
	return router
}

func buildNotifier(cfg *config.Config) services.Notifier {
	if !cfg.Notify.Enabled() {
		return nil
	}
	subscribed := cfg.Notify.Events
	if len(subscribed) == 0 {
		subscribed = []string{"*"}
	}
	return webhooks.CreateNotifier(&webhooks.WebhookEndpoint{
		URL:        cfg.Notify.URL,
		Events:     subscribed,
		Secret:     cfg.Notify.Secret,
		IsActive:   true,
		RetryCount: cfg.Notify.Retries,
		Timeout:    cfg.Notify.Timeout,
	})
}

func (a *application) Close() {
	if a.health != nil {
		a.health.Stop()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			utils.Warn(context.Background(), "bus close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
