package config

import (
	"fmt"
	"net/url"

	"github.com/malwarebo/reelpipe/models"
)

func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Bus.Driver == BusDriverRedis {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Stripe.Validate(); err != nil {
		return fmt.Errorf("stripe config: %w", err)
	}

	if err := c.Xendit.Validate(); err != nil {
		return fmt.Errorf("xendit config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Delivery.Validate(); err != nil {
		return fmt.Errorf("delivery config: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}

	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus config: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify config: %w", err)
	}

	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if _, err := url.ParseRequestURI(c.PublicBaseURL); err != nil {
		return fmt.Errorf("public base url: %w", err)
	}
	return nil
}

func (c *RedisConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	return nil
}

func (c *StripeConfig) Validate() error {
	if c.Secret == "" || c.Secret == "your_stripe_secret_key" {
		return fmt.Errorf("stripe secret key is required - set STRIPE_SECRET environment variable")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required - set STRIPE_WEBHOOK_SECRET environment variable")
	}
	return nil
}

// Validate allows Xendit to be left out entirely.
func (c *XenditConfig) Validate() error {
	if !c.Enabled() {
		if len(c.Currencies) > 0 {
			return fmt.Errorf("currencies %v are routed to xendit but no secret key is set", c.Currencies)
		}
		return nil
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("xendit callback token is required - set XENDIT_WEBHOOK_SECRET environment variable")
	}
	return nil
}

func (c *SecurityConfig) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt secret must be at least 32 characters")
	}
	if len(c.TokenSecret) < 16 {
		return fmt.Errorf("token secret must be at least 16 characters")
	}
	if c.ConversationSecret == "" {
		return fmt.Errorf("conversation secret is required")
	}
	return nil
}

func (c *PipelineConfig) Validate() error {
	if c.RetryCeiling < 1 {
		return fmt.Errorf("retry ceiling must be at least 1")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff max %s is below backoff base %s", c.BackoffMax, c.BackoffBase)
	}
	if c.StuckThreshold <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("stuck threshold and sweep interval must be positive")
	}
	if c.SweepBatchSize < 1 || c.MaxResurrections < 1 {
		return fmt.Errorf("sweep batch size and max resurrections must be at least 1")
	}
	if c.IdempotencyTTL <= c.ProcessingTimeout {
		return fmt.Errorf("idempotency ttl %s must exceed processing timeout %s", c.IdempotencyTTL, c.ProcessingTimeout)
	}
	if c.AmountTolerance < 0 || c.AmountTolerance >= 1 {
		return fmt.Errorf("amount tolerance %v must be in [0, 1)", c.AmountTolerance)
	}
	if !models.IsPricedCurrency(c.Currency) {
		return fmt.Errorf("currency %q has no tier prices", c.Currency)
	}
	return nil
}

func (c *DeliveryConfig) Validate() error {
	if c.MaxDownloads < 1 || c.EnterpriseMaxDownloads < c.MaxDownloads {
		return fmt.Errorf("download limits %d/%d are invalid", c.MaxDownloads, c.EnterpriseMaxDownloads)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("download rate limit must be positive")
	}
	return nil
}

func (c *WorkerConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required - set WORKER_URL environment variable")
	}
	if _, err := url.ParseRequestURI(c.URL); err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if c.CallbackSecret == "" {
		return fmt.Errorf("callback secret is required - set WORKER_CALLBACK_SECRET environment variable")
	}
	return nil
}

func (c *BusConfig) Validate() error {
	switch c.Driver {
	case BusDriverMemory, BusDriverRedis:
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	return nil
}

func (c *NotifyConfig) Validate() error {
	if !c.Enabled() {
		return fmt.Errorf("url is required to deliver download links")
	}
	if _, err := url.ParseRequestURI(c.URL); err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required when a notify url is set")
	}
	if len(c.Events) > 0 && !c.Subscribes("delivery.ready") {
		return fmt.Errorf("events must include delivery.ready")
	}
	return nil
}
