package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultConfigPath = "config/config.json"

type Config struct {
	Environment string         `json:"environment"`
	LogLevel    string         `json:"log_level"`
	Database    DatabaseConfig `json:"database"`
	Redis       RedisConfig    `json:"redis"`
	Server      ServerConfig   `json:"server"`
	Stripe      StripeConfig   `json:"stripe"`
	Xendit      XenditConfig   `json:"xendit"`
	Security    SecurityConfig `json:"security"`
	Pipeline    PipelineConfig `json:"pipeline"`
	Delivery    DeliveryConfig `json:"delivery"`
	Worker      WorkerConfig   `json:"worker"`
	Bus         BusConfig      `json:"bus"`
	Notify      NotifyConfig   `json:"notify"`
	Alert       AlertConfig    `json:"alert"`
}

type DatabaseConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	User         string        `json:"user"`
	Password     string        `json:"password"`
	DBName       string        `json:"dbname"`
	SSLMode      string        `json:"sslmode"`
	MaxOpenConns int           `json:"max_open_conns"`
	MaxIdleConns int           `json:"max_idle_conns"`
	MaxLifetime  time.Duration `json:"max_lifetime"`
	MaxIdleTime  time.Duration `json:"max_idle_time"`
	// ReplicaDSNs serve event traces and stats reads when set.
	ReplicaDSNs []string `json:"replica_dsns"`
}

type RedisConfig struct {
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	Password    string        `json:"password"`
	DB          int           `json:"db"`
	PoolSize    int           `json:"pool_size"`
	MinIdle     int           `json:"min_idle"`
	ProgressTTL time.Duration `json:"progress_ttl"`
}

type ServerConfig struct {
	Port            string        `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	MaxHeaderBytes  int           `json:"max_header_bytes"`
	// PublicBaseURL prefixes download links and the worker callback URL.
	PublicBaseURL string `json:"public_base_url"`
}

type StripeConfig struct {
	Secret        string `json:"secret"`
	WebhookSecret string `json:"webhook_secret"`
	APIBase       string `json:"api_base"`
}

type XenditConfig struct {
	Secret        string        `json:"secret"`
	WebhookSecret string        `json:"webhook_secret"`
	APIBase       string        `json:"api_base"`
	Timeout       time.Duration `json:"timeout"`
	// Currencies routed to Xendit instead of Stripe.
	Currencies []string `json:"currencies"`
}

func (c XenditConfig) Enabled() bool {
	return c.Secret != ""
}

type SecurityConfig struct {
	JWTSecret          string `json:"jwt_secret"`
	JWTIssuer          string `json:"jwt_issuer"`
	JWTAudience        string `json:"jwt_audience"`
	TokenSecret        string `json:"token_secret"`
	ConversationSecret string `json:"conversation_secret"`
}

type PipelineConfig struct {
	RetryCeiling      int           `json:"retry_ceiling"`
	BackoffBase       time.Duration `json:"backoff_base"`
	BackoffMax        time.Duration `json:"backoff_max"`
	StuckThreshold    time.Duration `json:"stuck_threshold"`
	SweepInterval     time.Duration `json:"sweep_interval"`
	SweepBatchSize    int           `json:"sweep_batch_size"`
	MaxResurrections  int           `json:"max_resurrections"`
	IdempotencyTTL    time.Duration `json:"idempotency_ttl"`
	ProcessingTimeout time.Duration `json:"processing_timeout"`
	// CleanupSchedule is a cron spec for expired idempotency key removal.
	CleanupSchedule string `json:"cleanup_schedule"`

	Currency        string        `json:"currency"`
	SuccessURL      string        `json:"success_url"`
	CancelURL       string        `json:"cancel_url"`
	SessionTTL      time.Duration `json:"session_ttl"`
	AmountTolerance float64       `json:"amount_tolerance"`
	AutoCheckout    bool          `json:"auto_checkout"`
}

type DeliveryConfig struct {
	MaxDownloads           int           `json:"max_downloads"`
	EnterpriseMaxDownloads int           `json:"enterprise_max_downloads"`
	TokenTTL               time.Duration `json:"token_ttl"`
	EnterpriseTTLFactor    int           `json:"enterprise_ttl_factor"`
	RateLimitRPS           float64       `json:"rate_limit_rps"`
	RateLimitBurst         int           `json:"rate_limit_burst"`
}

type WorkerConfig struct {
	URL     string        `json:"url"`
	Secret  string        `json:"secret"`
	Timeout time.Duration `json:"timeout"`
	// CallbackSecret verifies progress callbacks posted back by the worker.
	CallbackSecret string `json:"callback_secret"`
}

const (
	BusDriverMemory = "memory"
	BusDriverRedis  = "redis"
)

type BusConfig struct {
	Driver      string `json:"driver"`
	Stream      string `json:"stream"`
	GroupPrefix string `json:"group_prefix"`
	Consumer    string `json:"consumer"`
	MaxLen      int64  `json:"max_len"`
	MaxAttempts int    `json:"max_attempts"`
}

type NotifyConfig struct {
	URL     string        `json:"url"`
	Secret  string        `json:"secret"`
	Events  []string      `json:"events"`
	Timeout time.Duration `json:"timeout"`
	Retries int           `json:"retries"`
}

func (c NotifyConfig) Enabled() bool {
	return c.URL != ""
}

// Subscribes reports whether eventType passes the events filter. An empty
// filter subscribes to everything.
func (c NotifyConfig) Subscribes(eventType string) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// AlertConfig drives the pipeline alert rules. A negative threshold
// disables its rule.
type AlertConfig struct {
	Schedule            string        `json:"schedule"`
	Cooldown            time.Duration `json:"cooldown"`
	DeadLetterThreshold int           `json:"dead_letter_threshold"`
	StuckThreshold      int           `json:"stuck_threshold"`
	AbandonedThreshold  int           `json:"abandoned_threshold"`
}

// LoadConfig reads CONFIG_FILE (default config/config.json) when it exists,
// applies environment overrides, then fills environment defaults.
func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = defaultConfigPath
	}
	return LoadConfigFrom(path)
}

func LoadConfigFrom(path string) (*Config, error) {
	config := &Config{}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = env
	}
	if config.Environment == "" {
		config.Environment = "development"
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, err
	}
	config.setDefaults()
	config.setEnvironmentDefaults()

	return config, nil
}

func (c *Config) loadFromEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")

	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.DBName, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")
	if replicas := os.Getenv("DB_REPLICA_DSNS"); replicas != "" {
		c.Database.ReplicaDSNs = splitList(replicas)
	}

	setString(&c.Redis.Host, "REDIS_HOST")
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	setString(&c.Server.Port, "SERVER_PORT")
	setString(&c.Server.PublicBaseURL, "PUBLIC_BASE_URL")

	setString(&c.Stripe.Secret, "STRIPE_SECRET")
	setString(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&c.Xendit.Secret, "XENDIT_SECRET")
	setString(&c.Xendit.WebhookSecret, "XENDIT_WEBHOOK_SECRET")
	if currencies := os.Getenv("XENDIT_CURRENCIES"); currencies != "" {
		c.Xendit.Currencies = splitList(currencies)
	}

	setString(&c.Security.JWTSecret, "JWT_SECRET")
	setString(&c.Security.TokenSecret, "TOKEN_SECRET")
	setString(&c.Security.ConversationSecret, "CONVERSATION_SECRET")

	setString(&c.Worker.URL, "WORKER_URL")
	setString(&c.Worker.Secret, "WORKER_SECRET")
	setString(&c.Worker.CallbackSecret, "WORKER_CALLBACK_SECRET")

	setString(&c.Bus.Driver, "BUS_DRIVER")
	setString(&c.Bus.Consumer, "BUS_CONSUMER")

	setString(&c.Notify.URL, "NOTIFY_URL")
	setString(&c.Notify.Secret, "NOTIFY_SECRET")
	setString(&c.Alert.Schedule, "ALERT_SCHEDULE")

	ints := map[string]*int{
		"DB_PORT":       &c.Database.Port,
		"REDIS_PORT":    &c.Redis.Port,
		"REDIS_DB":      &c.Redis.DB,
		"RETRY_CEILING": &c.Pipeline.RetryCeiling,
		"MAX_DOWNLOADS": &c.Delivery.MaxDownloads,
	}
	for key, dst := range ints {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}

	durations := map[string]*time.Duration{
		"WORKER_TIMEOUT":  &c.Worker.Timeout,
		"STUCK_THRESHOLD": &c.Pipeline.StuckThreshold,
		"SWEEP_INTERVAL":  &c.Pipeline.SweepInterval,
		"TOKEN_TTL":       &c.Delivery.TokenTTL,
	}
	for key, dst := range durations {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// setDefaults fills values that do not depend on the environment.
func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.ProgressTTL == 0 {
		c.Redis.ProgressTTL = 24 * time.Hour
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.PublicBaseURL == "" {
		c.Server.PublicBaseURL = "http://localhost:" + c.Server.Port
	}
	if c.Security.JWTIssuer == "" {
		c.Security.JWTIssuer = "reelpipe"
	}
	if c.Security.JWTAudience == "" {
		c.Security.JWTAudience = "reelpipe-admin"
	}

	p := &c.Pipeline
	if p.RetryCeiling == 0 {
		p.RetryCeiling = 3
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffMax == 0 {
		p.BackoffMax = time.Minute
	}
	if p.StuckThreshold == 0 {
		p.StuckThreshold = 10 * time.Minute
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = 60 * time.Second
	}
	if p.SweepBatchSize == 0 {
		p.SweepBatchSize = 10
	}
	if p.MaxResurrections == 0 {
		p.MaxResurrections = 3
	}
	if p.IdempotencyTTL == 0 {
		p.IdempotencyTTL = 24 * time.Hour
	}
	if p.ProcessingTimeout == 0 {
		p.ProcessingTimeout = 5 * time.Minute
	}
	if p.CleanupSchedule == "" {
		p.CleanupSchedule = "@hourly"
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.SessionTTL == 0 {
		p.SessionTTL = 30 * time.Minute
	}
	if p.AmountTolerance == 0 {
		p.AmountTolerance = 0.01
	}

	d := &c.Delivery
	if d.MaxDownloads == 0 {
		d.MaxDownloads = 10
	}
	if d.EnterpriseMaxDownloads == 0 {
		d.EnterpriseMaxDownloads = 50
	}
	if d.TokenTTL == 0 {
		d.TokenTTL = 168 * time.Hour
	}
	if d.EnterpriseTTLFactor == 0 {
		d.EnterpriseTTLFactor = 2
	}

	if c.Worker.Timeout == 0 {
		c.Worker.Timeout = 30 * time.Second
	}
	if c.Xendit.Timeout == 0 {
		c.Xendit.Timeout = 30 * time.Second
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = BusDriverMemory
	}
	if c.Bus.Stream == "" {
		c.Bus.Stream = "reelpipe:events"
	}
	if c.Bus.GroupPrefix == "" {
		c.Bus.GroupPrefix = "reelpipe"
	}
	if c.Bus.Consumer == "" {
		if host, err := os.Hostname(); err == nil {
			c.Bus.Consumer = host
		} else {
			c.Bus.Consumer = "reelpipe-1"
		}
	}
	if c.Bus.MaxAttempts == 0 {
		c.Bus.MaxAttempts = 3
	}

	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 10 * time.Second
	}
	if c.Notify.Retries == 0 {
		c.Notify.Retries = 3
	}

	a := &c.Alert
	if a.Schedule == "" {
		a.Schedule = "@every 1m"
	}
	if a.Cooldown == 0 {
		a.Cooldown = 15 * time.Minute
	}
	if a.DeadLetterThreshold == 0 {
		a.DeadLetterThreshold = 1
	}
	if a.StuckThreshold == 0 {
		a.StuckThreshold = 5
	}
	if a.AbandonedThreshold == 0 {
		a.AbandonedThreshold = 1
	}
}

func (c *Config) setEnvironmentDefaults() {
	switch c.Environment {
	case "production":
		c.setProductionDefaults()
	case "staging":
		c.setStagingDefaults()
	default: // development
		c.setDevelopmentDefaults()
	}
}

func (c *Config) setDevelopmentDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Delivery.RateLimitRPS == 0 {
		c.Delivery.RateLimitRPS = 10
	}
	if c.Delivery.RateLimitBurst == 0 {
		c.Delivery.RateLimitBurst = 20
	}
}

func (c *Config) setStagingDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 50
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Delivery.RateLimitRPS == 0 {
		c.Delivery.RateLimitRPS = 2
	}
	if c.Delivery.RateLimitBurst == 0 {
		c.Delivery.RateLimitBurst = 5
	}
}

func (c *Config) setProductionDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 20
	}
	if c.Database.MaxLifetime == 0 {
		c.Database.MaxLifetime = time.Hour
	}
	if c.Database.MaxIdleTime == 0 {
		c.Database.MaxIdleTime = 10 * time.Minute
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 50
	}
	if c.Redis.MinIdle == 0 {
		c.Redis.MinIdle = 5
	}
	if c.Delivery.RateLimitRPS == 0 {
		c.Delivery.RateLimitRPS = 1
	}
	if c.Delivery.RateLimitBurst == 0 {
		c.Delivery.RateLimitBurst = 5
	}
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
