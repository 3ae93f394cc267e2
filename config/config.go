package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// IsProduction reports whether the server runs in release mode.
func (s ServerConfig) IsProduction() bool {
	return s.Mode == "release"
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type NATSConfig struct {
	URL        string `mapstructure:"url"`
	StreamName string `mapstructure:"stream_name"`
	Subject    string `mapstructure:"subject"`
	Durable    string `mapstructure:"durable"`
}

type WebhookConfig struct {
	SigningSecret    string        `mapstructure:"signing_secret"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetrySchedule    string        `mapstructure:"retry_schedule"` // comma-separated durations
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize   int           `mapstructure:"sweep_batch_size"`
	TimestampMaxSkew time.Duration `mapstructure:"timestamp_max_skew"`
}

// RetryDelays parses the retry schedule into delays. Attempts past the end
// of the schedule reuse the last delay.
func (w WebhookConfig) RetryDelays() ([]time.Duration, error) {
	parts := strings.Split(w.RetrySchedule, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parse retry schedule entry %q: %w", p, err)
		}
		delays = append(delays, d)
	}
	return delays, nil
}

type IdempotencyConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	GCInterval  time.Duration `mapstructure:"gc_interval"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

type BreakerConfig struct {
	VolumeThreshold  int           `mapstructure:"volume_threshold"`
	ErrorRatePercent int           `mapstructure:"error_rate_percent"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

type ProvidersConfig struct {
	Stripe ProviderConfig `mapstructure:"stripe"`
	PayPal ProviderConfig `mapstructure:"paypal"`
}

type ProviderConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Latency       time.Duration `mapstructure:"latency"` // simulated call latency
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: PAYOR_.
// Nested keys use underscore: PAYOR_DATABASE_HOST, PAYOR_WEBHOOK_SIGNING_SECRET, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 1048576)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "payment_orchestrator")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream_name", "WEBHOOKS")
	v.SetDefault("nats.subject", "webhooks.deliver")
	v.SetDefault("nats.durable", "webhook-worker")
	v.SetDefault("webhook.signing_secret", "")
	v.SetDefault("webhook.delivery_timeout", "30s")
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.retry_schedule", "60s,300s,900s,3600s")
	v.SetDefault("webhook.sweep_interval", "60s")
	v.SetDefault("webhook.sweep_batch_size", 100)
	v.SetDefault("webhook.timestamp_max_skew", "300s")
	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.gc_interval", "10m")
	v.SetDefault("idempotency.lock_timeout", "10s")
	v.SetDefault("breaker.volume_threshold", 5)
	v.SetDefault("breaker.error_rate_percent", 50)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("breaker.call_timeout", "10s")
	v.SetDefault("providers.stripe.enabled", true)
	v.SetDefault("providers.stripe.webhook_secret", "")
	v.SetDefault("providers.stripe.latency", "0s")
	v.SetDefault("providers.paypal.enabled", true)
	v.SetDefault("providers.paypal.webhook_secret", "")
	v.SetDefault("providers.paypal.latency", "0s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: PAYOR_DATABASE_HOST -> database.host
	v.SetEnvPrefix("PAYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations that are unsafe to run with.
func (c *Config) Validate() error {
	if c.Server.IsProduction() {
		if c.Webhook.SigningSecret == "" {
			return fmt.Errorf("webhook.signing_secret is required in release mode")
		}
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.max_attempts must be at least 1")
	}
	if _, err := c.Webhook.RetryDelays(); err != nil {
		return fmt.Errorf("webhook.retry_schedule: %w", err)
	}
	if c.Breaker.ErrorRatePercent < 1 || c.Breaker.ErrorRatePercent > 100 {
		return fmt.Errorf("breaker.error_rate_percent must be between 1 and 100")
	}
	return nil
}
