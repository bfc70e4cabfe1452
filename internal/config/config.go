package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	GatewayWebhook  = "webhook"
	GatewayTelegram = "telegram"

	LaunchInline = "inline"
	LaunchQueue  = "queue"

	RateLimiterLocal = "local"
	RateLimiterRedis = "redis"
)

// Config is loaded from the environment. Durations are whole milliseconds or
// seconds as the variable suffix says.
type Config struct {
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS,default=25"`
	RedisURL       string `env:"REDIS_URL"`
	RabbitMQURL    string `env:"RABBITMQ_URL"`

	GatewayDriver  string `env:"GATEWAY_DRIVER,default=webhook"`
	WebhookURL     string `env:"WEBHOOK_URL"`
	TelegramToken  string `env:"TELEGRAM_TOKEN"`
	TelegramAPIURL string `env:"TELEGRAM_API_URL"`
	SendTimeoutSec int    `env:"SEND_TIMEOUT_SEC,default=15"`

	LaunchMode      string `env:"LAUNCH_MODE,default=inline"`
	RateLimiter     string `env:"RATE_LIMITER,default=local"`
	RateLimitPerSec int    `env:"RATE_LIMIT_PER_SEC,default=25"`

	BatchSize            int `env:"BATCH_SIZE,default=25"`
	PaceDelayMS          int `env:"PACE_DELAY_MS,default=50"`
	PaceIncrementMS      int `env:"PACE_INCREMENT_MS,default=25"`
	PaceMaxMS            int `env:"PACE_MAX_MS,default=2000"`
	ThrottleFloorMS      int `env:"THROTTLE_FLOOR_MS,default=1000"`
	ThrottleMaxSec       int `env:"THROTTLE_MAX_SEC,default=120"`
	MaxGatewayOutages    int `env:"MAX_GATEWAY_OUTAGES,default=5"`
	PausePollIntervalMS  int `env:"PAUSE_POLL_INTERVAL_MS,default=1000"`
	PauseIdleTimeoutSec  int `env:"PAUSE_IDLE_TIMEOUT_SEC,default=600"`
	ReconcileIntervalSec int `env:"RECONCILE_INTERVAL_SEC,default=30"`
	StaleAfterSec        int `env:"STALE_AFTER_SEC,default=600"`
	LeaseTTLSec          int `env:"LEASE_TTL_SEC,default=30"`
	CommandPrefetch      int `env:"COMMAND_PREFETCH,default=8"`

	StatusErrorLimit int    `env:"STATUS_ERROR_LIMIT,default=20"`
	APIPort          int    `env:"API_PORT,default=8080"`
	MetricsEnabled   bool   `env:"METRICS_ENABLED,default=true"`
	LogLevel         string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.GatewayDriver = strings.ToLower(strings.TrimSpace(cfg.GatewayDriver))
	cfg.LaunchMode = strings.ToLower(strings.TrimSpace(cfg.LaunchMode))
	cfg.RateLimiter = strings.ToLower(strings.TrimSpace(cfg.RateLimiter))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that every selected driver has the settings it needs.
func (c *Config) Validate() error {
	switch c.GatewayDriver {
	case GatewayWebhook:
		if strings.TrimSpace(c.WebhookURL) == "" {
			return fmt.Errorf("WEBHOOK_URL is required for the webhook gateway")
		}
	case GatewayTelegram:
		if strings.TrimSpace(c.TelegramToken) == "" {
			return fmt.Errorf("TELEGRAM_TOKEN is required for the telegram gateway")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_DRIVER %q", c.GatewayDriver)
	}

	switch c.LaunchMode {
	case LaunchInline:
	case LaunchQueue:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("RABBITMQ_URL is required in queue launch mode")
		}
		// Worker processes coordinate job ownership through the redis run lease.
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required in queue launch mode")
		}
	default:
		return fmt.Errorf("unknown LAUNCH_MODE %q", c.LaunchMode)
	}

	switch c.RateLimiter {
	case RateLimiterLocal:
	case RateLimiterRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required for the redis rate limiter")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMITER %q", c.RateLimiter)
	}

	if c.RateLimitPerSec < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_SEC must be >= 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be >= 1")
	}
	if c.MaxGatewayOutages < 1 {
		return fmt.Errorf("MAX_GATEWAY_OUTAGES must be >= 1")
	}
	return nil
}

// UsesRedis reports whether a redis connection is configured.
func (c *Config) UsesRedis() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

func (c *Config) PaceDelay() time.Duration {
	return time.Duration(c.PaceDelayMS) * time.Millisecond
}

func (c *Config) PaceIncrement() time.Duration {
	return time.Duration(c.PaceIncrementMS) * time.Millisecond
}

func (c *Config) PaceMax() time.Duration {
	return time.Duration(c.PaceMaxMS) * time.Millisecond
}

func (c *Config) ThrottleFloor() time.Duration {
	return time.Duration(c.ThrottleFloorMS) * time.Millisecond
}

func (c *Config) ThrottleMax() time.Duration {
	return time.Duration(c.ThrottleMaxSec) * time.Second
}

func (c *Config) PausePollInterval() time.Duration {
	return time.Duration(c.PausePollIntervalMS) * time.Millisecond
}

func (c *Config) PauseIdleTimeout() time.Duration {
	return time.Duration(c.PauseIdleTimeoutSec) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSec) * time.Second
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSec) * time.Second
}
