// Package bootstrap builds the delivery components shared by the api and worker binaries.
package bootstrap

import (
	"fmt"

	"github.com/kursadbilgin/broadcast-engine/internal/config"
	"github.com/kursadbilgin/broadcast-engine/internal/gateway"
	infraredis "github.com/kursadbilgin/broadcast-engine/internal/infra/redis"
	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"github.com/kursadbilgin/broadcast-engine/internal/ratelimit"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"github.com/kursadbilgin/broadcast-engine/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func NewGateway(cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.GatewayDriver {
	case config.GatewayWebhook:
		return gateway.NewWebhookGateway(cfg.WebhookURL)
	case config.GatewayTelegram:
		return gateway.NewTelegramGateway(gateway.TelegramOptions{
			Token:   cfg.TelegramToken,
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.SendTimeout(),
		})
	default:
		return nil, fmt.Errorf("unknown gateway driver %q", cfg.GatewayDriver)
	}
}

// NewRateLimiter returns the configured limiter. The redis limiter shares its
// budget across every process using the same redis.
func NewRateLimiter(cfg *config.Config, rdb *goredis.Client) (ratelimit.RateLimiter, error) {
	switch cfg.RateLimiter {
	case config.RateLimiterLocal:
		return ratelimit.NewLocalRateLimiter(cfg.RateLimitPerSec), nil
	case config.RateLimiterRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis rate limiter requires a redis client")
		}
		return infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	default:
		return nil, fmt.Errorf("unknown rate limiter %q", cfg.RateLimiter)
	}
}

func DeliveryConfig(cfg *config.Config) service.DeliveryConfig {
	return service.DeliveryConfig{
		BatchSize: cfg.BatchSize,
		Pacer: service.PacerConfig{
			BaseDelay:     cfg.PaceDelay(),
			Increment:     cfg.PaceIncrement(),
			MaxDelay:      cfg.PaceMax(),
			ThrottleFloor: cfg.ThrottleFloor(),
			ThrottleMax:   cfg.ThrottleMax(),
		},
		MaxGatewayOutages: cfg.MaxGatewayOutages,
		SendTimeout:       cfg.SendTimeout(),
		PausePollInterval: cfg.PausePollInterval(),
		PauseIdleTimeout:  cfg.PauseIdleTimeout(),
	}
}

// Runtime is the in-process delivery machinery: one registry of runs and the
// reconciler that repairs what crashed runs left behind.
type Runtime struct {
	Registry   *service.RunnerRegistry
	Reconciler *service.Reconciler
}

// NewRuntime wires a delivery worker into a runner registry and reconciler. With a
// redis client, runs are guarded by a cross-process lease.
func NewRuntime(
	cfg *config.Config,
	jobs repository.JobRepository,
	recipients repository.RecipientRepository,
	gw gateway.Gateway,
	limiter ratelimit.RateLimiter,
	rdb *goredis.Client,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Runtime, error) {
	worker, err := service.NewDeliveryWorker(jobs, recipients, gw, limiter, DeliveryConfig(cfg), logger.Named("delivery"))
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery worker: %w", err)
	}
	worker.SetMetrics(metrics)

	var lease service.RunLease
	if rdb != nil {
		runLease, err := infraredis.NewRunLease(rdb, cfg.LeaseTTL())
		if err != nil {
			return nil, fmt.Errorf("failed to create run lease: %w", err)
		}
		lease = runLease
		logger.Info("run lease enabled", zap.String("owner", runLease.Owner()), zap.Duration("ttl", runLease.TTL()))
	}

	registry, err := service.NewRunnerRegistry(worker, lease, cfg.LeaseTTL(), logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create runner registry: %w", err)
	}
	registry.SetMetrics(metrics)

	reconciler, err := service.NewReconciler(
		jobs,
		recipients,
		registry,
		lease,
		cfg.ReconcileInterval(),
		cfg.StaleAfter(),
		logger.Named("reconciler"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}
	reconciler.SetMetrics(metrics)

	return &Runtime{Registry: registry, Reconciler: reconciler}, nil
}
