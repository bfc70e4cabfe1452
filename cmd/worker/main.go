package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/broadcast-engine/internal/bootstrap"
	"github.com/kursadbilgin/broadcast-engine/internal/config"
	"github.com/kursadbilgin/broadcast-engine/internal/handler"
	"github.com/kursadbilgin/broadcast-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/broadcast-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/broadcast-engine/internal/infra/redis"
	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"github.com/kursadbilgin/broadcast-engine/internal/queue"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"github.com/kursadbilgin/broadcast-engine/internal/service"
	"github.com/kursadbilgin/broadcast-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "broadcast-worker")
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.LaunchMode != config.LaunchQueue {
		logger.Fatal("broadcast worker requires LAUNCH_MODE=queue", zap.String("launchMode", cfg.LaunchMode))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("broadcast worker stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(postgresql.Options{
		DSN:          cfg.DatabaseDSN,
		MaxOpenConns: cfg.DBMaxOpenConns,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rmq.Close()

	gw, err := bootstrap.NewGateway(cfg)
	if err != nil {
		return fmt.Errorf("gateway initialization failed: %w", err)
	}
	limiter, err := bootstrap.NewRateLimiter(cfg, rdb)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}
	metrics := observability.NewMetrics()

	jobs := repository.NewGormJobRepo(db)
	recipients := repository.NewGormRecipientRepo(db)

	runtime, err := bootstrap.NewRuntime(cfg, jobs, recipients, gw, limiter, rdb, metrics, logger)
	if err != nil {
		return err
	}

	commands, err := service.NewCommandHandler(jobs, runtime.Registry, logger.Named("commands"))
	if err != nil {
		return fmt.Errorf("command handler initialization failed: %w", err)
	}
	consumer := queue.NewRabbitMQConsumer(rmq, cfg.CommandPrefetch, logger.Named("consumer"))

	app := fiber.New(fiber.Config{
		AppName:               "broadcast-worker",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	if cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	}
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rmq)

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("broadcast worker started",
			zap.String("gateway", gw.Name()),
			zap.Int("prefetch", cfg.CommandPrefetch),
		)
		return consumer.Consume(groupCtx, commands.Handle)
	})
	g.Go(func() error {
		return runtime.Reconciler.Start(groupCtx)
	})
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down broadcast worker")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", zap.Error(err))
		}
		if err := runtime.Registry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("delivery runs did not stop in time", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("broadcast worker stopped")
	return nil
}
