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
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
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
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "broadcast-api")
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("broadcast api stopped", zap.Error(err))
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

	var rdb *goredis.Client
	if cfg.UsesRedis() {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
	}

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
	audiences := repository.NewGormAudienceRepo(db)

	g, groupCtx := errgroup.WithContext(ctx)

	var (
		launcher service.Launcher
		runtime  *bootstrap.Runtime
		broker   handler.BrokerPinger
	)
	switch cfg.LaunchMode {
	case config.LaunchQueue:
		rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		defer rmq.Close()
		broker = rmq

		launcher, err = queue.NewLauncher(queue.NewRabbitMQPublisher(rmq), logger.Named("launcher"))
		if err != nil {
			return fmt.Errorf("queue launcher initialization failed: %w", err)
		}
	default:
		runtime, err = bootstrap.NewRuntime(cfg, jobs, recipients, gw, limiter, rdb, metrics, logger)
		if err != nil {
			return err
		}
		launcher = runtime.Registry
		g.Go(func() error {
			return runtime.Reconciler.Start(groupCtx)
		})
	}

	jobService, err := service.NewJobService(jobs, recipients, audiences, launcher, gw, cfg.StatusErrorLimit, logger.Named("jobs"))
	if err != nil {
		return fmt.Errorf("job service initialization failed: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "broadcast-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	if cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	}
	handler.RegisterHealthRoutes(app, sqlDB, rdb, broker)
	if err := handler.RegisterBroadcastRoutes(app, jobService); err != nil {
		return fmt.Errorf("failed to register routes: %w", err)
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("broadcast api started",
			zap.String("addr", addr),
			zap.String("gateway", gw.Name()),
			zap.String("launchMode", cfg.LaunchMode),
		)
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down broadcast api")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", zap.Error(err))
		}
		if runtime != nil {
			if err := runtime.Registry.Shutdown(shutdownCtx); err != nil {
				logger.Warn("delivery runs did not stop in time", zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("broadcast api stopped")
	return nil
}
