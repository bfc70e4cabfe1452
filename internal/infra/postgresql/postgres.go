package postgresql

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultMaxOpenConns = 25
	slowQueryThreshold  = 500 * time.Millisecond
	pingTimeout         = 5 * time.Second
)

type Options struct {
	DSN          string
	MaxOpenConns int
	Logger       *zap.Logger
}

// NewPostgres opens the pool. The claim transactions of every delivery run hold a
// connection each, so MaxOpenConns bounds the number of concurrent claims.
func NewPostgres(opts Options) (*gorm.DB, error) {
	if opts.MaxOpenConns < 1 {
		opts.MaxOpenConns = defaultMaxOpenConns
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger:                 newGormLogger(opts.Logger),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(max(opts.MaxOpenConns/5, 2))
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// newGormLogger routes gorm warnings and slow queries into the service logger.
func newGormLogger(zl *zap.Logger) logger.Interface {
	return logger.New(
		zap.NewStdLog(zl.Named("gorm").WithOptions(zap.AddCallerSkip(1))),
		logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
