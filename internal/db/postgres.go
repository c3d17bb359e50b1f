package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NewPostgresPool connects and pings postgres. service ends up as the
// application_name of every connection.
func NewPostgresPool(ctx context.Context, dsn, service string, log *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	if service != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = service
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	err = withRetry(ctx, 5, time.Second, log, "postgres", func() error { return pool.Ping(ctx) })
	if err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("postgres pool created",
		zap.String("service", service),
		zap.Int32("max_conns", cfg.MaxConns),
	)
	return pool, nil
}

// withRetry runs fn until it succeeds, doubling delay between attempts.
func withRetry(ctx context.Context, attempts int, delay time.Duration, log *zap.Logger, what string, fn func() error) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		log.Warn("connection attempt failed, retrying",
			zap.String("target", what),
			zap.Int("attempt", i),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
