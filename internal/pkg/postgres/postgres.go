// Package postgres provides PostgreSQL connection and migration helpers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/incident-remediator/internal/backoff"
	"github.com/golang-migrate/migrate/v4"
	// Registers the postgres migrate driver and the file source.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Retry bounds connection attempts. A zero policy means a single attempt.
	Retry backoff.Policy
}

// DefaultRetry doubles from 1s up to 16s between attempts for one minute.
var DefaultRetry = backoff.Policy{
	InitialWait: time.Second,
	Multiplier:  2,
	PerStepCap:  16 * time.Second,
	TotalBudget: time.Minute,
}

// Connect establishes a connection pool, retrying under cfg.Retry until a ping
// succeeds.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	var pool *pgxpool.Pool
	attempt := func(ctx context.Context) (bool, error) {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return false, fmt.Errorf("create pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			slog.Warn("failed to ping database, retrying", "error", err)
			return false, fmt.Errorf("ping: %w", err)
		}
		pool = p
		return true, nil
	}

	if cfg.Retry == (backoff.Policy{}) {
		if _, err := attempt(ctx); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		return pool, nil
	}

	res, err := backoff.NewWaiter().Wait(ctx, cfg.Retry, attempt)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("connect to database after %d attempts: %w", res.Attempts, res.LastErr)
	}

	slog.Info("connected to database", "attempts", res.Attempts)
	return pool, nil
}

// Migrate applies all pending migrations from dir (a file:// source URL) to the
// database at url.
func Migrate(url, dir string) error {
	m, err := migrate.New(dir, url)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("close migrations", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
