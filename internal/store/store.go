// Package store is the relational state store: routers, cached
// interfaces, monitored ports, alerts, users and assignments. It is
// the only durable coordination point between engine instances.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert violates a uniqueness
	// constraint. For alert inserts this is a design signal, not a
	// failure: another instance already opened the alert.
	ErrConflict = errors.New("conflict")
)

const pgUniqueViolation = "23505"

// Store wraps a pgx connection pool.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// Config configures the state store connection.
type Config struct {
	DSN string

	// MaxConns bounds the pool; defaults to 10.
	MaxConns int32

	// ConnectTimeout bounds the total startup retry budget; defaults to 30s.
	ConnectTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.DSN == "" {
		return errors.New("dsn is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return nil
}

// New connects to Postgres, retrying transient failures with
// exponential backoff, and applies pending migrations. A store that
// cannot be reached within the connect timeout refuses to start.
func New(ctx context.Context, log *slog.Logger, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.ConnectTimeout
	err = backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			log.Warn("State store not ready, retrying", "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("state store unreachable: %w", err)
	}

	s := &Store{log: log, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate state store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// mapErr converts pgx error values to the store's error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
