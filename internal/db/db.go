package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Store errors surfaced to callers. Callers branch with errors.Is; the
// underlying pg error is wrapped for diagnostics.
var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateOrderID = errors.New("duplicate order_id")
	ErrStatusConflict   = errors.New("trade status conflict")
	ErrDuplicateBot     = errors.New("bot name or pair already in use")
)

// Pool is the connection pool surface the store depends on. Satisfied
// by pgxpool.Pool in production and pgxmock in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DB wraps the PostgreSQL connection pool and exposes typed access to
// bots, trades and signal history
type DB struct {
	pool Pool
}

// NewWithPool wraps an existing pool (used by tests)
func NewWithPool(pool Pool) *DB {
	return &DB{pool: pool}
}

// New creates a new database connection pool from a connection URL
func New(ctx context.Context, url string, poolSize int) (*DB, error) {
	if url == "" {
		return nil, fmt.Errorf("store URL not set")
	}

	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store URL: %w", err)
	}

	config.MaxConns = int32(poolSize)
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Store connection pool created")

	return &DB{pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		log.Info().Msg("Store connection pool closed")
	}
}

// Ping checks the database connection
func (db *DB) Ping(ctx context.Context) error {
	if db.pool == nil {
		return fmt.Errorf("store connection pool is nil")
	}
	return db.pool.Ping(ctx)
}

// Pool returns the underlying connection pool
func (db *DB) Pool() Pool {
	return db.pool
}

// Health checks store connectivity
func (db *DB) Health(ctx context.Context) error {
	return db.Ping(ctx)
}
