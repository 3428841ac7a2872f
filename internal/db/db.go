package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a pgx connection pool shared by the archive store and the
// migration tooling.
type DB struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL using the given DSN and verifies the
// connection with a ping. poolSize caps the number of open connections;
// values below 1 fall back to a single connection.
func New(ctx context.Context, dsn string, poolSize int) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}
	if poolSize < 1 {
		poolSize = 1
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	config.MaxConns = int32(poolSize)
	config.MinConns = int32(min(2, poolSize))
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

	log.Info().
		Int32("max_conns", config.MaxConns).
		Str("database", config.ConnConfig.Database).
		Msg("Database connection pool established")

	return &DB{pool: pool}, nil
}

// Close releases all pooled connections.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		log.Info().Msg("Database connection pool closed")
	}
}

// Pool exposes the underlying pgx pool for stores that run their own
// queries.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping verifies that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Health reports pool statistics alongside a reachability check.
func (db *DB) Health(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	stat := db.pool.Stat()
	log.Debug().
		Int32("total_conns", stat.TotalConns()).
		Int32("idle_conns", stat.IdleConns()).
		Int32("acquired_conns", stat.AcquiredConns()).
		Msg("Database pool health")

	return nil
}
