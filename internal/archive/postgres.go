package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// PgxPool is the pool surface the store needs. Satisfied by
// *pgxpool.Pool and by pgxmock pools in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

const (
	upsertEntrySQL = `
		INSERT INTO archive_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`

	getEntrySQL = `
		SELECT value FROM archive_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`

	purgeExpiredSQL = `
		DELETE FROM archive_entries
		WHERE expires_at IS NOT NULL AND expires_at <= NOW()
	`

	listKeysSQL = `
		SELECT key FROM archive_entries
		WHERE key LIKE $1 || '%' AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY key DESC
		LIMIT $2
	`
)

// PostgresStore persists archive documents in the archive_entries table.
// Expired rows are filtered on every read and purged ahead of listings.
type PostgresStore struct {
	pool PgxPool
	log  zerolog.Logger
}

// NewPostgresStore wraps an existing pool; the schema comes from
// cmd/migrate.
func NewPostgresStore(pool PgxPool, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		log:  logger.With().Str("component", "archive_postgres").Logger(),
	}
}

// Put upserts the key. A non-positive ttl stores the row without expiry.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil || s.pool == nil {
		return ErrUnavailable
	}

	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if _, err := s.pool.Exec(ctx, upsertEntrySQL, key, value, expiresAt); err != nil {
		metrics.ArchiveWrites.WithLabelValues("postgres", "error").Inc()
		return fmt.Errorf("failed to upsert archive key %s: %w", key, err)
	}
	metrics.ArchiveWrites.WithLabelValues("postgres", "ok").Inc()
	return nil
}

// Get fetches a live key, mapping misses and expired rows to
// ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.pool == nil {
		return nil, ErrUnavailable
	}

	var value []byte
	err := s.pool.QueryRow(ctx, getEntrySQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive key %s: %w", key, err)
	}
	return value, nil
}

// List purges expired rows, then returns live keys matching the prefix
// in descending key order. Date-stamped keys sort newest first.
func (s *PostgresStore) List(ctx context.Context, prefix string, n int) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, ErrUnavailable
	}
	if n <= 0 {
		n = indexMax
	}

	if tag, err := s.pool.Exec(ctx, purgeExpiredSQL); err != nil {
		s.log.Warn().Err(err).Msg("Expired archive purge failed")
	} else if tag.RowsAffected() > 0 {
		s.log.Debug().Int64("rows", tag.RowsAffected()).Msg("Purged expired archive rows")
	}

	rows, err := s.pool.Query(ctx, listKeysSQL, prefix, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan archive key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list archive keys: %w", err)
	}
	return keys, nil
}

// Ping reports backend reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrUnavailable
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
