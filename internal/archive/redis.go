package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// RedisConfig configures the Redis archive backend.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" mapstructure:"addr"`
	Password string `json:"-" yaml:"password" mapstructure:"password"`
	DB       int    `json:"db" yaml:"db" mapstructure:"db"`
	// OpTimeout bounds every store operation so a slow Redis cannot
	// stall the mirror worker or the archiver.
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout" mapstructure:"op_timeout"`
}

// DefaultRedisConfig returns the stock Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		OpTimeout: 500 * time.Millisecond,
	}
}

// RedisStore persists archive documents in Redis. Every Put also
// maintains the archive:index recency list. Methods are nil-safe and
// report ErrUnavailable so callers degrade instead of panicking.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
	log       zerolog.Logger
}

// NewRedisStore connects and verifies the backend is reachable.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultRedisConfig().OpTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log := logger.With().Str("component", "archive_redis").Logger()
	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Redis archive store connected")

	return &RedisStore{
		client:    client,
		opTimeout: cfg.OpTimeout,
		log:       log,
	}, nil
}

// Put writes the key and refreshes its position in the index list.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return ErrUnavailable
	}
	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(opctx, key, value, ttl)
	pipe.LRem(opctx, indexKey, 0, key)
	pipe.LPush(opctx, indexKey, key)
	pipe.LTrim(opctx, indexKey, 0, indexMax-1)
	if _, err := pipe.Exec(opctx); err != nil {
		metrics.ArchiveWrites.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("failed to write archive key %s: %w", key, err)
	}
	metrics.ArchiveWrites.WithLabelValues("redis", "ok").Inc()
	return nil
}

// Get fetches a key, mapping misses to ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, ErrUnavailable
	}
	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.client.Get(opctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive key %s: %w", key, err)
	}
	return data, nil
}

// List returns indexed keys matching the prefix, most recently written
// first, capped at n when n is positive.
func (s *RedisStore) List(ctx context.Context, prefix string, n int) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, ErrUnavailable
	}
	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	keys, err := s.client.LRange(opctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read archive index: %w", err)
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		out = append(out, k)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out, nil
}

// Ping reports backend reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrUnavailable
	}
	opctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Ping(opctx).Err()
}

// Close releases the connection.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
