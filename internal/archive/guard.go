package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// GuardConfig tunes the storage-protection breaker. This breaker guards
// the archive backend only and is unrelated to the trading halt breaker.
type GuardConfig struct {
	// ConsecutiveFailures opens the guard once that many store calls
	// fail back to back.
	ConsecutiveFailures uint32 `json:"consecutive_failures" yaml:"consecutive_failures" mapstructure:"consecutive_failures"`
	// OpenTimeout is how long the guard rejects calls before probing
	// the backend again.
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout" mapstructure:"open_timeout"`
}

// DefaultGuardConfig returns the stock guard settings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

func (c GuardConfig) withDefaults() GuardConfig {
	def := DefaultGuardConfig()
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	return c
}

// GuardedStore wraps a Store with a circuit breaker so a dead backend
// fails fast instead of stalling the mirror worker and the archiver.
// While the guard is open every call returns ErrUnavailable immediately.
type GuardedStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
	log   zerolog.Logger
}

// NewGuardedStore wraps the store. Get misses do not count as failures.
func NewGuardedStore(inner Store, cfg GuardConfig, logger zerolog.Logger) *GuardedStore {
	cfg = cfg.withDefaults()
	g := &GuardedStore{
		inner: inner,
		log:   logger.With().Str("component", "archive_guard").Logger(),
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "archive-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Archive storage guard state changed")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})
	return g
}

// State exposes the guard's breaker state for health reporting.
func (g *GuardedStore) State() gobreaker.State {
	return g.cb.State()
}

func (g *GuardedStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.Put(ctx, key, value, ttl)
	})
	return guardErr(err)
}

func (g *GuardedStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, guardErr(err)
	}
	data, _ := out.([]byte)
	return data, nil
}

func (g *GuardedStore) List(ctx context.Context, prefix string, n int) ([]string, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.List(ctx, prefix, n)
	})
	if err != nil {
		return nil, guardErr(err)
	}
	keys, _ := out.([]string)
	return keys, nil
}

func (g *GuardedStore) Ping(ctx context.Context) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.Ping(ctx)
	})
	return guardErr(err)
}

// Close bypasses the breaker; releasing the backend must always work.
func (g *GuardedStore) Close() error {
	return g.inner.Close()
}

// guardErr translates breaker rejections into the store's unavailable
// sentinel while passing backend errors through untouched.
func guardErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: storage guard open", ErrUnavailable)
	}
	return err
}
