// Package signalbus publishes detections and trading-halt events to NATS
// for downstream trade-integration consumers. The bus is optional: with no
// URL configured every publish is a silent no-op, so the core pipeline
// never depends on a broker being up.
package signalbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/breaker"
	"github.com/pumpwatch/pumpwatch/internal/correlator"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// Subject suffixes under the configured prefix.
const (
	SubjectSymbol        = "signals.symbol"
	SubjectCrossPlatform = "signals.crossplatform"
	SubjectBreaker       = "breaker.events"
)

const defaultPrefix = "pumpwatch."

// Config configures the NATS egress.
type Config struct {
	// URL is the NATS server URL. Empty disables the bus.
	URL string `json:"url" yaml:"url" mapstructure:"url"`
	// Prefix namespaces every subject (default "pumpwatch.").
	Prefix string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
	// Name identifies the connection to the NATS server.
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
}

// DefaultConfig returns the stock bus settings. The URL stays empty so
// deployments opt in to NATS explicitly.
func DefaultConfig() Config {
	return Config{
		Prefix:        defaultPrefix,
		Name:          "pumpwatch-bus",
		ReconnectWait: 2 * time.Second,
	}
}

// Bus publishes signals over NATS. A nil Bus, or one built without a URL,
// is inert and safe to call.
type Bus struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// Connect dials NATS. An empty URL returns a disabled bus and no error.
func Connect(cfg Config, logger zerolog.Logger) (*Bus, error) {
	log := logger.With().Str("component", "signalbus").Logger()

	if cfg.URL == "" {
		log.Info().Msg("Signal bus disabled, no NATS URL configured")
		return &Bus{log: log}, nil
	}

	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if !strings.HasSuffix(cfg.Prefix, ".") {
		cfg.Prefix += "."
	}
	if cfg.Name == "" {
		cfg.Name = "pumpwatch-bus"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				metrics.BusErrors.Inc()
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", cfg.Prefix).
		Msg("Signal bus connected")

	return &Bus{
		nc:     nc,
		prefix: cfg.Prefix,
		log:    log,
	}, nil
}

// Enabled reports whether a live connection sits behind the bus.
func (b *Bus) Enabled() bool {
	return b != nil && b.nc != nil
}

// PublishSignal sends one detection on the symbol subject. Cross-platform
// detections additionally go out on the crossplatform subject so consumers
// can subscribe to just the high-confidence stream.
func (b *Bus) PublishSignal(sig correlator.Signal) {
	if !b.Enabled() {
		return
	}
	b.publish(SubjectSymbol, sig)
	if sig.CrossPlatformSignal {
		b.publish(SubjectCrossPlatform, sig)
	}
}

// PublishBreakerEvent mirrors a trading-halt transition to the bus.
func (b *Bus) PublishBreakerEvent(ev breaker.Event) {
	if !b.Enabled() {
		return
	}
	b.publish(SubjectBreaker, ev)
}

// publish is fire-and-forget: failures are counted and logged, never
// returned, so a broker outage cannot stall detection.
func (b *Bus) publish(suffix string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.BusErrors.Inc()
		b.log.Error().Err(err).Str("subject", suffix).Msg("Signal bus marshal failed")
		return
	}

	subject := b.prefix + suffix
	if err := b.nc.Publish(subject, data); err != nil {
		metrics.BusErrors.Inc()
		b.log.Warn().Err(err).Str("subject", subject).Msg("Signal bus publish failed")
		return
	}

	metrics.BusPublished.WithLabelValues(suffix).Inc()
	b.log.Debug().Str("subject", subject).Msg("Published signal")
}

// Stats reports connection statistics for the status endpoint.
func (b *Bus) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"enabled": b.Enabled(),
	}
	if b.Enabled() {
		stats["connected"] = b.nc.IsConnected()
		stats["status"] = b.nc.Status().String()
		stats["connected_url"] = b.nc.ConnectedUrl()
		stats["out_msgs"] = b.nc.Stats().OutMsgs
		stats["reconnects"] = b.nc.Stats().Reconnects
	}
	return stats
}

// Close drains the connection so queued publishes flush before shutdown.
// Draining a dead connection falls back to a hard close.
func (b *Bus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("Signal bus drain failed, closing hard")
		b.nc.Close()
	}
	b.log.Info().Msg("Signal bus closed")
	return nil
}
