// Package sources contains the per-platform adapters that turn external
// feeds into normalized events. Polling adapters share one poller core;
// the Twitter adapter maintains a filtered stream connection. Adapters own
// their transport and rate policy and publish into the activity log.
package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pumpwatch/pumpwatch/internal/feed"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// AdapterState is the adapter lifecycle state surfaced via Stats.
type AdapterState string

const (
	StateIdle       AdapterState = "idle"
	StateConnecting AdapterState = "connecting"
	StateRunning    AdapterState = "running"
	StateBackoff    AdapterState = "backoff"
	StateFailed     AdapterState = "failed"
)

// GaugeValue maps the state onto the adapter state metric.
func (s AdapterState) GaugeValue() float64 {
	switch s {
	case StateIdle:
		return 0
	case StateConnecting:
		return 1
	case StateRunning:
		return 2
	case StateBackoff:
		return 3
	case StateFailed:
		return 4
	default:
		return -1
	}
}

// Stats is a point-in-time adapter snapshot.
type Stats struct {
	Platform          feed.Platform `json:"platform"`
	State             AdapterState  `json:"state"`
	EventsEmitted     uint64        `json:"events_emitted"`
	EventsDropped     uint64        `json:"events_dropped"`
	DuplicatesDropped uint64        `json:"duplicates_dropped"`
	ErrorsLast1m      int           `json:"errors_last_1m"`
	LastEventAt       time.Time     `json:"last_event_at,omitzero"`
	LastError         string        `json:"last_error,omitempty"`
}

// Adapter converts one external feed into a stream of events.
//
// Start schedules the background workers and returns; connect failures are
// reported through Stats, not the return value. Stop drains in-flight work
// and releases the transport; it is idempotent.
type Adapter interface {
	Platform() feed.Platform
	Start(ctx context.Context) error
	Stop()
	Stats() Stats
}

// Publisher is the adapter's view of the activity log.
type Publisher interface {
	Log(e feed.Event) (accepted bool, err error)
	SeenSymbolSince(symbol string, within time.Duration) bool
}

// RetryConfig shapes transient-failure backoff. Attempts caps the backoff
// exponent, not the retry count: transient failures are retried until the
// adapter stops.
type RetryConfig struct {
	Attempts   int           `json:"attempts" yaml:"attempts" mapstructure:"attempts"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
}

// DefaultRetry returns the standard adapter retry policy.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		Attempts:   6,
		BaseDelay:  2 * time.Second,
		Multiplier: 2.0,
	}
}

func (r RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetry()
	if r.Attempts <= 0 {
		r.Attempts = def.Attempts
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = def.BaseDelay
	}
	if r.Multiplier < 1 {
		r.Multiplier = def.Multiplier
	}
	return r
}

// maxBackoff caps every computed backoff delay.
const maxBackoff = 5 * time.Minute

// Delay computes the backoff for the given consecutive failure count,
// honoring a server-provided retry-after hint when it is larger.
func (r RetryConfig) Delay(failures int, retryAfter time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > r.Attempts {
		failures = r.Attempts
	}

	d := r.BaseDelay
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * r.Multiplier)
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	if retryAfter > d {
		d = retryAfter
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Common carries the per-source knobs shared by every adapter.
type Common struct {
	Enabled            bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	PollInterval       time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`
	MaxResults         int           `json:"max_results" yaml:"max_results" mapstructure:"max_results"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	RequestTimeout     time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
	Retry              RetryConfig   `json:"retry" yaml:"retry" mapstructure:"retry"`
}

func (c Common) withDefaults() Common {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 50
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 30
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// HTTPError is a transport failure carrying the status and any Retry-After
// hint. Transient errors are retried with backoff; the rest put the
// adapter into the failed state.
type HTTPError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("http status %d (retry after %s)", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("http status %d", e.Status)
}

// Transient reports whether the failure should be retried. 429, timeouts
// and server errors are transient; other 4xx (auth, bad request) are not.
func (e *HTTPError) Transient() bool {
	switch {
	case e.Status == 429, e.Status == 408:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

// RawItem is one source item before dedup and enrichment.
type RawItem struct {
	ID         string
	Source     string
	Timestamp  int64
	Text       string
	Author     string
	Engagement float64
	// SymbolHints carries symbols the source declares itself (for example
	// CryptoPanic currency codes). They are unioned with extraction.
	SymbolHints []string
}

// core holds the mutable adapter state shared by the poller and the
// stream adapter.
type core struct {
	platform feed.Platform

	mu          sync.Mutex
	state       AdapterState
	emitted     uint64
	dropped     uint64
	duplicates  uint64
	lastEventAt time.Time
	lastError   string
	errTimes    []time.Time
}

func newCore(platform feed.Platform) *core {
	c := &core{platform: platform, state: StateIdle}
	metrics.AdapterState.WithLabelValues(string(platform)).Set(StateIdle.GaugeValue())
	return c
}

func (c *core) setState(s AdapterState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.AdapterState.WithLabelValues(string(c.platform)).Set(s.GaugeValue())
}

func (c *core) currentState() AdapterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *core) recordError(err error) {
	now := time.Now()
	c.mu.Lock()
	c.lastError = err.Error()
	c.errTimes = append(c.errTimes, now)
	c.pruneErrorsLocked(now)
	c.mu.Unlock()
	metrics.SourceErrors.WithLabelValues(string(c.platform), metrics.NormalizeSourceError(err)).Inc()
}

// pruneErrorsLocked drops error marks older than one minute. Caller holds
// mu.
func (c *core) pruneErrorsLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(c.errTimes); i++ {
		if c.errTimes[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.errTimes = append(c.errTimes[:0], c.errTimes[i:]...)
	}
}

func (c *core) markEmitted() {
	c.mu.Lock()
	c.emitted++
	c.lastEventAt = time.Now()
	c.mu.Unlock()
}

func (c *core) markDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func (c *core) markDuplicate() {
	c.mu.Lock()
	c.duplicates++
	c.mu.Unlock()
	metrics.DuplicatesDropped.WithLabelValues(string(c.platform)).Inc()
}

func (c *core) snapshot() Stats {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneErrorsLocked(now)
	return Stats{
		Platform:          c.platform,
		State:             c.state,
		EventsEmitted:     c.emitted,
		EventsDropped:     c.dropped,
		DuplicatesDropped: c.duplicates,
		ErrorsLast1m:      len(c.errTimes),
		LastEventAt:       c.lastEventAt,
		LastError:         c.lastError,
	}
}

// sleepCtx waits for d or context cancellation; reports false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
