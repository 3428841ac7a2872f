// Package archive condenses activity log windows into durable summary
// entries and provides the pluggable key-value stores that hold them.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/activity"
)

const (
	keyPrefix   = "archive:"
	dailyPrefix = "archive:daily:"
	indexKey    = "archive:index"

	// indexMax caps the archive:index key list.
	indexMax = 1000

	dateLayout = "2006-01-02"
)

// Retention windows for point-in-time entries and merged daily summaries.
const (
	EntryTTL = 90 * 24 * time.Hour
	DailyTTL = 180 * 24 * time.Hour
)

var (
	// ErrNotFound is returned by Get for keys that do not exist or have
	// expired.
	ErrNotFound = errors.New("archive key not found")

	// ErrUnavailable is returned when the backing store cannot be
	// reached, including when the storage guard is open.
	ErrUnavailable = errors.New("archive store unavailable")
)

// Store is the pluggable archive backend. Put with a non-positive ttl
// persists the key without expiry.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, n int) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// ArchiveEntry is one condensed snapshot of the activity window. Daily
// summary documents reuse the same shape with Runs counting the merged
// snapshots.
type ArchiveEntry struct {
	Date           string          `json:"date"`
	GeneratedAt    time.Time       `json:"generated_at"`
	WindowMS       int64           `json:"window_ms"`
	TotalEvents    int             `json:"total_events"`
	ByPlatform     map[string]int  `json:"by_platform"`
	TopSymbols     []SymbolSummary `json:"top_symbols"`
	CriticalAlerts []CriticalAlert `json:"critical_alerts"`
	SignalCount    int             `json:"signal_count"`
	Runs           int             `json:"runs,omitempty"`
}

// SymbolSummary aggregates one symbol's mentions over the window.
type SymbolSummary struct {
	Symbol       string   `json:"symbol"`
	Mentions     int      `json:"mentions"`
	AvgSentiment float64  `json:"avg_sentiment"`
	Platforms    []string `json:"platforms"`
}

// Alert reasons recorded on archived critical events.
const (
	AlertHighRisk      = "high_risk"
	AlertCrossPlatform = "cross_platform"
)

// CriticalAlert is a condensed record of an event worth keeping beyond
// the activity log's retention.
type CriticalAlert struct {
	EventID   string    `json:"event_id"`
	Platform  string    `json:"platform"`
	Symbols   []string  `json:"symbols"`
	RiskScore float64   `json:"risk_score"`
	Reasons   []string  `json:"reasons"`
	At        time.Time `json:"at"`
}

// EntryKeyAt returns the point-in-time entry key for the given moment.
func EntryKeyAt(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s:%d", keyPrefix, t.Format(dateLayout), t.Unix())
}

// DailyKeyAt returns the daily summary key for the given moment's date.
func DailyKeyAt(t time.Time) string {
	return dailyPrefix + t.UTC().Format(dateLayout)
}

// Sink mirrors activity entries into the archive store, one key per
// logged event. It satisfies the activity log's durable hook; writes are
// best effort and a dead store only surfaces as debug noise there.
type Sink struct {
	store Store
	log   zerolog.Logger
}

// NewSink wraps the store for use as an activity durable sink.
func NewSink(store Store, logger zerolog.Logger) *Sink {
	return &Sink{
		store: store,
		log:   logger.With().Str("component", "archive_sink").Logger(),
	}
}

// WriteEntry persists one activity entry under archive:<date>:<seq>.
func (s *Sink) WriteEntry(ctx context.Context, e activity.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal activity entry: %w", err)
	}
	key := fmt.Sprintf("%s%s:%d", keyPrefix, e.Event.Time().UTC().Format(dateLayout), e.Seq)
	return s.store.Put(ctx, key, data, EntryTTL)
}
