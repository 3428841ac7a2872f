package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/activity"
	"github.com/pumpwatch/pumpwatch/internal/correlator"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// criticalRiskThreshold marks events archived as high-risk alerts.
const criticalRiskThreshold = 0.8

// ActivitySource is the archiver's read view of the activity log.
type ActivitySource interface {
	RecentSince(d time.Duration) []activity.Entry
}

// SignalSource reports signals emitted during the window. Optional.
type SignalSource interface {
	Detections(since time.Time, limit int) []correlator.Signal
}

// Config tunes one archiver invocation.
type Config struct {
	// Window is how far back each run reads the activity log.
	Window time.Duration `json:"window" yaml:"window" mapstructure:"window"`
	// TopN caps the per-entry symbol summary.
	TopN int `json:"top_n" yaml:"top_n" mapstructure:"top_n"`
	// MaxAlerts caps critical alerts kept per entry and per daily
	// summary.
	MaxAlerts int `json:"max_alerts" yaml:"max_alerts" mapstructure:"max_alerts"`
}

// DefaultConfig returns the stock archiver tuning.
func DefaultConfig() Config {
	return Config{
		Window:    6 * time.Hour,
		TopN:      10,
		MaxAlerts: 50,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.TopN <= 0 {
		c.TopN = def.TopN
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = def.MaxAlerts
	}
	return c
}

// Archiver condenses the recent activity window into archive entries.
// Runs are caller-driven; the archiver keeps no background workers.
type Archiver struct {
	cfg      Config
	activity ActivitySource
	signals  SignalSource
	store    Store
	log      zerolog.Logger

	now func() time.Time
}

// New builds an archiver over the given sources. signals may be nil, in
// which case SignalCount stays zero.
func New(cfg Config, act ActivitySource, signals SignalSource, store Store, logger zerolog.Logger) *Archiver {
	return &Archiver{
		cfg:      cfg.withDefaults(),
		activity: act,
		signals:  signals,
		store:    store,
		log:      logger.With().Str("component", "archiver").Logger(),
		now:      time.Now,
	}
}

// Run aggregates the current window and persists both the point-in-time
// entry and the merged daily summary. The aggregated entry is returned
// even when persistence fails so callers can still report it.
func (a *Archiver) Run(ctx context.Context) (ArchiveEntry, error) {
	now := a.now()
	metrics.ArchiveRuns.Inc()

	entry := a.aggregate(now, a.activity.RecentSince(a.cfg.Window))
	if a.signals != nil {
		entry.SignalCount = len(a.signals.Detections(now.Add(-a.cfg.Window), 0))
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("failed to marshal archive entry: %w", err)
	}

	key := EntryKeyAt(now)
	if err := a.store.Put(ctx, key, data, EntryTTL); err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Archive entry write failed")
		return entry, fmt.Errorf("archive entry write: %w", err)
	}

	if err := a.mergeDaily(ctx, now, entry); err != nil {
		a.log.Error().Err(err).Str("date", entry.Date).Msg("Daily summary merge failed")
		return entry, fmt.Errorf("daily summary merge: %w", err)
	}

	a.log.Info().
		Str("key", key).
		Int("total_events", entry.TotalEvents).
		Int("top_symbols", len(entry.TopSymbols)).
		Int("critical_alerts", len(entry.CriticalAlerts)).
		Int("signals", entry.SignalCount).
		Msg("Archive entry written")

	return entry, nil
}

// aggregate folds the window's entries into one ArchiveEntry. Events are
// deduplicated by id; a symbol counts as cross-platform when the window
// saw it on more than one platform.
func (a *Archiver) aggregate(now time.Time, entries []activity.Entry) ArchiveEntry {
	out := ArchiveEntry{
		Date:        now.UTC().Format(dateLayout),
		GeneratedAt: now.UTC(),
		WindowMS:    a.cfg.Window.Milliseconds(),
		ByPlatform:  make(map[string]int),
	}

	type symAgg struct {
		mentions     int
		sentimentSum float64
		platforms    map[string]struct{}
	}
	bySymbol := make(map[string]*symAgg)
	seen := make(map[string]struct{}, len(entries))
	deduped := make([]activity.Entry, 0, len(entries))

	for _, e := range entries {
		if _, dup := seen[e.Event.ID]; dup {
			continue
		}
		seen[e.Event.ID] = struct{}{}
		deduped = append(deduped, e)

		out.TotalEvents++
		out.ByPlatform[string(e.Event.Platform)]++

		for _, sym := range e.Event.Symbols {
			agg := bySymbol[sym]
			if agg == nil {
				agg = &symAgg{platforms: make(map[string]struct{})}
				bySymbol[sym] = agg
			}
			agg.mentions++
			agg.sentimentSum += e.Event.Sentiment
			agg.platforms[string(e.Event.Platform)] = struct{}{}
		}
	}

	crossSymbols := make(map[string]struct{})
	for sym, agg := range bySymbol {
		platforms := make([]string, 0, len(agg.platforms))
		for p := range agg.platforms {
			platforms = append(platforms, p)
		}
		sort.Strings(platforms)
		if len(platforms) > 1 {
			crossSymbols[sym] = struct{}{}
		}
		out.TopSymbols = append(out.TopSymbols, SymbolSummary{
			Symbol:       sym,
			Mentions:     agg.mentions,
			AvgSentiment: agg.sentimentSum / float64(agg.mentions),
			Platforms:    platforms,
		})
	}
	sortSymbolSummaries(out.TopSymbols)
	if len(out.TopSymbols) > a.cfg.TopN {
		out.TopSymbols = out.TopSymbols[:a.cfg.TopN]
	}

	// Second pass so cross-platform membership is known for every event.
	for _, e := range deduped {
		var reasons []string
		if e.Event.RiskScore > criticalRiskThreshold {
			reasons = append(reasons, AlertHighRisk)
		}
		for _, sym := range e.Event.Symbols {
			if _, ok := crossSymbols[sym]; ok {
				reasons = append(reasons, AlertCrossPlatform)
				break
			}
		}
		if len(reasons) == 0 {
			continue
		}
		out.CriticalAlerts = append(out.CriticalAlerts, CriticalAlert{
			EventID:   e.Event.ID,
			Platform:  string(e.Event.Platform),
			Symbols:   e.Event.Symbols,
			RiskScore: e.Event.RiskScore,
			Reasons:   reasons,
			At:        e.Event.Time().UTC(),
		})
		if len(out.CriticalAlerts) >= a.cfg.MaxAlerts {
			break
		}
	}

	return out
}

// mergeDaily folds the run's entry into the daily summary document.
// Overlapping windows are summed as-is; Runs records how many snapshots
// the totals cover.
func (a *Archiver) mergeDaily(ctx context.Context, now time.Time, entry ArchiveEntry) error {
	dkey := DailyKeyAt(now)

	merged := entry
	merged.Runs = 1

	data, err := a.store.Get(ctx, dkey)
	switch {
	case err == nil:
		var prev ArchiveEntry
		if uerr := json.Unmarshal(data, &prev); uerr != nil {
			a.log.Warn().Err(uerr).Str("key", dkey).Msg("Daily summary unreadable, overwriting")
		} else {
			merged = a.mergeEntries(prev, entry)
		}
	case errors.Is(err, ErrNotFound):
		// First run of the day.
	default:
		return err
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal daily summary: %w", err)
	}
	return a.store.Put(ctx, dkey, out, DailyTTL)
}

func (a *Archiver) mergeEntries(prev, cur ArchiveEntry) ArchiveEntry {
	merged := ArchiveEntry{
		Date:        prev.Date,
		GeneratedAt: cur.GeneratedAt,
		WindowMS:    cur.WindowMS,
		TotalEvents: prev.TotalEvents + cur.TotalEvents,
		ByPlatform:  make(map[string]int, len(prev.ByPlatform)),
		SignalCount: prev.SignalCount + cur.SignalCount,
		Runs:        prev.Runs + 1,
	}
	for p, n := range prev.ByPlatform {
		merged.ByPlatform[p] += n
	}
	for p, n := range cur.ByPlatform {
		merged.ByPlatform[p] += n
	}

	bySymbol := make(map[string]SymbolSummary, len(prev.TopSymbols))
	for _, s := range prev.TopSymbols {
		bySymbol[s.Symbol] = s
	}
	for _, s := range cur.TopSymbols {
		p, ok := bySymbol[s.Symbol]
		if !ok {
			bySymbol[s.Symbol] = s
			continue
		}
		total := p.Mentions + s.Mentions
		p.AvgSentiment = (p.AvgSentiment*float64(p.Mentions) + s.AvgSentiment*float64(s.Mentions)) / float64(total)
		p.Mentions = total
		p.Platforms = unionSorted(p.Platforms, s.Platforms)
		bySymbol[s.Symbol] = p
	}
	for _, s := range bySymbol {
		merged.TopSymbols = append(merged.TopSymbols, s)
	}
	sortSymbolSummaries(merged.TopSymbols)
	if len(merged.TopSymbols) > a.cfg.TopN {
		merged.TopSymbols = merged.TopSymbols[:a.cfg.TopN]
	}

	merged.CriticalAlerts = append(merged.CriticalAlerts, prev.CriticalAlerts...)
	merged.CriticalAlerts = append(merged.CriticalAlerts, cur.CriticalAlerts...)
	if len(merged.CriticalAlerts) > a.cfg.MaxAlerts {
		merged.CriticalAlerts = merged.CriticalAlerts[len(merged.CriticalAlerts)-a.cfg.MaxAlerts:]
	}

	return merged
}

func sortSymbolSummaries(s []SymbolSummary) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Mentions != s[j].Mentions {
			return s[i].Mentions > s[j].Mentions
		}
		return s[i].Symbol < s[j].Symbol
	})
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
