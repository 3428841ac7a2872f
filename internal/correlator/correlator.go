// Package correlator watches the activity log for symbols gaining traction
// on multiple platforms at once and emits risk-ranked signals. One consumer
// goroutine drains a log subscription, so signals always come out in the
// order of the events that triggered them.
package correlator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cinar/indicator/v2/trend"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/activity"
	"github.com/pumpwatch/pumpwatch/internal/feed"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// RiskLevel ranks emitted signals.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels for upgrade comparisons.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Signal is one evaluated symbol window crossing the emission rules.
type Signal struct {
	Symbol        string          `json:"symbol"`
	WindowMS      int64           `json:"window_ms"`
	TotalMentions int             `json:"total_mentions"`
	PlatformsSeen []feed.Platform `json:"platforms_seen"`
	AvgSentiment  float64         `json:"avg_sentiment"`
	// SentimentMomentum is the EMA-smoothed sentiment over the window,
	// informational only.
	SentimentMomentum   float64   `json:"sentiment_momentum"`
	AvgRiskScore        float64   `json:"avg_risk_score"`
	FirstSeen           int64     `json:"first_seen"`
	LastSeen            int64     `json:"last_seen"`
	TotalEngagement     float64   `json:"total_engagement"`
	CrossPlatformSignal bool      `json:"cross_platform_signal"`
	RiskLevel           RiskLevel `json:"risk_level"`
	TriggerSeq          uint64    `json:"trigger_seq"`
	DetectedAt          int64     `json:"detected_at"`
}

// CrossPlatformSignal is the per-symbol active signal record. While a
// symbol stays above the cross-platform bar its risk level only moves up.
type CrossPlatformSignal struct {
	Symbol                string          `json:"symbol"`
	RiskLevel             RiskLevel       `json:"risk_level"`
	ContributingPlatforms []feed.Platform `json:"contributing_platforms"`
	FirstCrossedAt        int64           `json:"first_crossed_at"`
}

// Handler receives emitted signals synchronously on the consumer
// goroutine. Handlers must not block.
type Handler func(Signal)

// Config tunes the correlation windows and emission policy.
type Config struct {
	Window           time.Duration `json:"window" yaml:"window" mapstructure:"window"`
	MentionThreshold int           `json:"mention_threshold" yaml:"mention_threshold" mapstructure:"mention_threshold"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"`
	MomentumPeriod   int           `json:"momentum_period" yaml:"momentum_period" mapstructure:"momentum_period"`
	MaxDetections    int           `json:"max_detections" yaml:"max_detections" mapstructure:"max_detections"`
	QueueSize        int           `json:"queue_size" yaml:"queue_size" mapstructure:"queue_size"`
}

// DefaultConfig returns the stock correlator tuning.
func DefaultConfig() Config {
	return Config{
		Window:           5 * time.Minute,
		MentionThreshold: 5,
		Cooldown:         60 * time.Second,
		MomentumPeriod:   5,
		MaxDetections:    500,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MentionThreshold <= 0 {
		c.MentionThreshold = def.MentionThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.MomentumPeriod <= 0 {
		c.MomentumPeriod = def.MomentumPeriod
	}
	if c.MaxDetections <= 0 {
		c.MaxDetections = def.MaxDetections
	}
	return c
}

// windowEvent is the per-symbol slice the correlator keeps for each
// contributing event. Windowing uses arrival time, not the source
// timestamp, so stale articles still correlate with fresh chatter.
type windowEvent struct {
	seq        uint64
	arrivedAt  int64
	sentiment  float64
	engagement float64
	risk       float64
	platform   feed.Platform
}

type symbolWindow struct {
	events []windowEvent
}

func (w *symbolWindow) expire(cutoff int64) {
	i := 0
	for ; i < len(w.events); i++ {
		if w.events[i].arrivedAt >= cutoff {
			break
		}
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// activeEntry tracks a live cross-platform signal plus bookkeeping that
// does not belong in the JSON payload.
type activeEntry struct {
	sig             CrossPlatformSignal
	lastQualifiedAt time.Time
}

type emitMark struct {
	at    time.Time
	level RiskLevel
}

// Correlator consumes the activity log and emits signals.
type Correlator struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu         sync.RWMutex
	windows    map[string]*symbolWindow
	active     map[string]*activeEntry
	lastEmit   map[string]emitMark
	detections []Signal
	emitted    uint64

	handlersMu sync.RWMutex
	handlers   []Handler

	sub     *activity.Subscription
	done    chan struct{}
	started bool
}

func New(cfg Config, logger zerolog.Logger) *Correlator {
	return &Correlator{
		cfg:      cfg.withDefaults(),
		log:      logger.With().Str("component", "correlator").Logger(),
		now:      time.Now,
		windows:  make(map[string]*symbolWindow),
		active:   make(map[string]*activeEntry),
		lastEmit: make(map[string]emitMark),
	}
}

// OnSignal registers a handler invoked for every emitted signal, in
// emission order.
func (c *Correlator) OnSignal(h Handler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Start subscribes to the activity log and launches the consumer.
func (c *Correlator) Start(src *activity.Log) error {
	if c.started {
		return fmt.Errorf("correlator already started")
	}
	c.started = true
	c.sub = src.Subscribe("correlator", c.cfg.QueueSize)
	c.done = make(chan struct{})

	go c.consume()
	c.log.Info().
		Dur("window", c.cfg.Window).
		Int("mention_threshold", c.cfg.MentionThreshold).
		Dur("cooldown", c.cfg.Cooldown).
		Msg("Correlator started")
	return nil
}

// Stop detaches from the log and waits for the consumer to finish.
func (c *Correlator) Stop() {
	if !c.started {
		return
	}
	c.sub.Unsubscribe()
	<-c.done
	c.log.Info().Msg("Correlator stopped")
}

const sweepEvery = 512

func (c *Correlator) consume() {
	defer close(c.done)

	processed := 0
	for d := range c.sub.Events() {
		if d.IsGap() {
			c.log.Warn().Uint64("missed", d.Lagged).Msg("Correlator lagged behind activity log")
			continue
		}
		c.onEntry(d.Entry)

		processed++
		if processed%sweepEvery == 0 {
			c.sweep(c.now())
		}
	}
}

func (c *Correlator) onEntry(entry activity.Entry) {
	ev := entry.Event
	if ev.Platform == feed.PlatformSystem || len(ev.Symbols) == 0 {
		return
	}

	now := c.now()
	for _, symbol := range ev.Symbols {
		sig, emit := c.evaluate(symbol, entry, now)
		if emit {
			c.dispatch(sig)
		}
	}
}

// evaluate updates one symbol window and applies the emission rules. A
// panic in scoring one symbol is contained so the rest of the event's
// symbols still evaluate.
func (c *Correlator) evaluate(symbol string, entry activity.Entry, now time.Time) (sig Signal, emit bool) {
	defer func() {
		if r := recover(); r != nil {
			emit = false
			c.log.Error().Interface("panic", r).Str("symbol", symbol).
				Msg("Symbol evaluation panicked, skipping window this tick")
		}
	}()

	ev := entry.Event

	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.windows[symbol]
	if w == nil {
		w = &symbolWindow{}
		c.windows[symbol] = w
	}

	nowMS := now.UnixMilli()
	w.expire(now.Add(-c.cfg.Window).UnixMilli())
	w.events = append(w.events, windowEvent{
		seq:        entry.Seq,
		arrivedAt:  nowMS,
		sentiment:  ev.Sentiment,
		engagement: ev.Engagement,
		risk:       ev.RiskScore,
		platform:   ev.Platform,
	})
	metrics.TrackedSymbols.Set(float64(len(c.windows)))

	sig = c.buildSignal(symbol, w, entry.Seq, nowMS)

	if !sig.CrossPlatformSignal {
		if _, ok := c.active[symbol]; ok {
			delete(c.active, symbol)
			metrics.CrossPlatformActive.Set(float64(len(c.active)))
		}
		return sig, false
	}

	// Active episodes never downgrade: the effective level is floored at
	// the episode's current level.
	entryRec, live := c.active[symbol]
	if live && entryRec.sig.RiskLevel.Rank() > sig.RiskLevel.Rank() {
		sig.RiskLevel = entryRec.sig.RiskLevel
	}

	mark, marked := c.lastEmit[symbol]
	upgrade := marked && sig.RiskLevel.Rank() > mark.level.Rank()
	inCooldown := marked && now.Sub(mark.at) < c.cfg.Cooldown

	if live {
		entryRec.lastQualifiedAt = now
		entryRec.sig.RiskLevel = sig.RiskLevel
		entryRec.sig.ContributingPlatforms = sig.PlatformsSeen
	} else {
		c.active[symbol] = &activeEntry{
			sig: CrossPlatformSignal{
				Symbol:                symbol,
				RiskLevel:             sig.RiskLevel,
				ContributingPlatforms: sig.PlatformsSeen,
				FirstCrossedAt:        nowMS,
			},
			lastQualifiedAt: now,
		}
		metrics.CrossPlatformActive.Set(float64(len(c.active)))
	}

	if inCooldown && !upgrade {
		return sig, false
	}

	c.lastEmit[symbol] = emitMark{at: now, level: sig.RiskLevel}
	c.record(sig)
	metrics.SignalsEmitted.WithLabelValues(string(sig.RiskLevel)).Inc()
	return sig, true
}

// buildSignal computes the window aggregate. Caller holds mu.
func (c *Correlator) buildSignal(symbol string, w *symbolWindow, seq uint64, nowMS int64) Signal {
	var (
		sentimentSum  float64
		engagementSum float64
		riskSum       float64
		first         int64
		last          int64
	)
	platforms := make(map[feed.Platform]struct{}, 4)
	series := make([]float64, 0, len(w.events))

	for i, e := range w.events {
		sentimentSum += e.sentiment
		engagementSum += e.engagement
		riskSum += e.risk
		platforms[e.platform] = struct{}{}
		series = append(series, e.sentiment)
		if i == 0 || e.arrivedAt < first {
			first = e.arrivedAt
		}
		if e.arrivedAt > last {
			last = e.arrivedAt
		}
	}

	mentions := len(w.events)
	seen := make([]feed.Platform, 0, len(platforms))
	for p := range platforms {
		seen = append(seen, p)
	}
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })

	avgSentiment := sentimentSum / float64(mentions)
	avgRisk := riskSum / float64(mentions)

	sig := Signal{
		Symbol:            symbol,
		WindowMS:          c.cfg.Window.Milliseconds(),
		TotalMentions:     mentions,
		PlatformsSeen:     seen,
		AvgSentiment:      avgSentiment,
		SentimentMomentum: emaLast(series, c.cfg.MomentumPeriod),
		AvgRiskScore:      avgRisk,
		FirstSeen:         first,
		LastSeen:          last,
		TotalEngagement:   engagementSum,
		TriggerSeq:        seq,
		DetectedAt:        nowMS,
	}

	threshold := c.cfg.MentionThreshold
	sig.CrossPlatformSignal = len(seen) >= 2 && mentions >= threshold

	abs := avgSentiment
	if abs < 0 {
		abs = -abs
	}
	switch {
	case avgRisk >= 0.8,
		len(seen) >= 3 && abs >= 0.6 && mentions >= 2*threshold:
		sig.RiskLevel = RiskCritical
	case len(seen) >= 3, mentions >= 2*threshold:
		sig.RiskLevel = RiskHigh
	case sig.CrossPlatformSignal:
		sig.RiskLevel = RiskMedium
	default:
		sig.RiskLevel = RiskLow
	}
	return sig
}

// record appends to the bounded detection history. Caller holds mu.
func (c *Correlator) record(sig Signal) {
	c.emitted++
	c.detections = append(c.detections, sig)
	if len(c.detections) > c.cfg.MaxDetections {
		overflow := len(c.detections) - c.cfg.MaxDetections
		c.detections = append(c.detections[:0], c.detections[overflow:]...)
	}
}

// EmittedCount returns the number of signals emitted since start.
func (c *Correlator) EmittedCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.emitted
}

func (c *Correlator) dispatch(sig Signal) {
	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(sig)
	}
}

// sweep expires idle windows and stale active signals so symbols that went
// quiet stop holding memory.
func (c *Correlator) sweep(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	cutoffMS := cutoff.UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	for symbol, w := range c.windows {
		w.expire(cutoffMS)
		if len(w.events) == 0 {
			delete(c.windows, symbol)
		}
	}
	for symbol, entryRec := range c.active {
		if entryRec.lastQualifiedAt.Before(cutoff) {
			delete(c.active, symbol)
		}
	}
	for symbol, mark := range c.lastEmit {
		if now.Sub(mark.at) > 10*c.cfg.Cooldown {
			delete(c.lastEmit, symbol)
		}
	}

	metrics.TrackedSymbols.Set(float64(len(c.windows)))
	metrics.CrossPlatformActive.Set(float64(len(c.active)))
}

// ActiveSignals returns the live cross-platform signals, pruning entries
// whose window has lapsed.
func (c *Correlator) ActiveSignals() []CrossPlatformSignal {
	now := c.now()
	cutoff := now.Add(-c.cfg.Window)

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CrossPlatformSignal, 0, len(c.active))
	for symbol, entryRec := range c.active {
		if entryRec.lastQualifiedAt.Before(cutoff) {
			delete(c.active, symbol)
			continue
		}
		out = append(out, entryRec.sig)
	}
	metrics.CrossPlatformActive.Set(float64(len(c.active)))

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Detections returns emitted signals no older than since, newest last,
// capped at limit.
func (c *Correlator) Detections(since time.Time, limit int) []Signal {
	sinceMS := since.UnixMilli()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Signal, 0, limit)
	for _, sig := range c.detections {
		if sig.DetectedAt >= sinceMS {
			out = append(out, sig)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// emaLast returns the latest EMA value of the series. Series shorter than
// the period fall back to the plain mean.
func emaLast(series []float64, period int) float64 {
	if len(series) == 0 {
		return 0
	}
	if len(series) < period {
		var sum float64
		for _, v := range series {
			sum += v
		}
		return sum / float64(len(series))
	}

	in := make(chan float64, len(series))
	for _, v := range series {
		in <- v
	}
	close(in)

	ema := trend.NewEmaWithPeriod[float64](period)
	var lastVal float64
	for v := range ema.Compute(in) {
		lastVal = v
	}
	return lastVal
}
