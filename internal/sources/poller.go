package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pumpwatch/pumpwatch/internal/feed"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// fetchFunc performs one poll against the upstream API and returns the raw
// items, newest or oldest first; ordering is preserved through enrichment.
type fetchFunc func(ctx context.Context) ([]RawItem, error)

// poller runs the shared poll/dedup/enrich/publish cycle for the polling
// adapters. One goroutine per poller; Stop cancels it and waits.
type poller struct {
	*core

	cfg      Common
	fetch    fetchFunc
	pub      Publisher
	analyzer *feed.Analyzer
	limiter  *rate.Limiter
	dedup    *dedupCache
	log      zerolog.Logger

	// allTransient treats every fetch failure as retryable. Used by
	// best-effort sources whose public endpoints flap between error
	// classes.
	allTransient bool

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newPoller(platform feed.Platform, cfg Common, fetch fetchFunc, pub Publisher, analyzer *feed.Analyzer, logger zerolog.Logger) *poller {
	cfg = cfg.withDefaults()
	rps := float64(cfg.RateLimitPerMinute) / 60.0
	burst := cfg.RateLimitPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &poller{
		core:     newCore(platform),
		cfg:      cfg,
		fetch:    fetch,
		pub:      pub,
		analyzer: analyzer,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		dedup:    newDedupCache(defaultDedupSize),
		log:      logger.With().Str("component", "source").Str("platform", string(platform)).Logger(),
	}
}

func (p *poller) Platform() feed.Platform { return p.platform }

func (p *poller) Start(ctx context.Context) error {
	if p.started {
		return fmt.Errorf("%s adapter already started", p.platform)
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.setState(StateConnecting)

	go p.run(runCtx)
	p.log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("rate_limit_per_minute", p.cfg.RateLimitPerMinute).
		Msg("Source adapter started")
	return nil
}

func (p *poller) Stop() {
	if !p.started {
		return
	}
	p.cancel()
	<-p.done
	if p.currentState() != StateFailed {
		p.setState(StateIdle)
	}
	p.log.Info().Msg("Source adapter stopped")
}

func (p *poller) Stats() Stats { return p.snapshot() }

func (p *poller) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			p.recordError(fmt.Errorf("adapter panic: %v", r))
			p.setState(StateFailed)
			p.log.Error().Interface("panic", r).Msg("Source adapter worker panicked")
		}
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.pollOnce(ctx)
		switch {
		case err == nil:
			failures = 0
			p.setState(StateRunning)
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return
			}
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			return
		case p.terminal(err):
			p.recordError(err)
			p.setState(StateFailed)
			p.log.Error().Err(err).Msg("Source adapter failed, not retrying")
			return
		default:
			failures++
			delay := p.cfg.Retry.Delay(failures, retryAfterHint(err))
			p.recordError(err)
			p.setState(StateBackoff)
			p.log.Warn().
				Err(err).
				Int("consecutive_failures", failures).
				Dur("backoff", delay).
				Msg("Source poll failed, backing off")
			if !sleepCtx(ctx, delay) {
				return
			}
		}
	}
}

func (p *poller) pollOnce(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	items, err := p.fetch(fetchCtx)
	cancel()
	if err != nil {
		return err
	}

	p.setState(StateRunning)
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if item.ID == "" {
			continue
		}
		if p.dedup.Seen(item.ID) {
			p.markDuplicate()
			continue
		}
		p.publish(item)
	}
	return nil
}

func (p *poller) publish(item RawItem) {
	deliver(p.core, p.pub, p.analyzer, p.log, item)
}

// deliver enriches one raw item and hands it to the activity log,
// keeping the adapter counters in step.
func deliver(c *core, pub Publisher, analyzer *feed.Analyzer, logger zerolog.Logger, item RawItem) {
	ev := enrich(c.platform, item, analyzer, pub)
	if err := ev.Validate(); err != nil {
		metrics.EventsDropped.WithLabelValues(string(c.platform), metrics.DropInvalid).Inc()
		logger.Debug().Err(err).Str("item_id", item.ID).Msg("Dropping invalid source item")
		return
	}

	ok, err := pub.Log(ev)
	if err != nil || !ok {
		c.markDropped()
		return
	}
	c.markEmitted()
}

func (p *poller) terminal(err error) bool {
	if p.allTransient {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Transient()
	}
	return false
}

func retryAfterHint(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}

// enrich runs extraction and scoring over a raw item and stamps novelty.
// Source-declared symbol hints are unioned with the extracted set.
func enrich(platform feed.Platform, item RawItem, analyzer *feed.Analyzer, pub Publisher) feed.Event {
	analysis := analyzer.Analyze(item.Text)

	symbols := analysis.Symbols
	if len(item.SymbolHints) > 0 {
		symbols = mergeSymbols(symbols, item.SymbolHints)
	}

	isNew := false
	for _, s := range symbols {
		if !pub.SeenSymbolSince(s, 24*time.Hour) {
			isNew = true
			break
		}
	}

	ts := item.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	return feed.Event{
		ID:             item.ID,
		Platform:       platform,
		Source:         item.Source,
		Timestamp:      ts,
		Text:           item.Text,
		Author:         item.Author,
		Engagement:     item.Engagement,
		Symbols:        symbols,
		Sentiment:      analysis.Sentiment,
		Confidence:     analysis.Confidence,
		PumpIndicators: analysis.PumpIndicators,
		RiskScore:      analysis.RiskScore,
		IsNew:          isNew,
	}
}

// mergeSymbols unions hints into the extracted set, keeping extraction
// order first and hint order after, without duplicates.
func mergeSymbols(extracted, hints []string) []string {
	out := make([]string, 0, len(extracted)+len(hints))
	seen := make(map[string]struct{}, len(extracted)+len(hints))
	for _, s := range extracted {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, h := range hints {
		h = strings.ToUpper(strings.TrimSpace(h))
		if h == "" || !validHint(h) {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// validHint applies the cashtag shape rules to source-declared symbols.
func validHint(s string) bool {
	if len(s) < 2 || len(s) > 6 {
		return false
	}
	hasLetter := false
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			hasLetter = true
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return hasLetter
}
