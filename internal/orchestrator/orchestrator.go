// Package orchestrator assembles the ingestion pipeline and drives it
// through an explicit lifecycle: symbol registry, activity log,
// correlator and source adapters are built at Initialize, started and
// stopped together, and reconfigured per adapter without restarting the
// rest of the pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pumpwatch/pumpwatch/internal/activity"
	"github.com/pumpwatch/pumpwatch/internal/correlator"
	"github.com/pumpwatch/pumpwatch/internal/feed"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
	"github.com/pumpwatch/pumpwatch/internal/sources"
)

// State is the pipeline lifecycle state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitializing  State = "INITIALIZING"
	StateReady         State = "READY"
	StateRunning       State = "RUNNING"
	StateStopping      State = "STOPPING"
	StateStopped       State = "STOPPED"
)

func (s State) gaugeValue() float64 {
	switch s {
	case StateUninitialized:
		return 0
	case StateInitializing:
		return 1
	case StateReady:
		return 2
	case StateRunning:
		return 3
	case StateStopping:
		return 4
	case StateStopped:
		return 5
	default:
		return -1
	}
}

var (
	// ErrInvalidTransition is wrapped by every refused lifecycle change.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrMissingCredential is wrapped when a required source cannot be
	// built, typically because its credential is unset. Startup maps it
	// to exit code 3.
	ErrMissingCredential = errors.New("required source credential missing")
)

// transitions lists the legal next states. INITIALIZING may fall back to
// UNINITIALIZED when component construction fails.
var transitions = map[State][]State{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateReady, StateUninitialized},
	StateReady:         {StateRunning, StateStopping},
	StateRunning:       {StateStopping},
	StateStopping:      {StateStopped},
	StateStopped:       {StateInitializing},
}

// Config wires the pipeline components together.
type Config struct {
	Sources    sources.Specs     `json:"sources" yaml:"sources" mapstructure:"sources"`
	Activity   activity.Config   `json:"activity" yaml:"activity" mapstructure:"activity"`
	Correlator correlator.Config `json:"correlator" yaml:"correlator" mapstructure:"correlator"`

	// RegistryPath optionally overrides the compiled-in symbol registry
	// with a YAML document.
	RegistryPath string `json:"registry_path" yaml:"registry_path" mapstructure:"registry_path"`

	// RequiredSources names platforms that must come up at Initialize.
	// A required source whose credential is unresolved fails startup
	// instead of being skipped.
	RequiredSources []string `json:"required_sources" yaml:"required_sources" mapstructure:"required_sources"`

	// StopTimeout bounds how long Stop waits for adapters to drain.
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout" mapstructure:"stop_timeout"`
}

// DefaultConfig returns the stock pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Sources:     sources.DefaultSpecs(),
		Activity:    activity.DefaultConfig(),
		Correlator:  correlator.DefaultConfig(),
		StopTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// SymbolCount is one row of the activity summary.
type SymbolCount struct {
	Symbol    string   `json:"symbol"`
	Mentions  int      `json:"mentions"`
	Platforms []string `json:"platforms"`
}

// Stats aggregates the pipeline and per-adapter figures.
type Stats struct {
	State             State           `json:"state"`
	UptimeMS          int64           `json:"uptime_ms"`
	TotalEvents       uint64          `json:"total_events"`
	DroppedEvents     uint64          `json:"dropped_events"`
	SignalsEmitted    uint64          `json:"signals_emitted"`
	ActiveDataSources int             `json:"active_data_sources"`
	DataSourceStatus  []sources.Stats `json:"data_source_status"`
	ActivityLog       activity.Stats  `json:"activity_log"`
}

// Orchestrator owns the pipeline components and their lifecycle.
type Orchestrator struct {
	baseLog zerolog.Logger
	log     zerolog.Logger

	mu        sync.Mutex
	state     State
	cfg       Config
	analyzer  *feed.Analyzer
	alog      *activity.Log
	corr      *correlator.Correlator
	adapters  map[feed.Platform]sources.Adapter
	handlers  []correlator.Handler
	sink      activity.DurableSink
	runCtx    context.Context
	runCancel context.CancelFunc
	startedAt time.Time
}

// New returns an orchestrator in UNINITIALIZED.
func New(cfg Config, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		baseLog: logger,
		log:     logger.With().Str("component", "orchestrator").Logger(),
		cfg:     cfg.withDefaults(),
		state:   StateUninitialized,
	}
	metrics.PipelineState.Set(StateUninitialized.gaugeValue())
	return o
}

// transitionLocked applies a lifecycle change or refuses it. Caller
// holds mu.
func (o *Orchestrator) transitionLocked(to State) error {
	for _, allowed := range transitions[o.state] {
		if allowed != to {
			continue
		}
		o.log.Info().Str("from", string(o.state)).Str("to", string(to)).Msg("Lifecycle transition")
		o.state = to
		metrics.PipelineState.Set(to.gaugeValue())
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, to)
}

// OnSignal registers a handler for every correlator signal. Handlers
// survive re-initialization.
func (o *Orchestrator) OnSignal(h correlator.Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, h)
	if o.corr != nil {
		o.corr.OnSignal(h)
	}
}

// AttachSink sets the durable mirror for the activity log. Like signal
// handlers, the sink survives re-initialization.
func (o *Orchestrator) AttachSink(sink activity.DurableSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = sink
	if o.alog != nil {
		o.alog.AttachSink(sink)
	}
}

// Initialize builds the registry, activity log, correlator and adapters
// for the enabled sources. Legal from UNINITIALIZED and STOPPED.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.transitionLocked(StateInitializing); err != nil {
		return err
	}
	if err := o.buildLocked(ctx); err != nil {
		if rbErr := o.transitionLocked(StateUninitialized); rbErr != nil {
			o.log.Error().Err(rbErr).Msg("Lifecycle rollback failed")
		}
		return err
	}
	return o.transitionLocked(StateReady)
}

func (o *Orchestrator) buildLocked(ctx context.Context) error {
	reg := feed.NewDefaultRegistry()
	if o.cfg.RegistryPath != "" {
		loaded, err := feed.LoadRegistry(o.cfg.RegistryPath)
		if err != nil {
			return fmt.Errorf("load symbol registry: %w", err)
		}
		reg = loaded
		o.log.Info().Str("path", o.cfg.RegistryPath).Int("tickers", reg.TickerCount()).
			Msg("Symbol registry loaded")
	}
	o.analyzer = feed.NewAnalyzer(reg)

	o.alog = activity.New(o.cfg.Activity, o.baseLog)
	if o.sink != nil {
		o.alog.AttachSink(o.sink)
	}

	o.corr = correlator.New(o.cfg.Correlator, o.baseLog)
	for _, h := range o.handlers {
		o.corr.OnSignal(h)
	}

	built := o.cfg.Sources.Build(o.alog, o.analyzer, o.baseLog)
	o.adapters = make(map[feed.Platform]sources.Adapter, len(built))
	for _, ad := range built {
		o.adapters[ad.Platform()] = ad
	}

	if err := o.checkRequiredLocked(); err != nil {
		if closeErr := o.alog.Close(ctx); closeErr != nil {
			o.log.Error().Err(closeErr).Msg("Activity log close failed during rollback")
		}
		o.alog, o.corr, o.analyzer, o.adapters = nil, nil, nil, nil
		return err
	}

	o.log.Info().Int("adapters", len(o.adapters)).Msg("Pipeline components built")
	return nil
}

// checkRequiredLocked verifies every required platform produced an
// adapter. Caller holds mu.
func (o *Orchestrator) checkRequiredLocked() error {
	for _, name := range o.cfg.RequiredSources {
		platform := feed.Platform(strings.ToLower(strings.TrimSpace(name)))
		if platform == "pushshift" {
			platform = feed.PlatformReddit
		}
		if _, ok := o.adapters[platform]; !ok {
			return fmt.Errorf("%w: source %q unavailable", ErrMissingCredential, name)
		}
	}
	return nil
}

// Start launches the correlator and all adapters concurrently, then
// enters RUNNING. It returns once every adapter has at least reached its
// connecting state; individual connect failures surface through Stats.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.transitionLocked(StateRunning); err != nil {
		return err
	}

	// Adapters outlive the caller's request context; Stop cancels this.
	o.runCtx, o.runCancel = context.WithCancel(context.Background())

	if err := o.corr.Start(o.alog); err != nil {
		return fmt.Errorf("start correlator: %w", err)
	}

	var g errgroup.Group
	for _, ad := range o.adapters {
		g.Go(func() error {
			if err := ad.Start(o.runCtx); err != nil {
				return fmt.Errorf("start %s adapter: %w", ad.Platform(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A start error means the adapter was already running; the
		// pipeline stays up and the adapter's state tells the story.
		o.log.Error().Err(err).Msg("Adapter start reported an error")
	}

	o.startedAt = time.Now()
	o.updateActiveSourcesLocked()
	o.log.Info().Int("adapters", len(o.adapters)).Msg("Pipeline running")
	return nil
}

// Stop halts the adapters, drains in-flight publishes bounded by
// StopTimeout, then tears down the correlator and activity log.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if err := o.transitionLocked(StateStopping); err != nil {
		o.mu.Unlock()
		return err
	}
	adapters := make([]sources.Adapter, 0, len(o.adapters))
	for _, ad := range o.adapters {
		adapters = append(adapters, ad)
	}
	alog, corr := o.alog, o.corr
	runCancel := o.runCancel
	stopTimeout := o.cfg.StopTimeout
	o.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, ad := range adapters {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ad.Stop()
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		o.log.Warn().Dur("timeout", stopTimeout).Msg("Adapter stop timed out, continuing teardown")
	case <-ctx.Done():
		o.log.Warn().Msg("Stop canceled by caller, continuing teardown")
	}

	corr.Stop()
	if err := alog.Close(ctx); err != nil {
		o.log.Warn().Err(err).Msg("Activity log close reported an error")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.updateActiveSourcesLocked()
	if err := o.transitionLocked(StateStopped); err != nil {
		return err
	}
	o.log.Info().Msg("Pipeline stopped")
	return nil
}

// UpdateConfig applies new source specs. Adapters whose spec is
// unchanged keep running; changed ones are stopped, rebuilt and, when
// the pipeline is RUNNING, restarted. Legal only in READY and RUNNING.
func (o *Orchestrator) UpdateConfig(ctx context.Context, next sources.Specs) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateReady && o.state != StateRunning {
		return fmt.Errorf("%w: config update in state %s", ErrInvalidTransition, o.state)
	}

	fresh := next.Build(o.alog, o.analyzer, o.baseLog)
	freshBy := make(map[feed.Platform]sources.Adapter, len(fresh))
	for _, ad := range fresh {
		freshBy[ad.Platform()] = ad
	}

	kept := make(map[feed.Platform]sources.Adapter, len(freshBy))
	for platform, ad := range o.adapters {
		_, still := freshBy[platform]
		if still && reflect.DeepEqual(specFor(o.cfg.Sources, platform), specFor(next, platform)) {
			kept[platform] = ad
			delete(freshBy, platform)
			continue
		}
		ad.Stop()
		o.log.Info().Str("platform", string(platform)).Msg("Adapter stopped by config update")
	}

	for platform, ad := range freshBy {
		if o.state == StateRunning {
			if err := ad.Start(o.runCtx); err != nil {
				o.log.Error().Err(err).Str("platform", string(platform)).
					Msg("Adapter restart failed after config update")
			} else {
				o.log.Info().Str("platform", string(platform)).Msg("Adapter started by config update")
			}
		}
		kept[platform] = ad
	}

	o.adapters = kept
	o.cfg.Sources = next
	o.updateActiveSourcesLocked()
	return nil
}

// specFor returns the per-platform spec used for change detection.
func specFor(s sources.Specs, platform feed.Platform) any {
	switch platform {
	case feed.PlatformRSS:
		return s.RSS
	case feed.PlatformCryptoPanic:
		return s.CryptoPanic
	case feed.PlatformLunarCrush:
		return s.LunarCrush
	case feed.PlatformReddit:
		return s.Pushshift
	case feed.PlatformTwitter:
		return s.Twitter
	default:
		return nil
	}
}

// IsActive reports whether the pipeline is RUNNING.
func (o *Orchestrator) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateRunning
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// GetConfig returns the active configuration. Credential fields carry
// `json:"-"` tags, so marshaling a Config never leaks them.
func (o *Orchestrator) GetConfig() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Stats aggregates pipeline and adapter statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Stats{State: o.state}
	if o.state == StateRunning {
		st.UptimeMS = time.Since(o.startedAt).Milliseconds()
	}
	if o.alog != nil {
		as := o.alog.Stats()
		st.ActivityLog = as
		st.TotalEvents = as.TotalLogged
		st.DroppedEvents = as.DroppedIngress
	}
	if o.corr != nil {
		st.SignalsEmitted = o.corr.EmittedCount()
	}

	for _, ad := range o.sortedAdaptersLocked() {
		s := ad.Stats()
		st.DataSourceStatus = append(st.DataSourceStatus, s)
		if adapterActive(s.State) {
			st.ActiveDataSources++
		}
	}
	metrics.ActiveSources.Set(float64(st.ActiveDataSources))
	return st
}

// ActiveSignals delegates to the correlator.
func (o *Orchestrator) ActiveSignals() []correlator.CrossPlatformSignal {
	o.mu.Lock()
	corr := o.corr
	o.mu.Unlock()
	if corr == nil {
		return nil
	}
	return corr.ActiveSignals()
}

// Detections returns recent emitted signals.
func (o *Orchestrator) Detections(since time.Time, limit int) []correlator.Signal {
	o.mu.Lock()
	corr := o.corr
	o.mu.Unlock()
	if corr == nil {
		return nil
	}
	return corr.Detections(since, limit)
}

// RecentSince exposes the activity log's recent window, letting the
// orchestrator stand in as the archiver's activity source.
func (o *Orchestrator) RecentSince(d time.Duration) []activity.Entry {
	o.mu.Lock()
	alog := o.alog
	o.mu.Unlock()
	if alog == nil {
		return nil
	}
	return alog.RecentSince(d)
}

// TopSymbols summarizes mention counts over the given window, most
// mentioned first, capped at n.
func (o *Orchestrator) TopSymbols(window time.Duration, n int) []SymbolCount {
	o.mu.Lock()
	alog := o.alog
	o.mu.Unlock()
	if alog == nil {
		return nil
	}

	type agg struct {
		mentions  int
		platforms map[string]struct{}
	}
	bySymbol := make(map[string]*agg)
	for _, entry := range alog.RecentSince(window) {
		for _, symbol := range entry.Event.Symbols {
			a := bySymbol[symbol]
			if a == nil {
				a = &agg{platforms: make(map[string]struct{})}
				bySymbol[symbol] = a
			}
			a.mentions++
			a.platforms[string(entry.Event.Platform)] = struct{}{}
		}
	}

	out := make([]SymbolCount, 0, len(bySymbol))
	for symbol, a := range bySymbol {
		platforms := make([]string, 0, len(a.platforms))
		for p := range a.platforms {
			platforms = append(platforms, p)
		}
		sort.Strings(platforms)
		out = append(out, SymbolCount{Symbol: symbol, Mentions: a.mentions, Platforms: platforms})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mentions != out[j].Mentions {
			return out[i].Mentions > out[j].Mentions
		}
		return out[i].Symbol < out[j].Symbol
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (o *Orchestrator) sortedAdaptersLocked() []sources.Adapter {
	list := make([]sources.Adapter, 0, len(o.adapters))
	for _, ad := range o.adapters {
		list = append(list, ad)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Platform() < list[j].Platform() })
	return list
}

func (o *Orchestrator) updateActiveSourcesLocked() {
	active := 0
	for _, ad := range o.adapters {
		if adapterActive(ad.Stats().State) {
			active++
		}
	}
	metrics.ActiveSources.Set(float64(active))
}

func adapterActive(s sources.AdapterState) bool {
	switch s {
	case sources.StateConnecting, sources.StateRunning, sources.StateBackoff:
		return true
	default:
		return false
	}
}
