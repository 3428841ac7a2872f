// Package breaker implements the trading circuit breaker that gates every
// outbound trade operation. It is a three-state machine (CLOSED, OPEN,
// HALF_OPEN) tripped by operation failures inside a monitoring window or
// by trading metrics (daily loss, drawdown, consecutive losses), with
// manual force transitions and a latched emergency stop on top.
//
// gobreaker guards plain request paths elsewhere in the tree; it cannot
// express metric trips, forced transitions or the event contract, so the
// state machine here is custom.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalJSON writes states as their string names.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ErrCircuitOpen is returned by Execute while the circuit is open; the
// operation is never invoked.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrEmergencyStopped is the rejection while the emergency latch is set.
// It matches ErrCircuitOpen under errors.Is; unlike a plain open circuit
// no reset timeout applies, only ForceClose clears it.
var ErrEmergencyStopped = fmt.Errorf("%w: emergency stopped", ErrCircuitOpen)

// Trip reasons, also surfaced verbatim through events and the API.
const (
	ReasonFailureThreshold  = "Failure threshold exceeded"
	ReasonDailyLoss         = "Daily loss limit exceeded"
	ReasonMaxDrawdown       = "Maximum drawdown exceeded"
	ReasonConsecutiveLosses = "Maximum consecutive losses exceeded"
)

// FailureCategory classifies operation failures. Only api_error, unknown
// and risk_breach count toward the failure window: trade losses and
// drawdown are tracked by the metric thresholds instead, so they must not
// double-trip the failure counter.
type FailureCategory string

const (
	FailureAPIError   FailureCategory = "api_error"
	FailureTradeLoss  FailureCategory = "trade_loss"
	FailureDrawdown   FailureCategory = "drawdown"
	FailureRiskBreach FailureCategory = "risk_breach"
	FailureUnknown    FailureCategory = "unknown"
)

// Marker errors for callers that want explicit failure classification;
// wrap them with fmt.Errorf("%w: ...", breaker.ErrTradeLoss).
var (
	ErrAPIFailure = errors.New("api failure")
	ErrTradeLoss  = errors.New("trade loss")
	ErrDrawdown   = errors.New("drawdown breach")
	ErrRiskBreach = errors.New("risk breach")
)

// Classify maps an operation error onto a failure category: marker errors
// first, message heuristics second, unknown otherwise.
func Classify(err error) FailureCategory {
	switch {
	case errors.Is(err, ErrAPIFailure):
		return FailureAPIError
	case errors.Is(err, ErrTradeLoss):
		return FailureTradeLoss
	case errors.Is(err, ErrDrawdown):
		return FailureDrawdown
	case errors.Is(err, ErrRiskBreach):
		return FailureRiskBreach
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "api"),
		strings.Contains(msg, "rate limit"):
		return FailureAPIError
	case strings.Contains(msg, "drawdown"):
		return FailureDrawdown
	case strings.Contains(msg, "loss"):
		return FailureTradeLoss
	case strings.Contains(msg, "risk"):
		return FailureRiskBreach
	default:
		return FailureUnknown
	}
}

// entersWindow reports whether the category counts toward tripping.
func (c FailureCategory) entersWindow() bool {
	switch c {
	case FailureAPIError, FailureUnknown, FailureRiskBreach:
		return true
	default:
		return false
	}
}

// Failure is one diagnostic failure record.
type Failure struct {
	At       time.Time       `json:"at"`
	Category FailureCategory `json:"category"`
	OpType   string          `json:"op_type"`
	Message  string          `json:"message"`
}

// maxFailureHistory bounds the diagnostic failure list. Trip decisions
// never read it; they use the monitoring window timestamps only.
const maxFailureHistory = 100

// Metrics are the trading figures the breaker watches.
type Metrics struct {
	DailyPnL          float64   `json:"daily_pnl"`
	TotalPnL          float64   `json:"total_pnl"`
	PeakPnL           float64   `json:"peak_pnl"`
	Drawdown          float64   `json:"drawdown"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	TotalTrades       int       `json:"total_trades"`
	LastTradeAt       time.Time `json:"last_trade_at,omitzero"`
}

// Config tunes the breaker thresholds.
type Config struct {
	FailureThreshold     int           `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
	MonitoringPeriod     time.Duration `json:"monitoring_period" yaml:"monitoring_period" mapstructure:"monitoring_period"`
	ResetTimeout         time.Duration `json:"reset_timeout" yaml:"reset_timeout" mapstructure:"reset_timeout"`
	MaxDailyLoss         float64       `json:"max_daily_loss" yaml:"max_daily_loss" mapstructure:"max_daily_loss"`
	MaxDrawdown          float64       `json:"max_drawdown" yaml:"max_drawdown" mapstructure:"max_drawdown"`
	MaxConsecutiveLosses int           `json:"max_consecutive_losses" yaml:"max_consecutive_losses" mapstructure:"max_consecutive_losses"`
	EnableAutoHalt       bool          `json:"enable_auto_halt" yaml:"enable_auto_halt" mapstructure:"enable_auto_halt"`
}

// DefaultConfig returns the stock breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		MonitoringPeriod:     60 * time.Second,
		ResetTimeout:         5 * time.Minute,
		MaxDailyLoss:         1000,
		MaxDrawdown:          0.20,
		MaxConsecutiveLosses: 5,
		EnableAutoHalt:       true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = def.MonitoringPeriod
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.MaxDailyLoss <= 0 {
		c.MaxDailyLoss = def.MaxDailyLoss
	}
	if c.MaxDrawdown <= 0 {
		c.MaxDrawdown = def.MaxDrawdown
	}
	if c.MaxConsecutiveLosses <= 0 {
		c.MaxConsecutiveLosses = def.MaxConsecutiveLosses
	}
	return c
}

// ConfigPatch is a partial config update; nil fields keep current values.
type ConfigPatch struct {
	FailureThreshold     *int           `json:"failure_threshold,omitempty"`
	MonitoringPeriod     *time.Duration `json:"monitoring_period,omitempty"`
	ResetTimeout         *time.Duration `json:"reset_timeout,omitempty"`
	MaxDailyLoss         *float64       `json:"max_daily_loss,omitempty"`
	MaxDrawdown          *float64       `json:"max_drawdown,omitempty"`
	MaxConsecutiveLosses *int           `json:"max_consecutive_losses,omitempty"`
	EnableAutoHalt       *bool          `json:"enable_auto_halt,omitempty"`
}

// Status is a point-in-time snapshot for the API.
type Status struct {
	State          State     `json:"state"`
	TripReason     string    `json:"trip_reason,omitempty"`
	OpenedAt       time.Time `json:"opened_at,omitzero"`
	Latched        bool      `json:"latched"`
	WindowFailures int       `json:"window_failures"`
	CanAttemptAt   time.Time `json:"can_attempt_at,omitzero"`
	Metrics        Metrics   `json:"metrics"`
	Config         Config    `json:"config"`
}

// Breaker is the trading circuit breaker.
type Breaker struct {
	log zerolog.Logger
	now func() time.Time

	mu         sync.Mutex
	cfg        Config
	state      State
	openedAt   time.Time
	latched    bool
	tripReason string
	window     []time.Time
	history    []Failure
	metrics    Metrics

	subMu sync.RWMutex
	subs  map[uuid.UUID]*EventSub
}

func New(cfg Config, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		log:  logger.With().Str("component", "circuit_breaker").Logger(),
		now:  time.Now,
		cfg:  cfg.withDefaults(),
		subs: make(map[uuid.UUID]*EventSub),
	}
	metrics.BreakerState.Set(0)
	return b
}

// Execute runs op under the breaker. While OPEN (and past no reset
// timeout) it returns ErrCircuitOpen without invoking op. The operation
// itself runs outside the breaker lock.
func (b *Breaker) Execute(ctx context.Context, opType string, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		metrics.BreakerOperations.WithLabelValues(opType, "rejected").Inc()
		return err
	}

	err := op(ctx)
	b.afterOp(opType, err)
	return err
}

// allow gates an operation, lazily moving OPEN to HALF_OPEN once the
// reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.latched {
		return ErrEmergencyStopped
	}
	if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
		return ErrCircuitOpen
	}

	b.setState(StateHalfOpen, EventCircuitHalfOpen, "")
	b.log.Info().Msg("Circuit breaker half-open, allowing trial operation")
	return nil
}

func (b *Breaker) afterOp(opType string, err error) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		metrics.BreakerOperations.WithLabelValues(opType, "success").Inc()
		if b.state == StateHalfOpen {
			b.clearTripLocked()
			b.setState(StateClosed, EventCircuitClosed, "")
			b.log.Info().Str("op_type", opType).Msg("Circuit breaker closed after successful trial")
		}
		b.emit(Event{Type: EventOperationSuccess, State: b.state, OpType: opType, Timestamp: now.UnixMilli()})
		return
	}

	metrics.BreakerOperations.WithLabelValues(opType, "failure").Inc()
	category := Classify(err)
	b.emit(Event{
		Type: EventOperationFailure, State: b.state, OpType: opType,
		Reason: string(category), Timestamp: now.UnixMilli(),
	})

	if !category.entersWindow() {
		return
	}

	b.window = append(b.window, now)
	b.pruneWindowLocked(now)
	b.history = append(b.history, Failure{At: now, Category: category, OpType: opType, Message: err.Error()})
	if len(b.history) > maxFailureHistory {
		b.history = append(b.history[:0], b.history[len(b.history)-maxFailureHistory:]...)
	}
	b.emit(Event{
		Type: EventFailureRecorded, State: b.state, OpType: opType,
		Reason: string(category), Timestamp: now.UnixMilli(),
	})

	switch b.state {
	case StateHalfOpen:
		// The trial failed; reopen with a fresh timeout.
		b.openedAt = now
		b.setState(StateOpen, EventCircuitOpened, b.tripReason)
		b.log.Warn().Str("op_type", opType).Msg("Trial operation failed, circuit breaker reopened")
	case StateClosed:
		if len(b.window) >= b.cfg.FailureThreshold {
			b.tripLocked(ReasonFailureThreshold, now)
		}
	}
}

// pruneWindowLocked drops window entries older than the monitoring
// period. Caller holds mu.
func (b *Breaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// tripLocked opens the circuit with the given reason. Caller holds mu and
// has verified the state is not already OPEN.
func (b *Breaker) tripLocked(reason string, now time.Time) {
	b.openedAt = now
	b.tripReason = reason
	b.setState(StateOpen, EventCircuitOpened, reason)
	metrics.BreakerTrips.WithLabelValues(metrics.NormalizeTripReason(reason)).Inc()
	b.log.Error().Str("reason", reason).Msg("Circuit breaker tripped")
}

// clearTripLocked resets trip bookkeeping on close. Caller holds mu.
func (b *Breaker) clearTripLocked() {
	b.window = b.window[:0]
	b.tripReason = ""
	b.latched = false
	b.openedAt = time.Time{}
}

// setState records a transition and emits its event. Caller holds mu;
// no-op suppression is the caller's duty (every call site changes state).
func (b *Breaker) setState(to State, evType EventType, reason string) {
	b.state = to
	metrics.BreakerState.Set(float64(to))
	b.emit(Event{Type: evType, State: to, Reason: reason, Timestamp: b.now().UnixMilli()})
}

// evaluateMetricTripsLocked applies the trading thresholds in a fixed
// order so trip reasons are deterministic. Caller holds mu.
func (b *Breaker) evaluateMetricTripsLocked(now time.Time) {
	if !b.cfg.EnableAutoHalt || b.state == StateOpen {
		return
	}
	switch {
	case b.metrics.DailyPnL <= -b.cfg.MaxDailyLoss:
		b.tripLocked(ReasonDailyLoss, now)
	case b.metrics.Drawdown >= b.cfg.MaxDrawdown:
		b.tripLocked(ReasonMaxDrawdown, now)
	case b.metrics.ConsecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		b.tripLocked(ReasonConsecutiveLosses, now)
	}
}

// UpdateDailyPnL replaces the daily PnL figure and evaluates trips.
func (b *Breaker) UpdateDailyPnL(v float64) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.DailyPnL = v
	metrics.BreakerDailyPnL.Set(v)
	b.evaluateMetricTripsLocked(now)
}

// UpdateDrawdown replaces the drawdown figure (fraction of peak) and
// evaluates trips.
func (b *Breaker) UpdateDrawdown(v float64) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.Drawdown = v
	metrics.BreakerDrawdown.Set(v)
	b.evaluateMetricTripsLocked(now)
}

// RecordTrade folds one realized trade PnL into the metrics and evaluates
// trips atomically with the update.
func (b *Breaker) RecordTrade(pnl float64) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	m := &b.metrics
	m.DailyPnL += pnl
	m.TotalPnL += pnl
	if m.TotalPnL > m.PeakPnL {
		m.PeakPnL = m.TotalPnL
	}
	if m.PeakPnL > 0 {
		m.Drawdown = (m.PeakPnL - m.TotalPnL) / m.PeakPnL
	} else {
		m.Drawdown = 0
	}
	if pnl < 0 {
		m.ConsecutiveLosses++
	} else {
		m.ConsecutiveLosses = 0
	}
	m.TotalTrades++
	m.LastTradeAt = now

	metrics.BreakerDailyPnL.Set(m.DailyPnL)
	metrics.BreakerDrawdown.Set(m.Drawdown)
	metrics.BreakerConsecutiveLosses.Set(float64(m.ConsecutiveLosses))

	snapshot := *m
	b.emit(Event{Type: EventTradeRecorded, State: b.state, Timestamp: now.UnixMilli(), Metrics: &snapshot})
	b.evaluateMetricTripsLocked(now)
}

// ResetDailyMetrics zeroes the daily counters without touching state.
func (b *Breaker) ResetDailyMetrics() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.DailyPnL = 0
	b.metrics.ConsecutiveLosses = 0
	metrics.BreakerDailyPnL.Set(0)
	metrics.BreakerConsecutiveLosses.Set(0)

	b.emit(Event{Type: EventDailyReset, State: b.state, Timestamp: now.UnixMilli()})
	b.log.Info().Msg("Daily trading metrics reset")
}

// ForceOpen trips the circuit manually. The normal reset timeout applies.
func (b *Breaker) ForceOpen(reason string) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		return
	}
	if reason == "" {
		reason = "Manually forced open"
	}
	b.tripLocked(reason, now)
}

// EmergencyStop forces OPEN and latches: no automatic HALF_OPEN until
// ForceClose.
func (b *Breaker) EmergencyStop(reason string) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.latched {
		return
	}
	if reason == "" {
		reason = "Emergency stop"
	}
	b.latched = true
	b.openedAt = now
	b.tripReason = reason
	b.setState(StateOpen, EventEmergencyStop, reason)
	metrics.BreakerTrips.WithLabelValues(metrics.TripEmergencyStop).Inc()
	b.log.Error().Str("reason", reason).Msg("Emergency stop engaged")
}

// ForceClose closes the circuit from any state and releases the latch.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		b.latched = false
		return
	}
	b.clearTripLocked()
	b.setState(StateClosed, EventCircuitClosed, "")
	b.log.Warn().Msg("Circuit breaker manually closed")
}

// UpdateConfig merges a partial config without resetting breaker state.
func (b *Breaker) UpdateConfig(patch ConfigPatch) Config {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if patch.FailureThreshold != nil && *patch.FailureThreshold > 0 {
		b.cfg.FailureThreshold = *patch.FailureThreshold
	}
	if patch.MonitoringPeriod != nil && *patch.MonitoringPeriod > 0 {
		b.cfg.MonitoringPeriod = *patch.MonitoringPeriod
	}
	if patch.ResetTimeout != nil && *patch.ResetTimeout > 0 {
		b.cfg.ResetTimeout = *patch.ResetTimeout
	}
	if patch.MaxDailyLoss != nil && *patch.MaxDailyLoss > 0 {
		b.cfg.MaxDailyLoss = *patch.MaxDailyLoss
	}
	if patch.MaxDrawdown != nil && *patch.MaxDrawdown > 0 {
		b.cfg.MaxDrawdown = *patch.MaxDrawdown
	}
	if patch.MaxConsecutiveLosses != nil && *patch.MaxConsecutiveLosses > 0 {
		b.cfg.MaxConsecutiveLosses = *patch.MaxConsecutiveLosses
	}
	if patch.EnableAutoHalt != nil {
		b.cfg.EnableAutoHalt = *patch.EnableAutoHalt
	}

	b.emit(Event{Type: EventConfigUpdated, State: b.state, Timestamp: now.UnixMilli()})
	b.log.Info().Msg("Circuit breaker config updated")
	return b.cfg
}

// State returns the current state without side effects: an elapsed reset
// timeout is only applied on the next Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TradingMetrics returns a copy of the trading metrics.
func (b *Breaker) TradingMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Config returns the active configuration.
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Failures returns the diagnostic failure list, oldest first.
func (b *Breaker) Failures() []Failure {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Failure, len(b.history))
	copy(out, b.history)
	return out
}

// Snapshot returns the full breaker status for the API.
func (b *Breaker) Snapshot() Status {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneWindowLocked(now)
	st := Status{
		State:          b.state,
		TripReason:     b.tripReason,
		OpenedAt:       b.openedAt,
		Latched:        b.latched,
		WindowFailures: len(b.window),
		Metrics:        b.metrics,
		Config:         b.cfg,
	}
	if b.state == StateOpen && !b.latched {
		st.CanAttemptAt = b.openedAt.Add(b.cfg.ResetTimeout)
	}
	return st
}
