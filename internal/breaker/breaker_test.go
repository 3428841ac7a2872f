package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("exchange api timeout")

func testConfig() Config {
	return Config{
		FailureThreshold:     3,
		MonitoringPeriod:     100 * time.Millisecond,
		ResetTimeout:         time.Second,
		MaxDailyLoss:         100,
		MaxDrawdown:          0.2,
		MaxConsecutiveLosses: 3,
		EnableAutoHalt:       true,
	}
}

// newTestBreaker returns a breaker on a manual clock. Tests drive the
// clock from a single goroutine, so a plain closure is race-free.
func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg, zerolog.Nop())
	cur := time.Now()
	b.now = func() time.Time { return cur }
	return b, &cur
}

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Execute(context.Background(), "test_op", func(context.Context) error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}
}

func drainEvents(sub *EventSub) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestExecutePassesThroughWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	invoked := 0
	err := b.Execute(context.Background(), "place_order", func(context.Context) error {
		invoked++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, invoked)
	assert.Equal(t, StateClosed, b.State())
}

func TestTripsAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(testConfig())
	sub := b.Subscribe("test", 128)
	defer sub.Close()

	failN(t, b, 3)
	assert.Equal(t, StateOpen, b.State())

	events := drainEvents(sub)
	assert.Equal(t, 1, countType(events, EventCircuitOpened))
	assert.Equal(t, 3, countType(events, EventOperationFailure))
	assert.Equal(t, 3, countType(events, EventFailureRecorded))

	// While open the operation is never invoked.
	invoked := 0
	err := b.Execute(context.Background(), "place_order", func(context.Context) error {
		invoked++
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, invoked)

	// The rejection produces no further transition events.
	assert.Zero(t, countType(drainEvents(sub), EventCircuitOpened))

	st := b.Snapshot()
	assert.Equal(t, ReasonFailureThreshold, st.TripReason)
	assert.False(t, st.OpenedAt.IsZero())
	assert.Equal(t, st.OpenedAt.Add(time.Second), st.CanAttemptAt)
}

func TestRecoversThroughHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	sub := b.Subscribe("test", 128)
	defer sub.Close()

	failN(t, b, 3)
	require.Equal(t, StateOpen, b.State())
	drainEvents(sub)

	// Reset timeout has not elapsed yet.
	*clock = clock.Add(500 * time.Millisecond)
	err := b.Execute(context.Background(), "probe", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)

	*clock = clock.Add(550 * time.Millisecond)
	invoked := 0
	err = b.Execute(context.Background(), "probe", func(context.Context) error {
		invoked++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, invoked)
	assert.Equal(t, StateClosed, b.State())

	events := drainEvents(sub)
	assert.Equal(t, 1, countType(events, EventCircuitHalfOpen))
	assert.Equal(t, 1, countType(events, EventCircuitClosed))

	// Recovery cleared the window: one more failure does not trip.
	failN(t, b, 1)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(testConfig())

	failN(t, b, 3)
	*clock = clock.Add(1100 * time.Millisecond)

	err := b.Execute(context.Background(), "probe", func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	// The reopened circuit carries a fresh timeout.
	err = b.Execute(context.Background(), "probe", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)

	*clock = clock.Add(1100 * time.Millisecond)
	err = b.Execute(context.Background(), "probe", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestFailuresOutsideWindowDoNotTrip(t *testing.T) {
	b, clock := newTestBreaker(testConfig())

	failN(t, b, 2)
	assert.Equal(t, StateClosed, b.State())

	// Let the first two age out of the monitoring period.
	*clock = clock.Add(150 * time.Millisecond)
	failN(t, b, 2)
	assert.Equal(t, StateClosed, b.State())

	st := b.Snapshot()
	assert.Equal(t, 2, st.WindowFailures)
	// The diagnostic list keeps everything regardless of the window.
	assert.Len(t, b.Failures(), 4)
}

func TestEmergencyStopLatchesUntilForceClose(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	sub := b.Subscribe("test", 128)
	defer sub.Close()

	b.EmergencyStop("manual kill switch")
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.Snapshot().Latched)
	assert.Equal(t, 1, countType(drainEvents(sub), EventEmergencyStop))

	// Far beyond the reset timeout the latch still rejects, with the
	// latched sentinel still matching the generic one.
	*clock = clock.Add(time.Hour)
	err := b.Execute(context.Background(), "probe", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrEmergencyStopped)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.State())

	// A second stop while latched is suppressed.
	b.EmergencyStop("again")
	assert.Zero(t, countType(drainEvents(sub), EventEmergencyStop))

	b.ForceClose()
	assert.Equal(t, StateClosed, b.State())
	assert.False(t, b.Snapshot().Latched)

	err = b.Execute(context.Background(), "probe", func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestDailyLossTrip(t *testing.T) {
	b, _ := newTestBreaker(testConfig())
	sub := b.Subscribe("test", 128)
	defer sub.Close()

	b.UpdateDailyPnL(-50)
	assert.Equal(t, StateClosed, b.State())

	b.UpdateDailyPnL(-150)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, ReasonDailyLoss, b.Snapshot().TripReason)

	events := drainEvents(sub)
	require.Equal(t, 1, countType(events, EventCircuitOpened))
	for _, ev := range events {
		if ev.Type == EventCircuitOpened {
			assert.Equal(t, ReasonDailyLoss, ev.Reason)
		}
	}
}

func TestDrawdownTrip(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	b.UpdateDrawdown(0.1)
	assert.Equal(t, StateClosed, b.State())

	b.UpdateDrawdown(0.25)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, ReasonMaxDrawdown, b.Snapshot().TripReason)
}

func TestConsecutiveLossesTrip(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyLoss = 1_000_000
	b, _ := newTestBreaker(cfg)
	sub := b.Subscribe("test", 128)
	defer sub.Close()

	b.RecordTrade(-10)
	b.RecordTrade(-10)
	assert.Equal(t, StateClosed, b.State())

	b.RecordTrade(-10)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, ReasonConsecutiveLosses, b.Snapshot().TripReason)

	events := drainEvents(sub)
	assert.Equal(t, 3, countType(events, EventTradeRecorded))
	assert.Equal(t, 1, countType(events, EventCircuitOpened))

	m := b.TradingMetrics()
	assert.Equal(t, 3, m.ConsecutiveLosses)
	assert.Equal(t, float64(-30), m.DailyPnL)
	assert.Equal(t, 3, m.TotalTrades)
}

func TestWinningTradeResetsStreak(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyLoss = 1_000_000
	b, _ := newTestBreaker(cfg)

	b.RecordTrade(-10)
	b.RecordTrade(-10)
	b.RecordTrade(5)
	b.RecordTrade(-10)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.TradingMetrics().ConsecutiveLosses)
}

func TestTradeLossErrorsStayOutOfFailureWindow(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), "close_position", func(context.Context) error {
			return fmt.Errorf("%w: position closed at -2.1%%", ErrTradeLoss)
		})
		require.Error(t, err)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.Empty(t, b.Failures())
	assert.Zero(t, b.Snapshot().WindowFailures)
}

func TestAutoHaltDisabledSkipsMetricTrips(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAutoHalt = false
	b, _ := newTestBreaker(cfg)

	b.UpdateDailyPnL(-1_000_000)
	b.UpdateDrawdown(0.99)
	b.RecordTrade(-500)
	assert.Equal(t, StateClosed, b.State())

	// Failure threshold trips are not gated by auto-halt.
	failN(t, b, 3)
	assert.Equal(t, StateOpen, b.State())
}

func TestUpdateConfigMergesPartially(t *testing.T) {
	b, _ := newTestBreaker(testConfig())
	sub := b.Subscribe("test", 128)
	defer sub.Close()

	failN(t, b, 2)
	require.Equal(t, StateClosed, b.State())

	ten := 10
	got := b.UpdateConfig(ConfigPatch{FailureThreshold: &ten})
	assert.Equal(t, 10, got.FailureThreshold)
	assert.Equal(t, 100*time.Millisecond, got.MonitoringPeriod)
	assert.Equal(t, float64(100), got.MaxDailyLoss)
	assert.Equal(t, 1, countType(drainEvents(sub), EventConfigUpdated))

	// The recorded failures survived the update: lowering the threshold
	// back makes the very next failure trip.
	three := 3
	b.UpdateConfig(ConfigPatch{FailureThreshold: &three})
	failN(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestForceOpenAndForceClose(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	b.ForceOpen("maintenance window")
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, "maintenance window", b.Snapshot().TripReason)

	err := b.Execute(context.Background(), "probe", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)

	// Forcing open twice is suppressed.
	b.ForceOpen("second")
	assert.Equal(t, "maintenance window", b.Snapshot().TripReason)

	b.ForceClose()
	assert.Equal(t, StateClosed, b.State())
	err = b.Execute(context.Background(), "probe", func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestFailureHistoryBounded(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1000
	b, _ := newTestBreaker(cfg)

	failN(t, b, maxFailureHistory+20)
	history := b.Failures()
	assert.Len(t, history, maxFailureHistory)
	assert.Equal(t, FailureAPIError, history[0].Category)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureCategory
	}{
		{name: "marker api", err: fmt.Errorf("%w: binance 502", ErrAPIFailure), want: FailureAPIError},
		{name: "marker trade loss", err: fmt.Errorf("%w: -3.2%%", ErrTradeLoss), want: FailureTradeLoss},
		{name: "marker drawdown", err: fmt.Errorf("%w: 22%%", ErrDrawdown), want: FailureDrawdown},
		{name: "marker risk", err: fmt.Errorf("%w: exposure cap", ErrRiskBreach), want: FailureRiskBreach},
		{name: "timeout text", err: errors.New("request timeout after 30s"), want: FailureAPIError},
		{name: "connection text", err: errors.New("connection refused"), want: FailureAPIError},
		{name: "drawdown text", err: errors.New("drawdown limit reached"), want: FailureDrawdown},
		{name: "loss text", err: errors.New("stop loss triggered"), want: FailureTradeLoss},
		{name: "risk text", err: errors.New("risk check rejected order"), want: FailureRiskBreach},
		{name: "anything else", err: errors.New("weird failure"), want: FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestUnknownFailuresCountTowardTrip(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), "op", func(context.Context) error {
			return errors.New("weird failure")
		})
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestSlowSubscriberNeverBlocksBreaker(t *testing.T) {
	b, _ := newTestBreaker(testConfig())
	sub := b.Subscribe("slow", 1)
	defer sub.Close()

	// Way more events than the buffer holds; emits must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.RecordTrade(1)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("breaker blocked on a slow subscriber")
	}
}
