package correlator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpwatch/pumpwatch/internal/activity"
	"github.com/pumpwatch/pumpwatch/internal/feed"
)

type signalSink struct {
	mu      sync.Mutex
	signals []Signal
}

func (s *signalSink) handle(sig Signal) {
	s.mu.Lock()
	s.signals = append(s.signals, sig)
	s.mu.Unlock()
}

func (s *signalSink) all() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Signal, len(s.signals))
	copy(out, s.signals)
	return out
}

func symbolEvent(id string, platform feed.Platform, symbol string, sentiment, risk float64) feed.Event {
	return feed.Event{
		ID:        id,
		Platform:  platform,
		Source:    "test",
		Timestamp: time.Now().UnixMilli(),
		Text:      symbol + " chatter",
		Symbols:   []string{symbol},
		Sentiment: sentiment,
		RiskScore: risk,
	}
}

func newTestPipeline(t *testing.T, cfg Config) (*activity.Log, *Correlator, *signalSink) {
	t.Helper()

	alog := activity.New(activity.Config{MaxEntries: 1000}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		alog.Close(ctx)
	})

	corr := New(cfg, zerolog.Nop())
	sink := &signalSink{}
	corr.OnSignal(sink.handle)
	require.NoError(t, corr.Start(alog))
	t.Cleanup(corr.Stop)

	return alog, corr, sink
}

func publish(t *testing.T, alog *activity.Log, events ...feed.Event) {
	t.Helper()
	for _, ev := range events {
		ok, err := alog.Log(ev)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestCrossPlatformSignalEmittedOnce(t *testing.T) {
	alog, corr, sink := newTestPipeline(t, Config{MentionThreshold: 4})

	publish(t, alog,
		symbolEvent("r1", feed.PlatformRSS, "BTC", 0.4, 0.1),
		symbolEvent("r2", feed.PlatformRSS, "BTC", 0.4, 0.1),
		symbolEvent("r3", feed.PlatformRSS, "BTC", 0.4, 0.1),
		symbolEvent("c1", feed.PlatformCryptoPanic, "BTC", 0.4, 0.1),
		symbolEvent("c2", feed.PlatformCryptoPanic, "BTC", 0.4, 0.1),
	)

	require.Eventually(t, func() bool {
		return len(sink.all()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// The fifth event lands inside the cooldown at the same level, so
	// exactly one signal comes out.
	time.Sleep(50 * time.Millisecond)
	signals := sink.all()
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, "BTC", sig.Symbol)
	assert.True(t, sig.CrossPlatformSignal)
	assert.Equal(t, RiskMedium, sig.RiskLevel)
	assert.Equal(t, 4, sig.TotalMentions)
	assert.Equal(t, []feed.Platform{feed.PlatformCryptoPanic, feed.PlatformRSS}, sig.PlatformsSeen)
	assert.Equal(t, uint64(4), sig.TriggerSeq)
	assert.InDelta(t, 0.4, sig.AvgSentiment, 1e-9)

	active := corr.ActiveSignals()
	require.Len(t, active, 1)
	assert.Equal(t, "BTC", active[0].Symbol)
	assert.Equal(t, RiskMedium, active[0].RiskLevel)
}

func TestRiskUpgradeBypassesCooldown(t *testing.T) {
	alog, _, sink := newTestPipeline(t, Config{MentionThreshold: 2})

	publish(t, alog,
		symbolEvent("a", feed.PlatformRSS, "PEPE", 0.2, 0.1),
		symbolEvent("b", feed.PlatformCryptoPanic, "PEPE", 0.2, 0.1),
	)
	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, RiskMedium, sink.all()[0].RiskLevel)

	// A third platform arrives inside the cooldown and lifts the level.
	publish(t, alog, symbolEvent("c", feed.PlatformTwitter, "PEPE", 0.2, 0.1))

	require.Eventually(t, func() bool {
		return len(sink.all()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, RiskHigh, sink.all()[1].RiskLevel)
	assert.Len(t, sink.all()[1].PlatformsSeen, 3)
}

func TestCooldownExpiryAllowsReemission(t *testing.T) {
	base := time.Now()
	var offsetMS atomic.Int64

	alog := activity.New(activity.Config{MaxEntries: 1000}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		alog.Close(ctx)
	})

	corr := New(Config{MentionThreshold: 2}, zerolog.Nop())
	corr.now = func() time.Time { return base.Add(time.Duration(offsetMS.Load()) * time.Millisecond) }
	sink := &signalSink{}
	corr.OnSignal(sink.handle)
	require.NoError(t, corr.Start(alog))
	t.Cleanup(corr.Stop)

	publish(t, alog,
		symbolEvent("a", feed.PlatformRSS, "SOL", 0.3, 0.1),
		symbolEvent("b", feed.PlatformCryptoPanic, "SOL", 0.3, 0.1),
	)
	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Within the cooldown nothing new comes out.
	publish(t, alog, symbolEvent("c", feed.PlatformRSS, "SOL", 0.3, 0.1))
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sink.all(), 1)

	// Past the cooldown a sustained signal re-announces at the same level.
	offsetMS.Store(61_000)
	publish(t, alog, symbolEvent("d", feed.PlatformRSS, "SOL", 0.3, 0.1))

	require.Eventually(t, func() bool {
		return len(sink.all()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, RiskMedium, sink.all()[1].RiskLevel)
	assert.Equal(t, 4, sink.all()[1].TotalMentions)
}

func TestWindowExpiryEndsEpisode(t *testing.T) {
	base := time.Now()
	var offsetMS atomic.Int64

	alog := activity.New(activity.Config{MaxEntries: 1000}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		alog.Close(ctx)
	})

	corr := New(Config{MentionThreshold: 2}, zerolog.Nop())
	corr.now = func() time.Time { return base.Add(time.Duration(offsetMS.Load()) * time.Millisecond) }
	sink := &signalSink{}
	corr.OnSignal(sink.handle)
	require.NoError(t, corr.Start(alog))
	t.Cleanup(corr.Stop)

	publish(t, alog,
		symbolEvent("a", feed.PlatformRSS, "AVAX", 0.3, 0.1),
		symbolEvent("b", feed.PlatformLunarCrush, "AVAX", 0.3, 0.1),
	)
	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, corr.ActiveSignals(), 1)

	// Six minutes later the whole window has lapsed: one fresh mention is
	// not cross-platform anymore and the active signal is gone.
	offsetMS.Store(6 * 60 * 1000)
	publish(t, alog, symbolEvent("c", feed.PlatformRSS, "AVAX", 0.3, 0.1))

	require.Eventually(t, func() bool {
		return alog.Stats().TotalLogged == 3
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, sink.all(), 1)
	assert.Empty(t, corr.ActiveSignals())
}

func TestSinglePlatformNeverCrosses(t *testing.T) {
	alog, corr, sink := newTestPipeline(t, Config{MentionThreshold: 2})

	events := make([]feed.Event, 0, 10)
	for i := 0; i < 10; i++ {
		events = append(events, symbolEvent(fmt.Sprintf("e%d", i), feed.PlatformRSS, "DOGE", 0.5, 0.2))
	}
	publish(t, alog, events...)

	require.Eventually(t, func() bool {
		return alog.Stats().TotalLogged == 10
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, sink.all())
	assert.Empty(t, corr.ActiveSignals())
	assert.Empty(t, corr.Detections(time.Time{}, 0))
}

func TestSystemEventsAreIgnored(t *testing.T) {
	alog, corr, sink := newTestPipeline(t, Config{MentionThreshold: 1})

	publish(t, alog,
		feed.NewSystemEvent("monitoring started"),
		symbolEvent("r1", feed.PlatformRSS, "BTC", 0.3, 0.1),
		feed.NewSystemEvent("monitoring stopping"),
	)

	require.Eventually(t, func() bool {
		return alog.Stats().TotalLogged == 3
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// Only the RSS event reaches the windows; markers neither correlate
	// nor count as a platform.
	assert.Empty(t, sink.all())
	assert.Empty(t, corr.ActiveSignals())
}

func TestSignalsFollowTriggerOrder(t *testing.T) {
	alog, _, sink := newTestPipeline(t, Config{MentionThreshold: 2})

	for i, symbol := range []string{"BTC", "ETH", "SOL"} {
		publish(t, alog,
			symbolEvent(fmt.Sprintf("%s-1", symbol), feed.PlatformRSS, symbol, 0.3, 0.1+float64(i)*0.01),
			symbolEvent(fmt.Sprintf("%s-2", symbol), feed.PlatformCryptoPanic, symbol, 0.3, 0.1),
		)
	}

	require.Eventually(t, func() bool {
		return len(sink.all()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	signals := sink.all()
	assert.Equal(t, "BTC", signals[0].Symbol)
	assert.Equal(t, "ETH", signals[1].Symbol)
	assert.Equal(t, "SOL", signals[2].Symbol)
	for i := 1; i < len(signals); i++ {
		assert.Greater(t, signals[i].TriggerSeq, signals[i-1].TriggerSeq)
	}
}

func TestRiskLadder(t *testing.T) {
	tests := []struct {
		name      string
		events    []feed.Event
		threshold int
		want      RiskLevel
		cross     bool
	}{
		{
			name: "critical via average risk",
			events: []feed.Event{
				symbolEvent("1", feed.PlatformRSS, "X", 0.1, 0.9),
				symbolEvent("2", feed.PlatformCryptoPanic, "X", 0.1, 0.9),
			},
			threshold: 2,
			want:      RiskCritical,
			cross:     true,
		},
		{
			name: "critical via three platforms and strong sentiment",
			events: []feed.Event{
				symbolEvent("1", feed.PlatformRSS, "X", 0.7, 0.2),
				symbolEvent("2", feed.PlatformCryptoPanic, "X", 0.7, 0.2),
				symbolEvent("3", feed.PlatformTwitter, "X", 0.7, 0.2),
				symbolEvent("4", feed.PlatformTwitter, "X", 0.7, 0.2),
			},
			threshold: 2,
			want:      RiskCritical,
			cross:     true,
		},
		{
			name: "high via three platforms without sentiment",
			events: []feed.Event{
				symbolEvent("1", feed.PlatformRSS, "X", 0.1, 0.2),
				symbolEvent("2", feed.PlatformCryptoPanic, "X", 0.1, 0.2),
				symbolEvent("3", feed.PlatformTwitter, "X", 0.1, 0.2),
			},
			threshold: 2,
			want:      RiskHigh,
			cross:     true,
		},
		{
			name: "medium for plain cross-platform",
			events: []feed.Event{
				symbolEvent("1", feed.PlatformRSS, "X", 0.1, 0.2),
				symbolEvent("2", feed.PlatformCryptoPanic, "X", 0.1, 0.2),
			},
			threshold: 2,
			want:      RiskMedium,
			cross:     true,
		},
		{
			name: "low below threshold",
			events: []feed.Event{
				symbolEvent("1", feed.PlatformRSS, "X", 0.1, 0.2),
				symbolEvent("2", feed.PlatformCryptoPanic, "X", 0.1, 0.2),
			},
			threshold: 5,
			want:      RiskLow,
			cross:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corr := New(Config{MentionThreshold: tt.threshold}, zerolog.Nop())

			var last Signal
			for i, ev := range tt.events {
				last, _ = corr.evaluate("X", activity.Entry{Seq: uint64(i + 1), Event: ev}, time.Now())
			}
			assert.Equal(t, tt.want, last.RiskLevel)
			assert.Equal(t, tt.cross, last.CrossPlatformSignal)
		})
	}
}

func TestDetectionsFilterAndLimit(t *testing.T) {
	alog, corr, sink := newTestPipeline(t, Config{MentionThreshold: 2})

	for _, symbol := range []string{"BTC", "ETH"} {
		publish(t, alog,
			symbolEvent(symbol+"-1", feed.PlatformRSS, symbol, 0.3, 0.1),
			symbolEvent(symbol+"-2", feed.PlatformCryptoPanic, symbol, 0.3, 0.1),
		)
	}
	require.Eventually(t, func() bool {
		return len(sink.all()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	all := corr.Detections(time.Time{}, 0)
	require.Len(t, all, 2)

	latest := corr.Detections(time.Time{}, 1)
	require.Len(t, latest, 1)
	assert.Equal(t, "ETH", latest[0].Symbol)

	assert.Empty(t, corr.Detections(time.Now().Add(time.Hour), 0))
}

func TestEmaLast(t *testing.T) {
	assert.Zero(t, emaLast(nil, 5))

	// Short series fall back to the mean.
	assert.InDelta(t, 0.5, emaLast([]float64{0.4, 0.6}, 5), 1e-9)

	// A constant series has itself as EMA.
	constant := []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	assert.InDelta(t, 0.5, emaLast(constant, 5), 1e-9)

	// Rising series: EMA trails the last value but exceeds the mean.
	rising := []float64{0.0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}
	got := emaLast(rising, 5)
	assert.Greater(t, got, 0.35)
	assert.Less(t, got, 0.7)
}
