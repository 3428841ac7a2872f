// Package activity implements the in-memory time-ordered event store with
// subscription fan-out. A single delivery worker serializes inserts coming
// from all source adapters: it assigns the insertion sequence, appends to
// the ring store, mirrors to the optional durable sink, and fans out to
// per-subscriber bounded queues. The worker is the only ordering authority
// in the system.
package activity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/feed"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("activity log closed")

// Config bounds the log's memory and queue behavior.
type Config struct {
	// MaxEntries and MaxAge bound retention; whichever is stricter wins.
	MaxEntries int           `json:"max_entries" yaml:"max_entries" mapstructure:"max_entries"`
	MaxAge     time.Duration `json:"max_age" yaml:"max_age" mapstructure:"max_age"`
	// IngressSize is the capacity of the insert queue feeding the delivery
	// worker.
	IngressSize int `json:"ingress_size" yaml:"ingress_size" mapstructure:"ingress_size"`
	// SubscriberQueueSize is the default per-subscriber queue capacity.
	SubscriberQueueSize int `json:"subscriber_queue_size" yaml:"subscriber_queue_size" mapstructure:"subscriber_queue_size"`
	// PublishTimeout is how long Log blocks for ingress space before
	// dropping the event.
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout" mapstructure:"publish_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:          50000,
		MaxAge:              24 * time.Hour,
		IngressSize:         4096,
		SubscriberQueueSize: 1024,
		PublishTimeout:      500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = def.MaxEntries
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.IngressSize <= 0 {
		c.IngressSize = def.IngressSize
	}
	if c.SubscriberQueueSize <= 0 {
		c.SubscriberQueueSize = def.SubscriberQueueSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	return c
}

// Entry is an event with its insertion sequence. Sequences are monotone:
// for entries a and b, a.Seq < b.Seq exactly when a was logged first.
type Entry struct {
	Seq   uint64     `json:"seq"`
	Event feed.Event `json:"event"`
}

// Delivery carries either the next entry in sequence order or a gap notice.
type Delivery struct {
	Entry Entry
	// Lagged is non-zero on a gap notice: the number of consecutive events
	// dropped for this subscriber before delivery resumed.
	Lagged uint64
}

// IsGap reports whether the delivery is a gap notice rather than an entry.
func (d Delivery) IsGap() bool {
	return d.Lagged > 0
}

// Severity buckets an event by its risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EventSeverity maps an event's risk score to a severity bucket.
func EventSeverity(e feed.Event) Severity {
	switch {
	case e.RiskScore >= 0.8:
		return SeverityCritical
	case e.RiskScore >= 0.6:
		return SeverityHigh
	case e.RiskScore >= 0.3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank orders severities for threshold queries.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// DurableSink mirrors entries to an external store. Writes are best effort
// and asynchronous; a failing sink never blocks or fails insertion.
type DurableSink interface {
	WriteEntry(ctx context.Context, e Entry) error
}

type sinkRef struct {
	sink DurableSink
}

// Subscription is one consumer's view of the log. The Events channel yields
// entries in sequence order, interleaved with gap notices when the consumer
// fell behind. The channel closes on Unsubscribe or log shutdown.
type Subscription struct {
	id   string
	name string
	ch   chan Delivery
	log  *Log
	once sync.Once

	// pendingLag is touched only by the delivery worker.
	pendingLag uint64
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Delivery {
	return s.ch
}

// Name returns the subscriber name given to Subscribe.
func (s *Subscription) Name() string {
	return s.name
}

// Unsubscribe detaches the consumer and closes its channel. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.log.removeSub(s.id)
	})
}

// Stats is a point-in-time snapshot of log counters.
type Stats struct {
	Entries        int    `json:"entries"`
	TotalLogged    uint64 `json:"total_logged"`
	LastSeq        uint64 `json:"last_seq"`
	DroppedIngress uint64 `json:"dropped_ingress"`
	EvictedBySize  uint64 `json:"evicted_by_size"`
	EvictedByAge   uint64 `json:"evicted_by_age"`
	Subscribers    int    `json:"subscribers"`
}

// Log is the activity log. New starts the delivery worker; Close stops it.
type Log struct {
	cfg Config
	log zerolog.Logger

	ingress    chan feed.Event
	quit       chan struct{}
	workerDone chan struct{}
	mirrorCh   chan Entry
	mirrorDone chan struct{}
	closed     atomic.Bool
	closeOnce  sync.Once

	// mu guards the ring store and per-store counters.
	mu            sync.RWMutex
	buf           []Entry
	start         int
	count         int
	nextSeq       uint64
	totalLogged   uint64
	evictedBySize uint64
	evictedByAge  uint64
	// symbolSeen tracks each symbol's newest event timestamp. It survives
	// eviction so 24 h novelty checks do not depend on retention settings;
	// size is bounded by distinct symbol cardinality.
	symbolSeen map[string]int64

	subMu sync.RWMutex
	subs  map[string]*Subscription

	sink           atomic.Pointer[sinkRef]
	droppedIngress atomic.Uint64

	now func() time.Time
}

// New builds the log and starts its delivery worker.
func New(cfg Config, logger zerolog.Logger) *Log {
	cfg = cfg.withDefaults()

	initial := 1024
	if cfg.MaxEntries < initial {
		initial = cfg.MaxEntries
	}

	l := &Log{
		cfg:        cfg,
		log:        logger.With().Str("component", "activity_log").Logger(),
		ingress:    make(chan feed.Event, cfg.IngressSize),
		quit:       make(chan struct{}),
		workerDone: make(chan struct{}),
		mirrorCh:   make(chan Entry, 256),
		mirrorDone: make(chan struct{}),
		buf:        make([]Entry, initial),
		symbolSeen: make(map[string]int64),
		subs:       make(map[string]*Subscription),
		now:        time.Now,
	}

	go l.worker()
	go l.mirrorWorker()
	return l
}

// AttachSink sets the durable mirror target. Safe to call at any time; a
// nil sink disables mirroring.
func (l *Log) AttachSink(sink DurableSink) {
	if sink == nil {
		l.sink.Store(nil)
		return
	}
	l.sink.Store(&sinkRef{sink: sink})
}

// Log submits an event for insertion. It blocks up to PublishTimeout for
// ingress space, then drops the event and reports accepted=false. The only
// error condition is shutdown.
func (l *Log) Log(e feed.Event) (accepted bool, err error) {
	if l.closed.Load() {
		return false, ErrClosed
	}

	select {
	case l.ingress <- e:
		return true, nil
	default:
	}

	t := time.NewTimer(l.cfg.PublishTimeout)
	defer t.Stop()
	select {
	case l.ingress <- e:
		return true, nil
	case <-t.C:
		l.droppedIngress.Add(1)
		metrics.EventsDropped.WithLabelValues(string(e.Platform), metrics.DropBackpressure).Inc()
		return false, nil
	case <-l.quit:
		return false, ErrClosed
	}
}

// Subscribe registers a consumer. Events logged after Subscribe returns are
// guaranteed to be observed (or covered by a gap notice). queueSize <= 0
// uses the configured default.
func (l *Log) Subscribe(name string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = l.cfg.SubscriberQueueSize
	}
	sub := &Subscription{
		id:   uuid.NewString(),
		name: name,
		ch:   make(chan Delivery, queueSize),
		log:  l,
	}

	l.subMu.Lock()
	if l.closed.Load() {
		close(sub.ch)
	} else {
		l.subs[sub.id] = sub
	}
	l.subMu.Unlock()

	l.log.Debug().Str("subscriber", name).Int("queue_size", queueSize).Msg("Subscriber registered")
	return sub
}

func (l *Log) removeSub(id string) {
	l.subMu.Lock()
	if sub, ok := l.subs[id]; ok {
		delete(l.subs, id)
		close(sub.ch)
	}
	l.subMu.Unlock()
}

// worker is the single delivery worker.
func (l *Log) worker() {
	defer func() {
		l.closeAllSubs()
		close(l.mirrorCh)
		close(l.workerDone)
	}()

	for {
		select {
		case e := <-l.ingress:
			l.process(e)
		case <-l.quit:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case e := <-l.ingress:
					l.process(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) process(e feed.Event) {
	entry := l.append(e)
	l.mirror(entry)
	l.fanout(entry)
}

func (l *Log) append(e feed.Event) Entry {
	l.mu.Lock()

	l.nextSeq++
	entry := Entry{Seq: l.nextSeq, Event: e}

	cutoff := l.now().Add(-l.cfg.MaxAge).UnixMilli()
	for l.count > 0 && l.buf[l.start].Event.Timestamp < cutoff {
		l.evictFront()
		l.evictedByAge++
		metrics.ActivityLogEvictions.WithLabelValues("age").Inc()
	}

	if l.count == len(l.buf) {
		if len(l.buf) < l.cfg.MaxEntries {
			l.grow()
		} else {
			l.evictFront()
			l.evictedBySize++
			metrics.ActivityLogEvictions.WithLabelValues("capacity").Inc()
		}
	}

	idx := (l.start + l.count) % len(l.buf)
	l.buf[idx] = entry
	l.count++
	l.totalLogged++

	for _, sym := range e.Symbols {
		upper := strings.ToUpper(sym)
		if ts, ok := l.symbolSeen[upper]; !ok || e.Timestamp > ts {
			l.symbolSeen[upper] = e.Timestamp
		}
	}

	size := l.count
	l.mu.Unlock()

	metrics.EventsIngested.WithLabelValues(string(e.Platform)).Inc()
	metrics.ActivityLogSize.Set(float64(size))
	return entry
}

// evictFront drops the oldest entry. Caller holds mu.
func (l *Log) evictFront() {
	l.buf[l.start] = Entry{}
	l.start = (l.start + 1) % len(l.buf)
	l.count--
}

// grow doubles the ring up to MaxEntries, re-linearizing entries. Caller
// holds mu.
func (l *Log) grow() {
	next := len(l.buf) * 2
	if next > l.cfg.MaxEntries {
		next = l.cfg.MaxEntries
	}
	fresh := make([]Entry, next)
	for i := 0; i < l.count; i++ {
		fresh[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	l.buf = fresh
	l.start = 0
}

// fanout offers the entry to every subscriber queue. Sends never block: the
// worker is the sole sender and checks free capacity first, so a slow
// consumer costs a gap notice, not delivery latency.
func (l *Log) fanout(entry Entry) {
	l.subMu.RLock()
	for _, sub := range l.subs {
		l.offer(sub, entry)
	}
	l.subMu.RUnlock()
}

func (l *Log) offer(sub *Subscription, entry Entry) {
	free := cap(sub.ch) - len(sub.ch)

	if sub.pendingLag > 0 {
		// The gap notice and the resuming entry must land together so the
		// subscriber sees one notice covering one contiguous range.
		if free < 2 {
			sub.pendingLag++
			metrics.ActivityLogLaggedEvents.WithLabelValues(sub.name).Inc()
			return
		}
		sub.ch <- Delivery{Lagged: sub.pendingLag}
		sub.ch <- Delivery{Entry: entry}
		metrics.ActivityLogLagNotices.WithLabelValues(sub.name).Inc()
		l.log.Warn().
			Str("subscriber", sub.name).
			Uint64("missed", sub.pendingLag).
			Msg("Slow subscriber lagged")
		sub.pendingLag = 0
		return
	}

	if free == 0 {
		sub.pendingLag = 1
		metrics.ActivityLogLaggedEvents.WithLabelValues(sub.name).Inc()
		return
	}
	sub.ch <- Delivery{Entry: entry}
}

func (l *Log) closeAllSubs() {
	l.subMu.Lock()
	for id, sub := range l.subs {
		delete(l.subs, id)
		close(sub.ch)
	}
	l.subMu.Unlock()
}

func (l *Log) mirror(entry Entry) {
	if l.sink.Load() == nil {
		return
	}
	select {
	case l.mirrorCh <- entry:
	default:
		// Mirror queue full; durable writes are best effort.
	}
}

func (l *Log) mirrorWorker() {
	defer close(l.mirrorDone)
	for entry := range l.mirrorCh {
		ref := l.sink.Load()
		if ref == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := ref.sink.WriteEntry(ctx, entry); err != nil {
			l.log.Debug().Err(err).Uint64("seq", entry.Seq).Msg("Durable mirror write failed")
		}
		cancel()
	}
}

// RecentSince returns entries whose event timestamp is within the last d,
// in insertion order.
func (l *Log) RecentSince(d time.Duration) []Entry {
	cutoff := l.now().Add(-d).UnixMilli()
	return l.collect(func(e Entry) bool {
		return e.Event.Timestamp >= cutoff
	})
}

// Range returns entries with timestamps in [start, end], insertion order.
func (l *Log) Range(start, end time.Time) []Entry {
	lo, hi := start.UnixMilli(), end.UnixMilli()
	return l.collect(func(e Entry) bool {
		return e.Event.Timestamp >= lo && e.Event.Timestamp <= hi
	})
}

// ByPlatform returns entries for one platform, insertion order.
func (l *Log) ByPlatform(p feed.Platform) []Entry {
	return l.collect(func(e Entry) bool {
		return e.Event.Platform == p
	})
}

// BySeverity returns entries at or above the given severity, insertion
// order.
func (l *Log) BySeverity(min Severity) []Entry {
	rank := min.Rank()
	return l.collect(func(e Entry) bool {
		return EventSeverity(e.Event).Rank() >= rank
	})
}

func (l *Log) collect(pred func(Entry) bool) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for i := 0; i < l.count; i++ {
		e := l.buf[(l.start+i)%len(l.buf)]
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// SeenSymbolSince reports whether the symbol appeared in any event within
// the given lookback. Used for novelty marking; survives eviction.
func (l *Log) SeenSymbolSince(symbol string, within time.Duration) bool {
	l.mu.RLock()
	ts, ok := l.symbolSeen[strings.ToUpper(symbol)]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	return ts >= l.now().Add(-within).UnixMilli()
}

// Len returns the number of entries currently held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Stats returns a snapshot of the log's counters.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	s := Stats{
		Entries:       l.count,
		TotalLogged:   l.totalLogged,
		LastSeq:       l.nextSeq,
		EvictedBySize: l.evictedBySize,
		EvictedByAge:  l.evictedByAge,
	}
	l.mu.RUnlock()

	s.DroppedIngress = l.droppedIngress.Load()

	l.subMu.RLock()
	s.Subscribers = len(l.subs)
	l.subMu.RUnlock()
	return s
}

// Close stops the delivery worker after draining queued inserts, closes all
// subscriber channels, and flushes the mirror queue. Bounded by ctx.
func (l *Log) Close(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.quit)

		select {
		case <-l.workerDone:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		select {
		case <-l.mirrorDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
