package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels. Free-form reasons are
// normalized before use so label values stay bounded.
const (
	// Circuit breaker trip reasons
	TripFailureThreshold  = "failure_threshold"
	TripDailyLoss         = "daily_loss"
	TripDrawdown          = "drawdown"
	TripConsecutiveLosses = "consecutive_losses"
	TripEmergencyStop     = "emergency_stop"
	TripManual            = "manual"
	TripOther             = "other"

	// Source error categories
	SourceErrorTimeout   = "timeout"
	SourceErrorRateLimit = "rate_limit"
	SourceErrorAuth      = "authentication"
	SourceErrorNetwork   = "network"
	SourceErrorServer    = "server_error"
	SourceErrorParse     = "parse"
	SourceErrorOther     = "other"

	// Event drop reasons
	DropBackpressure = "backpressure"
	DropShutdown     = "shutdown"
	DropInvalid      = "invalid"
)

// NormalizeTripReason maps arbitrary breaker trip reasons to a bounded set
func NormalizeTripReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "failure threshold"):
		return TripFailureThreshold
	case strings.Contains(lower, "daily loss"):
		return TripDailyLoss
	case strings.Contains(lower, "drawdown"):
		return TripDrawdown
	case strings.Contains(lower, "consecutive"):
		return TripConsecutiveLosses
	case strings.Contains(lower, "emergency"):
		return TripEmergencyStop
	case strings.Contains(lower, "manual") || strings.Contains(lower, "force"):
		return TripManual
	default:
		return TripOther
	}
}

// NormalizeSourceError maps adapter errors to a bounded category set
func NormalizeSourceError(err error) string {
	if err == nil {
		return ""
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return SourceErrorTimeout
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return SourceErrorRateLimit
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") || strings.Contains(lower, "auth"):
		return SourceErrorAuth
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network") || strings.Contains(lower, "refused"):
		return SourceErrorNetwork
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503"):
		return SourceErrorServer
	case strings.Contains(lower, "parse") || strings.Contains(lower, "unmarshal") || strings.Contains(lower, "decode"):
		return SourceErrorParse
	default:
		return SourceErrorOther
	}
}

// Ingestion Metrics
var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_events_ingested_total",
		Help: "Normalized events accepted by the activity log, by platform",
	}, []string{"platform"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_events_dropped_total",
		Help: "Events dropped before insertion, by platform and reason",
	}, []string{"platform", "reason"})

	DuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_duplicates_dropped_total",
		Help: "Source items discarded by the per-adapter dedup cache",
	}, []string{"platform"})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_source_errors_total",
		Help: "Adapter errors by platform and normalized category",
	}, []string{"platform", "category"})

	// Adapter lifecycle state (0=idle 1=connecting 2=running 3=backoff 4=failed)
	AdapterState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pumpwatch_adapter_state",
		Help: "Adapter lifecycle state (0=idle 1=connecting 2=running 3=backoff 4=failed)",
	}, []string{"platform"})
)

// Activity Log Metrics
var (
	ActivityLogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_activity_log_entries",
		Help: "Entries currently held by the activity log",
	})

	ActivityLogEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_activity_log_evictions_total",
		Help: "Entries evicted from the activity log, by cause",
	}, []string{"cause"})

	ActivityLogLagNotices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_activity_log_lag_notices_total",
		Help: "Gap notifications delivered to slow subscribers",
	}, []string{"subscriber"})

	ActivityLogLaggedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_activity_log_lagged_events_total",
		Help: "Events dropped for slow subscribers",
	}, []string{"subscriber"})
)

// Orchestrator Metrics
var (
	// Pipeline lifecycle state (0=uninitialized 1=initializing 2=ready
	// 3=running 4=stopping 5=stopped)
	PipelineState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_pipeline_state",
		Help: "Orchestrator lifecycle state (0=uninitialized 1=initializing 2=ready 3=running 4=stopping 5=stopped)",
	})

	ActiveSources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_active_sources",
		Help: "Source adapters currently connecting, running or backing off",
	})
)

// Correlator Metrics
var (
	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_signals_emitted_total",
		Help: "Symbol activity signals emitted, by risk level",
	}, []string{"risk_level"})

	CrossPlatformActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_cross_platform_signals_active",
		Help: "Cross-platform signals currently active",
	})

	TrackedSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_tracked_symbols",
		Help: "Symbols with a non-empty correlation window",
	})
)

// Circuit Breaker Metrics
var (
	// Breaker state (0=closed 1=open 2=half_open)
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_circuit_breaker_state",
		Help: "Trading circuit breaker state (0=closed 1=open 2=half_open)",
	})

	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_circuit_breaker_trips_total",
		Help: "Circuit breaker trips by normalized reason",
	}, []string{"reason"})

	BreakerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_circuit_breaker_operations_total",
		Help: "Operations routed through the breaker, by type and outcome",
	}, []string{"type", "outcome"})

	BreakerDailyPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_circuit_breaker_daily_pnl",
		Help: "Daily PnL as last reported to the breaker, in USD",
	})

	BreakerDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_circuit_breaker_drawdown",
		Help: "Current drawdown ratio as last reported to the breaker",
	})

	BreakerConsecutiveLosses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_circuit_breaker_consecutive_losses",
		Help: "Consecutive losing trades recorded by the breaker",
	})
)

// Archive Metrics
var (
	ArchiveRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pumpwatch_archive_runs_total",
		Help: "Archiver invocations",
	})

	ArchiveWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_archive_writes_total",
		Help: "Archive store writes by backend and outcome",
	}, []string{"backend", "outcome"})
)

// API Metrics
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pumpwatch_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_sse_clients",
		Help: "Connected SSE activity stream clients",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_ws_clients",
		Help: "Connected WebSocket activity stream clients",
	})
)

// Signal Bus Metrics
var (
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_bus_published_total",
		Help: "Messages published to the signal bus, by subject class",
	}, []string{"subject"})

	BusErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pumpwatch_bus_errors_total",
		Help: "Signal bus publish and connection errors",
	})
)
