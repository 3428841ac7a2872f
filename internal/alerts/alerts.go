// Package alerts fans operator notifications out to pluggable delivery
// channels. The default channel logs through zerolog; richer transports
// attach behind the Alerter interface.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/breaker"
	"github.com/pumpwatch/pumpwatch/internal/correlator"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents one operator notification
type Alert struct {
	ID        uuid.UUID
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines a single delivery channel
type Alerter interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to all configured channels. A failing channel
// never blocks the others.
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
	}
}

// Send delivers the alert to every channel and returns the last failure
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("alerter", alerter.Name()).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}

	return lastErr
}

// SendCritical is a convenience method for sending critical alerts
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning is a convenience method for sending warning alerts
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo is a convenience method for sending info alerts
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Name identifies the channel in fan-out failure logs
func (l *LogAlerter) Name() string {
	return "log"
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()

	// Set log level based on severity
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	// Add metadata fields
	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}

	event.
		Str("alert_id", alert.ID.String()).
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(alert.Message)

	return nil
}

// Default global alert manager (can be replaced with custom configuration)
var defaultManager = NewManager(NewLogAlerter())

// GetDefaultManager returns the default alert manager
func GetDefaultManager() *Manager {
	return defaultManager
}

// SetDefaultManager sets the default alert manager
func SetDefaultManager(manager *Manager) {
	defaultManager = manager
}

// Helper functions for common alerts

// AlertCriticalSignal raises an alert for a detection that crossed into
// critical territory. Callers decide which detections qualify.
func AlertCriticalSignal(ctx context.Context, sig correlator.Signal) {
	defaultManager.SendCritical(ctx, "Critical Symbol Activity", fmt.Sprintf(
		"%s flagged %s across %d platform(s) with %d mentions",
		sig.Symbol, sig.RiskLevel, len(sig.PlatformsSeen), sig.TotalMentions,
	), map[string]interface{}{
		"symbol":         sig.Symbol,
		"risk_level":     string(sig.RiskLevel),
		"platforms":      sig.PlatformsSeen,
		"total_mentions": sig.TotalMentions,
		"avg_sentiment":  sig.AvgSentiment,
		"cross_platform": sig.CrossPlatformSignal,
	})
}

// AlertBreakerTripped raises an alert when the trading halt engages
func AlertBreakerTripped(ctx context.Context, ev breaker.Event) {
	defaultManager.SendCritical(ctx, "Trading Halted", fmt.Sprintf(
		"Circuit breaker opened: %s", ev.Reason,
	), map[string]interface{}{
		"event_type": string(ev.Type),
		"state":      ev.State.String(),
		"reason":     ev.Reason,
	})
}

// AlertEmergencyStop raises an alert for a manual or automatic emergency stop
func AlertEmergencyStop(ctx context.Context, reason string) {
	defaultManager.SendCritical(ctx, "Emergency Stop", fmt.Sprintf(
		"All trade egress halted: %s", reason,
	), map[string]interface{}{
		"reason": reason,
	})
}

// AlertBreakerRecovered notes the halt clearing, at info level
func AlertBreakerRecovered(ctx context.Context, ev breaker.Event) {
	defaultManager.SendInfo(ctx, "Trading Resumed", "Circuit breaker closed, trade egress restored",
		map[string]interface{}{
			"event_type": string(ev.Type),
			"state":      ev.State.String(),
		})
}
