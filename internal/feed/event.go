package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the origin of an Event.
type Platform string

const (
	PlatformRSS         Platform = "rss"
	PlatformReddit      Platform = "reddit"
	PlatformTwitter     Platform = "twitter"
	PlatformCryptoPanic Platform = "cryptopanic"
	PlatformLunarCrush  Platform = "lunarcrush"
	PlatformSystem      Platform = "system"
)

// IngestPlatforms lists the platforms served by source adapters.
// PlatformSystem is reserved for internally generated events.
func IngestPlatforms() []Platform {
	return []Platform{
		PlatformRSS,
		PlatformReddit,
		PlatformTwitter,
		PlatformCryptoPanic,
		PlatformLunarCrush,
	}
}

// Valid reports whether p is a recognized platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformRSS, PlatformReddit, PlatformTwitter, PlatformCryptoPanic, PlatformLunarCrush, PlatformSystem:
		return true
	}
	return false
}

// ErrInvalidEvent is returned when an event fails validation before publish.
var ErrInvalidEvent = errors.New("invalid event")

// Event is the normalized unit produced by every source adapter.
// Events are immutable once published to the activity log: adapters build
// them, publish, and drop all references.
type Event struct {
	// ID is stable per source item (tweet id, article guid, post fullname).
	ID       string   `json:"id"`
	Platform Platform `json:"platform"`
	// Source is free-form origin detail, e.g. a subreddit or feed name.
	Source string `json:"source,omitempty"`
	// Timestamp is a millisecond epoch.
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Author    string `json:"author,omitempty"`
	// Engagement is a source-normalized activity figure (upvotes, retweets,
	// interaction counts). Scales differ per platform; the correlator only
	// sums it per symbol, it never compares across platforms.
	Engagement float64  `json:"engagement"`
	Symbols    []string `json:"symbols"`
	// Sentiment is in [-1, 1], Confidence and RiskScore in [0, 1].
	Sentiment      float64  `json:"sentiment"`
	Confidence     float64  `json:"confidence"`
	PumpIndicators []string `json:"pump_indicators,omitempty"`
	RiskScore      float64  `json:"risk_score"`
	// IsNew marks an event carrying at least one symbol unseen on any
	// platform within the last 24 hours.
	IsNew bool `json:"is_new"`
}

// Time converts the millisecond epoch timestamp.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Validate checks structural invariants before the event enters the log.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEvent)
	}
	if !e.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidEvent, e.Platform)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be positive", ErrInvalidEvent)
	}
	if e.Sentiment < -1 || e.Sentiment > 1 {
		return fmt.Errorf("%w: sentiment %.3f out of range", ErrInvalidEvent, e.Sentiment)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range", ErrInvalidEvent, e.Confidence)
	}
	if e.RiskScore < 0 || e.RiskScore > 1 {
		return fmt.Errorf("%w: risk score %.3f out of range", ErrInvalidEvent, e.RiskScore)
	}
	return nil
}

// NewSystemEvent builds an internally generated marker event. System
// events pass validation and can be logged, but the correlator ignores
// them.
func NewSystemEvent(text string) Event {
	return Event{
		ID:        uuid.New().String(),
		Platform:  PlatformSystem,
		Source:    "system",
		Timestamp: time.Now().UnixMilli(),
		Text:      text,
		Symbols:   []string{},
	}
}
