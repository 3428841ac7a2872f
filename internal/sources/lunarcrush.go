package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/feed"
)

// LunarCrushSpec configures the LunarCrush social metrics adapter.
type LunarCrushSpec struct {
	Common `yaml:",inline" mapstructure:",squash"`

	APIKey  string `json:"-" yaml:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	// Topics are LunarCrush topic slugs whose post feeds are polled.
	Topics []string `json:"topics" yaml:"topics" mapstructure:"topics"`
	Limit  int      `json:"limit" yaml:"limit" mapstructure:"limit"`
}

// DefaultLunarCrushSpec returns the stock LunarCrush configuration.
func DefaultLunarCrushSpec() LunarCrushSpec {
	return LunarCrushSpec{
		Common: Common{
			Enabled:            true,
			PollInterval:       2 * time.Minute,
			MaxResults:         50,
			RateLimitPerMinute: 10,
			RequestTimeout:     30 * time.Second,
		},
		BaseURL: "https://lunarcrush.com",
		Topics:  []string{"cryptocurrency"},
		Limit:   50,
	}
}

// LunarCrush polls topic post feeds from the LunarCrush v4 public API.
type LunarCrush struct {
	*poller

	spec   LunarCrushSpec
	client *http.Client
}

func NewLunarCrush(spec LunarCrushSpec, pub Publisher, analyzer *feed.Analyzer, logger zerolog.Logger) *LunarCrush {
	def := DefaultLunarCrushSpec()
	if spec.BaseURL == "" {
		spec.BaseURL = def.BaseURL
	}
	if len(spec.Topics) == 0 {
		spec.Topics = def.Topics
	}
	if spec.Limit <= 0 {
		spec.Limit = def.Limit
	}
	l := &LunarCrush{
		spec:   spec,
		client: &http.Client{},
	}
	l.poller = newPoller(feed.PlatformLunarCrush, spec.Common, l.fetchAll, pub, analyzer, logger)
	return l
}

type lcResponse struct {
	Data []lcPost `json:"data"`
}

type lcPost struct {
	ID                 string  `json:"id"`
	PostType           string  `json:"post_type"`
	PostTitle          string  `json:"post_title"`
	PostCreated        int64   `json:"post_created"`
	PostSentiment      float64 `json:"post_sentiment"`
	CreatorDisplayName string  `json:"creator_display_name"`
	InteractionsTotal  float64 `json:"interactions_total"`
}

func (l *LunarCrush) fetchAll(ctx context.Context) ([]RawItem, error) {
	var (
		items    []RawItem
		firstErr error
		failed   int
	)
	for _, topic := range l.spec.Topics {
		got, err := l.fetchTopic(ctx, topic)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("topic %s: %w", topic, err)
			}
			l.log.Warn().Err(err).Str("topic", topic).Msg("Topic fetch failed")
			continue
		}
		items = append(items, got...)
	}
	if failed > 0 && failed == len(l.spec.Topics) {
		return nil, firstErr
	}
	return items, nil
}

func (l *LunarCrush) fetchTopic(ctx context.Context, topic string) ([]RawItem, error) {
	endpoint := fmt.Sprintf("%s/api4/public/topic/%s/posts/v1", l.spec.BaseURL, url.PathEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+l.spec.APIKey)

	var resp lcResponse
	if err := getJSON(l.client, req, &resp); err != nil {
		return nil, err
	}

	limit := l.spec.Limit
	if limit > l.cfg.MaxResults {
		limit = l.cfg.MaxResults
	}
	if len(resp.Data) > limit {
		resp.Data = resp.Data[:limit]
	}

	items := make([]RawItem, 0, len(resp.Data))
	for _, p := range resp.Data {
		if p.ID == "" || p.PostTitle == "" {
			continue
		}
		items = append(items, RawItem{
			ID:         "lunarcrush:" + p.ID,
			Source:     topic,
			Timestamp:  p.PostCreated * 1000,
			Text:       p.PostTitle,
			Author:     p.CreatorDisplayName,
			Engagement: p.InteractionsTotal,
		})
	}
	return items, nil
}
