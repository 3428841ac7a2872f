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

// CryptoPanicSpec configures the CryptoPanic news aggregator adapter.
type CryptoPanicSpec struct {
	Common `yaml:",inline" mapstructure:",squash"`

	APIKey  string `json:"-" yaml:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	// Filter is the CryptoPanic feed filter: rising, hot, bullish,
	// bearish, important, saved or lol.
	Filter string `json:"filter" yaml:"filter" mapstructure:"filter"`
}

// DefaultCryptoPanicSpec returns the stock CryptoPanic configuration.
func DefaultCryptoPanicSpec() CryptoPanicSpec {
	return CryptoPanicSpec{
		Common: Common{
			Enabled:            true,
			PollInterval:       90 * time.Second,
			MaxResults:         50,
			RateLimitPerMinute: 5,
			RequestTimeout:     30 * time.Second,
		},
		BaseURL: "https://cryptopanic.com",
		Filter:  "hot",
	}
}

// CryptoPanic polls the CryptoPanic posts API. Posts carry explicit
// currency codes which are merged with extracted symbols.
type CryptoPanic struct {
	*poller

	spec   CryptoPanicSpec
	client *http.Client
}

func NewCryptoPanic(spec CryptoPanicSpec, pub Publisher, analyzer *feed.Analyzer, logger zerolog.Logger) *CryptoPanic {
	if spec.BaseURL == "" {
		spec.BaseURL = DefaultCryptoPanicSpec().BaseURL
	}
	if spec.Filter == "" {
		spec.Filter = DefaultCryptoPanicSpec().Filter
	}
	c := &CryptoPanic{
		spec:   spec,
		client: &http.Client{},
	}
	c.poller = newPoller(feed.PlatformCryptoPanic, spec.Common, c.fetch, pub, analyzer, logger)
	return c
}

type cpResponse struct {
	Results []cpPost `json:"results"`
}

type cpPost struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	PublishedAt string `json:"published_at"`
	Source      struct {
		Title  string `json:"title"`
		Domain string `json:"domain"`
	} `json:"source"`
	Currencies []struct {
		Code string `json:"code"`
	} `json:"currencies"`
	Votes struct {
		Positive  int `json:"positive"`
		Negative  int `json:"negative"`
		Important int `json:"important"`
		Liked     int `json:"liked"`
		Saved     int `json:"saved"`
		Comments  int `json:"comments"`
	} `json:"votes"`
}

func (c *CryptoPanic) fetch(ctx context.Context) ([]RawItem, error) {
	q := url.Values{}
	q.Set("auth_token", c.spec.APIKey)
	q.Set("public", "true")
	q.Set("filter", c.spec.Filter)

	endpoint := c.spec.BaseURL + "/api/v1/posts/?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var resp cpResponse
	if err := getJSON(c.client, req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Results) > c.cfg.MaxResults {
		resp.Results = resp.Results[:c.cfg.MaxResults]
	}

	items := make([]RawItem, 0, len(resp.Results))
	for _, p := range resp.Results {
		if p.ID == 0 || p.Title == "" {
			continue
		}

		var ts int64
		if t, err := time.Parse(time.RFC3339, p.PublishedAt); err == nil {
			ts = t.UnixMilli()
		}

		hints := make([]string, 0, len(p.Currencies))
		for _, cur := range p.Currencies {
			hints = append(hints, cur.Code)
		}

		source := p.Source.Domain
		if source == "" {
			source = p.Source.Title
		}

		engagement := p.Votes.Positive + p.Votes.Important + p.Votes.Liked + p.Votes.Saved + p.Votes.Comments

		items = append(items, RawItem{
			ID:          fmt.Sprintf("cryptopanic:%d", p.ID),
			Source:      source,
			Timestamp:   ts,
			Text:        p.Title,
			Engagement:  float64(engagement),
			SymbolHints: hints,
		})
	}
	return items, nil
}
