package sources

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/feed"
)

// FeedSpec names one JSON feed endpoint.
type FeedSpec struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	URL  string `json:"url" yaml:"url" mapstructure:"url"`
}

// RSSSpec configures the news feed adapter. Feeds are JSON Feed documents
// (application/feed+json); each configured feed is fetched every cycle.
type RSSSpec struct {
	Common `yaml:",inline" mapstructure:",squash"`

	Feeds []FeedSpec `json:"feeds" yaml:"feeds" mapstructure:"feeds"`
}

// DefaultRSSSpec returns the stock news feed configuration.
func DefaultRSSSpec() RSSSpec {
	return RSSSpec{
		Common: Common{
			Enabled:            true,
			PollInterval:       2 * time.Minute,
			MaxResults:         25,
			RateLimitPerMinute: 10,
			RequestTimeout:     30 * time.Second,
		},
		Feeds: []FeedSpec{
			{Name: "coindesk", URL: "https://www.coindesk.com/feed.json"},
			{Name: "cointelegraph", URL: "https://cointelegraph.com/feed.json"},
		},
	}
}

// RSS polls configured JSON feeds for news items.
type RSS struct {
	*poller

	spec   RSSSpec
	client *http.Client
}

func NewRSS(spec RSSSpec, pub Publisher, analyzer *feed.Analyzer, logger zerolog.Logger) *RSS {
	r := &RSS{
		spec:   spec,
		client: &http.Client{},
	}
	r.poller = newPoller(feed.PlatformRSS, spec.Common, r.fetchAll, pub, analyzer, logger)
	return r
}

type jsonFeedDoc struct {
	Title string         `json:"title"`
	Items []jsonFeedItem `json:"items"`
}

type jsonFeedItem struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	ContentText   string `json:"content_text"`
	DatePublished string `json:"date_published"`
	Authors       []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

// fetchAll polls every configured feed. A single failing feed does not
// discard items from the others; the poll only errors when all feeds fail.
func (r *RSS) fetchAll(ctx context.Context) ([]RawItem, error) {
	var (
		items    []RawItem
		firstErr error
		failed   int
	)
	for _, f := range r.spec.Feeds {
		got, err := r.fetchFeed(ctx, f)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("feed %s: %w", f.Name, err)
			}
			r.log.Warn().Err(err).Str("feed", f.Name).Msg("Feed fetch failed")
			continue
		}
		items = append(items, got...)
	}
	if failed > 0 && failed == len(r.spec.Feeds) {
		return nil, firstErr
	}
	return items, nil
}

func (r *RSS) fetchFeed(ctx context.Context, f FeedSpec) ([]RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}

	var doc jsonFeedDoc
	if err := getJSON(r.client, req, &doc); err != nil {
		return nil, err
	}

	max := r.cfg.MaxResults
	if len(doc.Items) > max {
		doc.Items = doc.Items[:max]
	}

	items := make([]RawItem, 0, len(doc.Items))
	for _, it := range doc.Items {
		id := it.ID
		if id == "" {
			id = it.URL
		}
		if id == "" {
			continue
		}

		text := it.Title
		if it.ContentText != "" {
			text += " " + it.ContentText
		}

		author := ""
		if len(it.Authors) > 0 {
			author = it.Authors[0].Name
		}

		var ts int64
		if t, err := time.Parse(time.RFC3339, it.DatePublished); err == nil {
			ts = t.UnixMilli()
		}

		items = append(items, RawItem{
			ID:        f.Name + ":" + id,
			Source:    f.Name,
			Timestamp: ts,
			Text:      text,
			Author:    author,
		})
	}
	return items, nil
}
