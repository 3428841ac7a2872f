package sources

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/feed"
)

// PushshiftSpec configures the Reddit submissions adapter backed by the
// Pushshift archive API.
type PushshiftSpec struct {
	Common `yaml:",inline" mapstructure:",squash"`

	BaseURL    string   `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Subreddits []string `json:"subreddits" yaml:"subreddits" mapstructure:"subreddits"`
}

// DefaultPushshiftSpec returns the stock Reddit configuration.
func DefaultPushshiftSpec() PushshiftSpec {
	return PushshiftSpec{
		Common: Common{
			Enabled:            true,
			PollInterval:       3 * time.Minute,
			MaxResults:         100,
			RateLimitPerMinute: 10,
			RequestTimeout:     30 * time.Second,
		},
		BaseURL: "https://api.pushshift.io",
		Subreddits: []string{
			"CryptoMoonShots",
			"SatoshiStreetBets",
			"CryptoCurrency",
		},
	}
}

// Pushshift polls recent Reddit submissions. The public archive API is
// best effort: availability is spotty, so every failure is treated as
// transient and the adapter stays in backoff rather than failing.
type Pushshift struct {
	*poller

	spec   PushshiftSpec
	client *http.Client
}

func NewPushshift(spec PushshiftSpec, pub Publisher, analyzer *feed.Analyzer, logger zerolog.Logger) *Pushshift {
	def := DefaultPushshiftSpec()
	if spec.BaseURL == "" {
		spec.BaseURL = def.BaseURL
	}
	if len(spec.Subreddits) == 0 {
		spec.Subreddits = def.Subreddits
	}
	p := &Pushshift{
		spec:   spec,
		client: &http.Client{},
	}
	p.poller = newPoller(feed.PlatformReddit, spec.Common, p.fetch, pub, analyzer, logger)
	p.poller.allTransient = true
	return p
}

type psResponse struct {
	Data []psPost `json:"data"`
}

type psPost struct {
	ID          string `json:"id"`
	Subreddit   string `json:"subreddit"`
	Title       string `json:"title"`
	Selftext    string `json:"selftext"`
	Author      string `json:"author"`
	CreatedUTC  int64  `json:"created_utc"`
	Score       int    `json:"score"`
	NumComments int    `json:"num_comments"`
}

func (p *Pushshift) fetch(ctx context.Context) ([]RawItem, error) {
	q := url.Values{}
	q.Set("subreddit", strings.Join(p.spec.Subreddits, ","))
	q.Set("size", strconv.Itoa(p.cfg.MaxResults))
	q.Set("sort", "desc")
	q.Set("sort_type", "created_utc")

	endpoint := p.spec.BaseURL + "/reddit/search/submission/?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var resp psResponse
	if err := getJSON(p.client, req, &resp); err != nil {
		return nil, err
	}

	items := make([]RawItem, 0, len(resp.Data))
	for _, post := range resp.Data {
		if post.ID == "" || post.Title == "" {
			continue
		}

		text := post.Title
		if post.Selftext != "" {
			text += " " + post.Selftext
		}

		items = append(items, RawItem{
			ID:         "t3_" + post.ID,
			Source:     "r/" + post.Subreddit,
			Timestamp:  post.CreatedUTC * 1000,
			Text:       text,
			Author:     post.Author,
			Engagement: float64(post.Score + post.NumComments),
		})
	}
	return items, nil
}
