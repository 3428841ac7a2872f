package sources

import (
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/feed"
)

// Specs aggregates every adapter configuration.
type Specs struct {
	RSS         RSSSpec         `json:"rss" yaml:"rss" mapstructure:"rss"`
	CryptoPanic CryptoPanicSpec `json:"cryptopanic" yaml:"cryptopanic" mapstructure:"cryptopanic"`
	LunarCrush  LunarCrushSpec  `json:"lunarcrush" yaml:"lunarcrush" mapstructure:"lunarcrush"`
	Pushshift   PushshiftSpec   `json:"pushshift" yaml:"pushshift" mapstructure:"pushshift"`
	Twitter     TwitterSpec     `json:"twitter" yaml:"twitter" mapstructure:"twitter"`
}

// DefaultSpecs returns the stock configuration for every source.
func DefaultSpecs() Specs {
	return Specs{
		RSS:         DefaultRSSSpec(),
		CryptoPanic: DefaultCryptoPanicSpec(),
		LunarCrush:  DefaultLunarCrushSpec(),
		Pushshift:   DefaultPushshiftSpec(),
		Twitter:     DefaultTwitterSpec(),
	}
}

// Build constructs the enabled adapters. Sources whose required
// credentials are absent are skipped with a warning rather than failing
// startup; the rest of the pipeline runs without them.
func (s Specs) Build(pub Publisher, analyzer *feed.Analyzer, logger zerolog.Logger) []Adapter {
	var adapters []Adapter

	if s.RSS.Enabled && len(s.RSS.Feeds) > 0 {
		adapters = append(adapters, NewRSS(s.RSS, pub, analyzer, logger))
	}

	if s.CryptoPanic.Enabled {
		// CryptoPanic serves a public feed without a token, so a
		// missing key is not fatal.
		adapters = append(adapters, NewCryptoPanic(s.CryptoPanic, pub, analyzer, logger))
	}

	if s.LunarCrush.Enabled {
		if s.LunarCrush.APIKey == "" {
			logger.Warn().Str("platform", string(feed.PlatformLunarCrush)).
				Msg("API key not configured, source disabled")
		} else {
			adapters = append(adapters, NewLunarCrush(s.LunarCrush, pub, analyzer, logger))
		}
	}

	if s.Pushshift.Enabled && len(s.Pushshift.Subreddits) > 0 {
		adapters = append(adapters, NewPushshift(s.Pushshift, pub, analyzer, logger))
	}

	if s.Twitter.Enabled {
		if s.Twitter.BearerToken == "" {
			logger.Warn().Str("platform", string(feed.PlatformTwitter)).
				Msg("Bearer token not configured, source disabled")
		} else {
			adapters = append(adapters, NewTwitter(s.Twitter, pub, analyzer, logger))
		}
	}

	return adapters
}
