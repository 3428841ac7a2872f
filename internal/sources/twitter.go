package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/feed"
)

// StreamRule is one filtered stream rule pushed to the Twitter API.
type StreamRule struct {
	Value string `json:"value" yaml:"value" mapstructure:"value"`
	Tag   string `json:"tag" yaml:"tag" mapstructure:"tag"`
}

// TwitterSpec configures the filtered stream adapter.
type TwitterSpec struct {
	Common `yaml:",inline" mapstructure:",squash"`

	BearerToken string       `json:"-" yaml:"bearer_token" mapstructure:"bearer_token"`
	APIURL      string       `json:"api_url" yaml:"api_url" mapstructure:"api_url"`
	Rules       []StreamRule `json:"rules" yaml:"rules" mapstructure:"rules"`
	// IdleTimeout forces a reconnect when the stream goes silent.
	// Keepalive newlines reset it.
	IdleTimeout   time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ReconnectBase time.Duration `json:"reconnect_base" yaml:"reconnect_base" mapstructure:"reconnect_base"`
}

// DefaultTwitterSpec returns the stock filtered stream configuration.
func DefaultTwitterSpec() TwitterSpec {
	return TwitterSpec{
		Common: Common{
			Enabled:            true,
			RateLimitPerMinute: 60,
			RequestTimeout:     30 * time.Second,
		},
		APIURL: "https://api.twitter.com",
		Rules: []StreamRule{
			{Value: `(crypto OR bitcoin OR $BTC OR $ETH) lang:en -is:retweet`, Tag: "crypto-chatter"},
			{Value: `("100x" OR "to the moon" OR "pump at") lang:en -is:retweet`, Tag: "pump-chatter"},
		},
		IdleTimeout:   90 * time.Second,
		ReconnectBase: 30 * time.Second,
	}
}

// twitterReconnect shapes stream reconnect backoff: 30s doubling to the
// 5 minute cap.
var twitterReconnect = RetryConfig{Attempts: 5, BaseDelay: 30 * time.Second, Multiplier: 2.0}

// Twitter maintains a filtered stream connection. Unlike the polling
// adapters it reads newline-delimited JSON continuously and reconnects
// with backoff on any stream error; the backoff resets once a connection
// has stayed healthy for a minute.
type Twitter struct {
	*core

	spec     TwitterSpec
	pub      Publisher
	analyzer *feed.Analyzer
	dedup    *dedupCache
	client   *http.Client
	log      zerolog.Logger

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTwitter(spec TwitterSpec, pub Publisher, analyzer *feed.Analyzer, logger zerolog.Logger) *Twitter {
	def := DefaultTwitterSpec()
	if spec.APIURL == "" {
		spec.APIURL = def.APIURL
	}
	if spec.IdleTimeout <= 0 {
		spec.IdleTimeout = def.IdleTimeout
	}
	if spec.ReconnectBase <= 0 {
		spec.ReconnectBase = def.ReconnectBase
	}
	spec.Common = spec.Common.withDefaults()
	return &Twitter{
		core:     newCore(feed.PlatformTwitter),
		spec:     spec,
		pub:      pub,
		analyzer: analyzer,
		dedup:    newDedupCache(defaultDedupSize),
		client:   &http.Client{},
		log:      logger.With().Str("component", "source").Str("platform", "twitter").Logger(),
	}
}

func (t *Twitter) Platform() feed.Platform { return feed.PlatformTwitter }

func (t *Twitter) Start(ctx context.Context) error {
	if t.started {
		return errors.New("twitter adapter already started")
	}
	t.started = true

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.setState(StateConnecting)

	go t.run(runCtx)
	t.log.Info().Int("rules", len(t.spec.Rules)).Msg("Source adapter started")
	return nil
}

func (t *Twitter) Stop() {
	if !t.started {
		return
	}
	t.cancel()
	<-t.done
	if t.currentState() != StateFailed {
		t.setState(StateIdle)
	}
	t.log.Info().Msg("Source adapter stopped")
}

func (t *Twitter) Stats() Stats { return t.snapshot() }

func (t *Twitter) run(ctx context.Context) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.recordError(fmt.Errorf("adapter panic: %v", r))
			t.setState(StateFailed)
			t.log.Error().Interface("panic", r).Msg("Source adapter worker panicked")
		}
	}()

	reconnect := twitterReconnect
	reconnect.BaseDelay = t.spec.ReconnectBase

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		t.setState(StateConnecting)

		err := t.syncRules(ctx)
		if err == nil {
			connectedAt := time.Now()
			err = t.stream(ctx)
			if time.Since(connectedAt) >= time.Minute {
				failures = 0
			}
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		if t.terminal(err) {
			t.recordError(err)
			t.setState(StateFailed)
			t.log.Error().Err(err).Msg("Stream failed, not retrying")
			return
		}

		failures++
		delay := reconnect.Delay(failures, retryAfterHint(err))
		t.recordError(err)
		t.setState(StateBackoff)
		t.log.Warn().
			Err(err).
			Int("consecutive_failures", failures).
			Dur("backoff", delay).
			Msg("Stream disconnected, backing off")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (t *Twitter) terminal(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Transient()
	}
	return false
}

type twRulesResponse struct {
	Data []struct {
		ID    string `json:"id"`
		Value string `json:"value"`
		Tag   string `json:"tag"`
	} `json:"data"`
}

type twRuleChange struct {
	Add    []StreamRule  `json:"add,omitempty"`
	Delete *twRuleDelete `json:"delete,omitempty"`
}

type twRuleDelete struct {
	IDs []string `json:"ids"`
}

// syncRules reconciles the remote rule set with the configured one:
// stale rules are deleted, missing rules added, matching ones kept.
func (t *Twitter) syncRules(ctx context.Context) error {
	rulesURL := t.spec.APIURL + "/2/tweets/search/stream/rules"

	var current twRulesResponse
	if err := t.doJSON(ctx, http.MethodGet, rulesURL, nil, &current); err != nil {
		return fmt.Errorf("fetching stream rules: %w", err)
	}

	desired := make(map[string]bool, len(t.spec.Rules))
	for _, r := range t.spec.Rules {
		desired[r.Value] = true
	}

	var staleIDs []string
	existing := make(map[string]bool, len(current.Data))
	for _, r := range current.Data {
		if desired[r.Value] {
			existing[r.Value] = true
			continue
		}
		staleIDs = append(staleIDs, r.ID)
	}

	var missing []StreamRule
	for _, r := range t.spec.Rules {
		if !existing[r.Value] {
			missing = append(missing, r)
		}
	}

	if len(staleIDs) > 0 {
		change := twRuleChange{Delete: &twRuleDelete{IDs: staleIDs}}
		if err := t.doJSON(ctx, http.MethodPost, rulesURL, change, nil); err != nil {
			return fmt.Errorf("deleting stale stream rules: %w", err)
		}
	}
	if len(missing) > 0 {
		change := twRuleChange{Add: missing}
		if err := t.doJSON(ctx, http.MethodPost, rulesURL, change, nil); err != nil {
			return fmt.Errorf("adding stream rules: %w", err)
		}
		t.log.Info().Int("added", len(missing)).Int("deleted", len(staleIDs)).Msg("Stream rules synced")
	}
	return nil
}

func (t *Twitter) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.spec.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.spec.BearerToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if out == nil {
		out = &json.RawMessage{}
	}
	return getJSON(t.client, req, out)
}

type twStreamMessage struct {
	Data struct {
		ID            string `json:"id"`
		Text          string `json:"text"`
		AuthorID      string `json:"author_id"`
		CreatedAt     string `json:"created_at"`
		PublicMetrics struct {
			RetweetCount int `json:"retweet_count"`
			ReplyCount   int `json:"reply_count"`
			LikeCount    int `json:"like_count"`
			QuoteCount   int `json:"quote_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
	MatchingRules []struct {
		ID  string `json:"id"`
		Tag string `json:"tag"`
	} `json:"matching_rules"`
}

// stream holds the filtered stream connection open and publishes each
// line. Returns when the connection drops or the context is canceled.
func (t *Twitter) stream(ctx context.Context) error {
	streamURL := t.spec.APIURL + "/2/tweets/search/stream" +
		"?tweet.fields=created_at,public_metrics&expansions=author_id&user.fields=username"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.spec.BearerToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &HTTPError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	t.setState(StateRunning)
	t.log.Info().Msg("Stream connected")

	// The watchdog closes the body if no line (including keepalives)
	// arrives within the idle timeout, which unblocks the scanner.
	watchdog := time.AfterFunc(t.spec.IdleTimeout, func() { resp.Body.Close() })
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		watchdog.Reset(t.spec.IdleTimeout)
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg twStreamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.log.Debug().Err(err).Msg("Skipping undecodable stream line")
			continue
		}
		t.handle(msg)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return errors.New("stream closed by server")
}

func (t *Twitter) handle(msg twStreamMessage) {
	if msg.Data.ID == "" || msg.Data.Text == "" {
		return
	}
	if t.dedup.Seen(msg.Data.ID) {
		t.markDuplicate()
		return
	}

	author := msg.Data.AuthorID
	for _, u := range msg.Includes.Users {
		if u.ID == msg.Data.AuthorID {
			author = u.Username
			break
		}
	}

	source := "stream"
	if len(msg.MatchingRules) > 0 && msg.MatchingRules[0].Tag != "" {
		source = msg.MatchingRules[0].Tag
	}

	var ts int64
	if parsed, err := time.Parse(time.RFC3339, msg.Data.CreatedAt); err == nil {
		ts = parsed.UnixMilli()
	}

	pm := msg.Data.PublicMetrics
	engagement := pm.RetweetCount + pm.ReplyCount + pm.LikeCount + pm.QuoteCount

	deliver(t.core, t.pub, t.analyzer, t.log, RawItem{
		ID:         msg.Data.ID,
		Source:     source,
		Timestamp:  ts,
		Text:       msg.Data.Text,
		Author:     author,
		Engagement: float64(engagement),
	})
}
