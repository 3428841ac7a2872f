package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpwatch/pumpwatch/internal/feed"
)

func tweetLine(id, text, authorID, username, tag string, likes int) string {
	msg := map[string]any{
		"data": map[string]any{
			"id":         id,
			"text":       text,
			"author_id":  authorID,
			"created_at": "2026-08-25T12:00:00Z",
			"public_metrics": map[string]int{
				"retweet_count": 2,
				"reply_count":   1,
				"like_count":    likes,
				"quote_count":   0,
			},
		},
		"includes": map[string]any{
			"users": []map[string]string{{"id": authorID, "username": username}},
		},
		"matching_rules": []map[string]string{{"id": "r1", "tag": tag}},
	}
	buf, _ := json.Marshal(msg)
	return string(buf)
}

// twitterTestServer serves the rules endpoints plus a stream handler.
func twitterTestServer(t *testing.T, rulesCalls *atomic.Int32, stream http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/2/tweets/search/stream/rules", func(w http.ResponseWriter, r *http.Request) {
		rulesCalls.Add(1)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"data":[]}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "add")
		w.Write([]byte(`{"meta":{"sent":"2026-08-25T12:00:00Z"}}`))
	})
	mux.HandleFunc("/2/tweets/search/stream", stream)
	return httptest.NewServer(mux)
}

func testTwitterSpec(apiURL string) TwitterSpec {
	return TwitterSpec{
		Common: Common{
			Enabled:            true,
			RateLimitPerMinute: 60000,
			RequestTimeout:     2 * time.Second,
		},
		BearerToken:   "test-token",
		APIURL:        apiURL,
		Rules:         []StreamRule{{Value: "crypto lang:en", Tag: "crypto-chatter"}},
		IdleTimeout:   5 * time.Second,
		ReconnectBase: 10 * time.Millisecond,
	}
}

func TestTwitterStreamDeliversAndDedups(t *testing.T) {
	var rulesCalls atomic.Int32
	srv := twitterTestServer(t, &rulesCalls, func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		lines := []string{
			tweetLine("1001", "$BTC to the moon", "u1", "alice", "pump-chatter", 10),
			"",
			tweetLine("1001", "$BTC to the moon", "u1", "alice", "pump-chatter", 10),
			tweetLine("1002", "ETH breakout incoming", "u2", "bob", "crypto-chatter", 3),
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			f.Flush()
		}
		<-r.Context().Done()
	})
	defer srv.Close()

	pub := newCapturePub()
	adapter := NewTwitter(testTwitterSpec(srv.URL), pub, feed.NewAnalyzer(nil), zerolog.Nop())

	require.NoError(t, adapter.Start(context.Background()))
	defer adapter.Stop()

	require.Eventually(t, func() bool {
		return len(pub.Events()) == 2
	}, 3*time.Second, 5*time.Millisecond)

	events := pub.Events()
	first := events[0]
	assert.Equal(t, "1001", first.ID)
	assert.Equal(t, feed.PlatformTwitter, first.Platform)
	assert.Equal(t, "alice", first.Author)
	assert.Equal(t, "pump-chatter", first.Source)
	assert.Equal(t, float64(13), first.Engagement)
	assert.Contains(t, first.Symbols, "BTC")
	assert.Contains(t, first.PumpIndicators, feed.IndicatorUrgency)

	second := events[1]
	assert.Equal(t, "1002", second.ID)
	assert.Equal(t, "bob", second.Author)
	assert.Contains(t, second.Symbols, "ETH")

	st := adapter.Stats()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, uint64(2), st.EventsEmitted)
	assert.Equal(t, uint64(1), st.DuplicatesDropped)
	assert.GreaterOrEqual(t, rulesCalls.Load(), int32(2), "rules fetched and synced")
}

func TestTwitterReconnectsWhenStreamGoesIdle(t *testing.T) {
	var streamCalls atomic.Int32
	var rulesCalls atomic.Int32
	srv := twitterTestServer(t, &rulesCalls, func(w http.ResponseWriter, r *http.Request) {
		streamCalls.Add(1)
		f := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s\n", tweetLine("2001", "DOGE pumping", "u3", "carol", "crypto-chatter", 1))
		f.Flush()
		// Go silent; the idle watchdog must force a reconnect.
		<-r.Context().Done()
	})
	defer srv.Close()

	spec := testTwitterSpec(srv.URL)
	spec.IdleTimeout = 80 * time.Millisecond

	pub := newCapturePub()
	adapter := NewTwitter(spec, pub, feed.NewAnalyzer(nil), zerolog.Nop())

	require.NoError(t, adapter.Start(context.Background()))
	defer adapter.Stop()

	require.Eventually(t, func() bool {
		return streamCalls.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// The tweet arrived once; the reconnects deduplicated its redelivery.
	require.Eventually(t, func() bool {
		return len(pub.Events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, adapter.Stats().DuplicatesDropped, uint64(1))
}

func TestTwitterFailsOnBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	adapter := NewTwitter(testTwitterSpec(srv.URL), newCapturePub(), feed.NewAnalyzer(nil), zerolog.Nop())

	require.NoError(t, adapter.Start(context.Background()))
	defer adapter.Stop()

	require.Eventually(t, func() bool {
		return adapter.Stats().State == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, adapter.Stats().LastError)
}
