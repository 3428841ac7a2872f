package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpwatch/pumpwatch/internal/archive"
	"github.com/pumpwatch/pumpwatch/internal/breaker"
)

// =============================================================================
// Archive Cron Tests
// =============================================================================

func TestCronArchiveWithoutSecret(t *testing.T) {
	srv, store := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/cron/archive", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "duration_ms")

	entry, ok := body["entry"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), entry["total_events"])
	assert.NotEmpty(t, entry["date"])

	// One point-in-time entry plus the merged daily summary.
	keys := store.putKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, body["key"], keys[0])
	assert.True(t, strings.HasPrefix(keys[0], "archive:"))
	assert.True(t, strings.HasPrefix(keys[1], "archive:daily:"))
}

func TestCronArchiveMergesDailyAcrossRuns(t *testing.T) {
	srv, store := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/cron/archive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(srv, http.MethodPost, "/cron/archive", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Two entry writes, and the daily key written twice in place.
	keys := store.putKeys()
	assert.Len(t, keys, 4)

	daily := 0
	for _, key := range keys {
		if strings.HasPrefix(key, "archive:daily:") {
			daily++
		}
	}
	assert.Equal(t, 2, daily)
}

func TestCronArchiveSecret(t *testing.T) {
	orch := newTestOrchestrator()
	store := newFakeStore()
	srv := NewServer(Config{
		CronSecret:   "cron-secret-42",
		Orchestrator: orch,
		Breaker:      breaker.New(breaker.DefaultConfig(), zerolog.Nop()),
		Archiver:     archive.New(archive.DefaultConfig(), orch, orch, store, zerolog.Nop()),
		Store:        store,
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer not-the-secret", http.StatusUnauthorized},
		{"no bearer prefix", "cron-secret-42", http.StatusUnauthorized},
		{"valid token", "Bearer cron-secret-42", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, "/cron/archive", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			srv.router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, decodeBody(t, w)["error"], "cron secret")
			}
		})
	}
}

func TestCronArchiveDisabled(t *testing.T) {
	srv := NewServer(Config{
		Orchestrator: newTestOrchestrator(),
		Breaker:      breaker.New(breaker.DefaultConfig(), zerolog.Nop()),
	})

	w := doRequest(srv, http.MethodPost, "/cron/archive", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "archiving is disabled")
}

func TestCronArchiveStoreFailure(t *testing.T) {
	srv, store := newTestServer(t)
	store.putErr = errors.New("connection refused")

	w := doRequest(srv, http.MethodPost, "/cron/archive", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	body := decodeBody(t, w)
	assert.Contains(t, body["error"], "archive entry write")

	// The aggregated entry still comes back for reporting.
	entry, ok := body["entry"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, entry["date"])
}
