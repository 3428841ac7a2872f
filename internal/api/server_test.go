package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpwatch/pumpwatch/internal/activity"
	"github.com/pumpwatch/pumpwatch/internal/archive"
	"github.com/pumpwatch/pumpwatch/internal/breaker"
	"github.com/pumpwatch/pumpwatch/internal/correlator"
	"github.com/pumpwatch/pumpwatch/internal/orchestrator"
	"github.com/pumpwatch/pumpwatch/internal/sources"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Helper Functions
// =============================================================================

// disabledSpecs returns the stock source specs with every adapter off so
// pipeline tests never touch the network.
func disabledSpecs() sources.Specs {
	specs := sources.DefaultSpecs()
	specs.RSS.Enabled = false
	specs.CryptoPanic.Enabled = false
	specs.LunarCrush.Enabled = false
	specs.Pushshift.Enabled = false
	specs.Twitter.Enabled = false
	return specs
}

// fakeStore is an in-memory archive.Store that records every Put key.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	puts    []string
	pingErr error
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (f *fakeStore) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.data[key] = append([]byte(nil), value...)
	f.puts = append(f.puts, key)
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[key]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return value, nil
}

func (f *fakeStore) List(_ context.Context, prefix string, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys, nil
}

func (f *fakeStore) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) putKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

func newTestOrchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{
		Sources:     disabledSpecs(),
		Activity:    activity.DefaultConfig(),
		Correlator:  correlator.DefaultConfig(),
		StopTimeout: time.Second,
	}, zerolog.Nop())
}

// newTestServer wires a server over real components: an orchestrator
// with every source disabled, a stock breaker and an archiver backed by
// an in-memory store.
func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()

	orch := newTestOrchestrator()
	store := newFakeStore()
	archiver := archive.New(archive.DefaultConfig(), orch, orch, store, zerolog.Nop())

	srv := NewServer(Config{
		Host:         "127.0.0.1",
		Version:      "test",
		Orchestrator: orch,
		Breaker:      breaker.New(breaker.DefaultConfig(), zerolog.Nop()),
		Archiver:     archiver,
		Store:        store,
	})

	t.Cleanup(func() {
		switch srv.orch.State() {
		case orchestrator.StateReady, orchestrator.StateRunning:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.orch.Stop(ctx)
		}
	})

	return srv, store
}

func doRequest(srv *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, _ := http.NewRequestWithContext(context.Background(), method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	srv.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// =============================================================================
// Root and Health Tests
// =============================================================================

func TestHandleRoot(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "PumpWatch API", body["service"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "running", body["status"])
}

func TestNewServerDefaultsVersion(t *testing.T) {
	srv := NewServer(Config{
		Orchestrator: newTestOrchestrator(),
		Breaker:      breaker.New(breaker.DefaultConfig(), zerolog.Nop()),
	})

	w := doRequest(srv, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev", decodeBody(t, w)["version"])
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])

	components, ok := body["components"].(map[string]interface{})
	require.True(t, ok)

	pipeline, ok := components["pipeline"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", pipeline["status"])
	assert.Equal(t, "UNINITIALIZED", pipeline["state"])
	assert.Equal(t, false, pipeline["active"])

	alog, ok := pipeline["activity_log"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), alog["entries"])
	assert.Equal(t, float64(0), alog["dropped_ingress"])

	cb, ok := components["circuit_breaker"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", cb["status"])
	assert.Equal(t, "CLOSED", cb["state"])

	storeStatus, ok := components["archive_store"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", storeStatus["status"])

	system, ok := body["system"].(map[string]interface{})
	require.True(t, ok)
	assert.NotNil(t, system["goroutines"])
	assert.NotNil(t, system["memory"])
}

func TestHandleHealthDegradedWhenStoreDown(t *testing.T) {
	srv, store := newTestServer(t)
	store.pingErr = errors.New("connection refused")

	w := doRequest(srv, http.MethodGet, "/health", nil)
	// Liveness stays 200; the store failure only degrades the status.
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "degraded", body["status"])

	components := body["components"].(map[string]interface{})
	storeStatus := components["archive_store"].(map[string]interface{})
	assert.Equal(t, "unhealthy", storeStatus["status"])
	assert.Contains(t, storeStatus["error"], "connection refused")
}

func TestHandleHealthDegradedWhenBreakerOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.breaker.ForceOpen("maintenance drill")

	w := doRequest(srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "degraded", body["status"])

	components := body["components"].(map[string]interface{})
	cb := components["circuit_breaker"].(map[string]interface{})
	assert.Equal(t, "tripped", cb["status"])
	assert.Equal(t, "OPEN", cb["state"])
}

func TestHandleHealthWithoutComponents(t *testing.T) {
	srv := NewServer(Config{})

	w := doRequest(srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])

	components := body["components"].(map[string]interface{})
	for _, name := range []string{"pipeline", "circuit_breaker", "archive_store"} {
		component := components[name].(map[string]interface{})
		assert.Equal(t, "not_configured", component["status"], name)
	}
}
