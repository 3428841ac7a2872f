package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpwatch/pumpwatch/internal/correlator"
)

// =============================================================================
// WebSocket Hub Tests
// =============================================================================

func TestWSHubAddRemove(t *testing.T) {
	hub := newWSHub()
	client := &wsClient{send: make(chan []byte, wsSendBuffer)}

	require.True(t, hub.add(client))
	assert.Equal(t, 1, hub.clientCount())

	hub.remove(client)
	assert.Equal(t, 0, hub.clientCount())

	// Removing twice must not close the queue twice.
	hub.remove(client)

	_, ok := <-client.send
	assert.False(t, ok)
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newWSHub()
	client := &wsClient{send: make(chan []byte, wsSendBuffer)}
	require.True(t, hub.add(client))

	hub.Broadcast(correlator.Signal{Symbol: "BTC", TotalMentions: 3})

	frame := <-client.send
	assert.Contains(t, string(frame), `"symbol_detection"`)
	assert.Contains(t, string(frame), `"BTC"`)
}

func TestWSHubBroadcastDropsSlowClient(t *testing.T) {
	hub := newWSHub()
	client := &wsClient{send: make(chan []byte, 1)}
	require.True(t, hub.add(client))

	hub.Broadcast(correlator.Signal{Symbol: "BTC"})
	assert.Equal(t, 1, hub.clientCount())

	// Queue full: the second broadcast drops the client instead of
	// blocking.
	hub.Broadcast(correlator.Signal{Symbol: "ETH"})
	assert.Equal(t, 0, hub.clientCount())

	frame, ok := <-client.send
	require.True(t, ok)
	assert.Contains(t, string(frame), `"BTC"`)

	_, ok = <-client.send
	assert.False(t, ok, "dropped client's queue should be closed")
}

func TestWSHubClose(t *testing.T) {
	hub := newWSHub()
	client := &wsClient{send: make(chan []byte, wsSendBuffer)}
	require.True(t, hub.add(client))

	hub.close()
	assert.Equal(t, 0, hub.clientCount())

	_, ok := <-client.send
	assert.False(t, ok)

	late := &wsClient{send: make(chan []byte, wsSendBuffer)}
	assert.False(t, hub.add(late))
}

// =============================================================================
// WebSocket Endpoint Tests
// =============================================================================

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/live/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestActivityWSDeliversDetections(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	conn := dialWS(t, ts)

	// The hello frame is enqueued after registration, so once it arrives
	// the client is attached to the hub.
	var hello wsFrame
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connection", hello.Type)
	assert.NotZero(t, hello.Timestamp)

	srv.ws.Broadcast(correlator.Signal{Symbol: "WIF", TotalMentions: 12})

	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "symbol_detection", frame.Type)

	data, ok := frame.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "WIF", data["symbol"])
	assert.Equal(t, float64(12), data["total_mentions"])
}

func TestActivityWSClientCount(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	conn := dialWS(t, ts)
	var hello wsFrame
	require.NoError(t, conn.ReadJSON(&hello))

	assert.Equal(t, 1, srv.ws.clientCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return srv.ws.clientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActivityWSServerClose(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	conn := dialWS(t, ts)
	var hello wsFrame
	require.NoError(t, conn.ReadJSON(&hello))

	srv.ws.close()

	// The write pump answers the closed queue with a close frame.
	var frame wsFrame
	err := conn.ReadJSON(&frame)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived))
}
