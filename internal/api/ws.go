package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/correlator"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long a client may stay silent; pongs refresh it.
	wsPongWait = 60 * time.Second
	// wsPingPeriod paces keepalive pings, under wsPongWait.
	wsPingPeriod = 30 * time.Second
	// wsSendBuffer is the per-client outbound queue; a full queue drops
	// the client.
	wsSendBuffer = 64

	wsMaxMessageSize = 1024
)

// Browser access is governed by the CORS middleware; the upgrader itself
// accepts any origin.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame is the wire envelope for WebSocket pushes.
type wsFrame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// wsHub tracks connected WebSocket clients and pushes detections to all
// of them.
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	closed  bool
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*wsClient]bool)}
}

// add registers a client; false means the hub is shutting down.
func (h *wsHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	metrics.WSClients.Set(float64(len(h.clients)))
	return true
}

// remove detaches a client and closes its queue. Safe to call twice.
func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		metrics.WSClients.Set(float64(len(h.clients)))
	}
}

// Broadcast pushes one detection to every client. Clients whose queue is
// full are dropped rather than allowed to stall the rest.
func (h *wsHub) Broadcast(sig correlator.Signal) {
	data, err := json.Marshal(wsFrame{
		Type:      "symbol_detection",
		Data:      sig,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Msg("WebSocket frame encode failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			log.Warn().Msg("Dropping slow WebSocket client")
		}
	}
	metrics.WSClients.Set(float64(len(h.clients)))
}

// close detaches every client; their write pumps send a close frame and
// exit.
func (h *wsHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	metrics.WSClients.Set(0)
}

// clientCount reports connected WebSocket clients.
func (h *wsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleActivityWS upgrades the request and attaches the client to the
// detection broadcast.
func (s *Server) handleActivityWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !s.ws.add(client) {
		conn.Close()
		return
	}

	if hello, err := json.Marshal(wsFrame{Type: "connection", Timestamp: time.Now().UnixMilli()}); err == nil {
		select {
		case client.send <- hello:
		default:
		}
	}

	go client.writePump(s.ws)
	go client.readPump(s.ws)
}

// readPump discards inbound messages and watches for disconnect. Pongs
// refresh the read deadline.
func (c *wsClient) readPump(hub *wsHub) {
	defer func() {
		hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// writePump drains the send queue and paces keepalive pings.
func (c *wsClient) writePump(hub *wsHub) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		hub.remove(c)
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
