package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pumpwatch/pumpwatch/internal/correlator"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// sseClientBuffer is the per-client queue depth. A client that cannot
// keep up misses signals instead of stalling the broadcaster.
const sseClientBuffer = 32

// sseHub fans detection signals out to connected SSE clients, each with
// its own buffered queue.
type sseHub struct {
	mu     sync.Mutex
	subs   map[uint64]chan correlator.Signal
	nextID uint64
	closed bool
}

func newSSEHub() *sseHub {
	return &sseHub{subs: make(map[uint64]chan correlator.Signal)}
}

// subscribe registers a client queue. The returned release function is
// idempotent. A nil channel means the hub is already closed.
func (h *sseHub) subscribe() (<-chan correlator.Signal, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, func() {}
	}

	id := h.nextID
	h.nextID++
	ch := make(chan correlator.Signal, sseClientBuffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// broadcast offers the signal to every client without blocking; full
// queues drop it.
func (h *sseHub) broadcast(sig correlator.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

// close detaches every client. Their handlers observe the channel close
// and send a final error event.
func (h *sseHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// clientCount reports connected SSE clients.
func (h *sseHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleActivityStream streams detections as Server-Sent Events. The
// client receives a connection event, then one symbol_detection event
// per signal, with heartbeats in between.
func (s *Server) handleActivityStream(c *gin.Context) {
	ch, release := s.sse.subscribe()
	if ch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "activity stream is shutting down",
		})
		return
	}
	defer release()

	metrics.SSEClients.Inc()
	defer metrics.SSEClients.Dec()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connection", gin.H{
		"status":   "connected",
		"isActive": s.orch.IsActive(),
		"time":     time.Now().UTC(),
	})
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case sig, ok := <-ch:
			if !ok {
				c.SSEvent("error", gin.H{"error": "stream closed"})
				c.Writer.Flush()
				return
			}
			c.SSEvent("symbol_detection", sig)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}
